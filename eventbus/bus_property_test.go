package eventbus

import (
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// 任意订阅/消费/广播序列下，Broadcast 返回值等于未满队列的存活订阅者数，
// 被移除的订阅者不再计入。
func TestProperty_BroadcastCountMatchesLiveSubscribers(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		queue := rapid.IntRange(1, 4).Draw(rt, "queue")
		maxSubs := rapid.IntRange(1, 6).Draw(rt, "max")
		b := NewBus(Config{QueueSize: queue, MaxSubscribers: maxSubs}, zap.NewNop())

		type model struct {
			sub     *Subscription
			pending int
			alive   bool
		}
		var subs []*model

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				s, err := b.Subscribe()
				if err != nil {
					rt.Fatalf("subscribe: %v", err)
				}
				alive := 0
				for _, m := range subs {
					if m.alive {
						alive++
					}
				}
				if alive >= maxSubs {
					for _, m := range subs {
						if m.alive {
							m.alive = false
							break
						}
					}
				}
				subs = append(subs, &model{sub: s, alive: true})
			case 1:
				if len(subs) == 0 {
					continue
				}
				m := subs[rapid.IntRange(0, len(subs)-1).Draw(rt, "drain")]
				if m.alive && m.pending > 0 {
					<-m.sub.Events()
					m.pending--
				}
			case 2:
				expected := 0
				for _, m := range subs {
					if !m.alive {
						continue
					}
					if m.pending < queue {
						m.pending++
						expected++
					} else {
						m.alive = false
					}
				}
				got := b.Broadcast(New(EventTokenStream, "wf", "", nil))
				if got != expected {
					rt.Fatalf("broadcast delivered %d, expected %d", got, expected)
				}
			}
		}

		alive := 0
		for _, m := range subs {
			if m.alive {
				alive++
			}
		}
		if b.Count() != alive {
			rt.Fatalf("count %d, expected %d", b.Count(), alive)
		}
	})
}
