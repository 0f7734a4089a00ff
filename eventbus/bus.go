package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed 总线已关闭
var ErrClosed = errors.New("event bus closed")

// Config 事件总线配置
type Config struct {
	// QueueSize 每个订阅者的队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE" json:"queue_size"`
	// MaxSubscribers 最大订阅者数量，超出时淘汰最早注册的订阅者
	MaxSubscribers int `yaml:"max_subscribers" env:"MAX_SUBSCRIBERS" json:"max_subscribers"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		MaxSubscribers: 100,
	}
}

// Subscription 一个已注册的订阅者。事件通道被关闭即为终止信号。
type Subscription struct {
	ID         string
	WorkflowID string
	CreatedAt  time.Time

	ch     chan Event
	bus    *Bus
	closed bool
}

// Events 返回事件通道；通道关闭表示订阅已被移除
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.ID)
}

// SubscribeOption 订阅选项
type SubscribeOption func(*Subscription)

// ForWorkflow 只接收指定工作流的事件
func ForWorkflow(workflowID string) SubscribeOption {
	return func(s *Subscription) { s.WorkflowID = workflowID }
}

// Stats 总线统计
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Pruned      int64 `json:"pruned"`
	Evicted     int64 `json:"evicted"`
}

// Bus 进程内发布订阅总线。
// 队列已满的订阅者被视为失效并移除（drop-and-prune），发布方从不阻塞。
type Bus struct {
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*Subscription // 按注册顺序
	closed bool

	delivered atomic.Int64
	pruned    atomic.Int64
	evicted   atomic.Int64
}

// NewBus 创建事件总线
func NewBus(config Config, logger *zap.Logger) *Bus {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = defaults.MaxSubscribers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		config: config,
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe 注册一个新的有界队列。超出 MaxSubscribers 时先淘汰最早的订阅者。
func (b *Bus) Subscribe(opts ...SubscribeOption) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		ch:        make(chan Event, b.config.QueueSize),
		bus:       b,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	for len(b.subs) >= b.config.MaxSubscribers {
		oldest := b.subs[0]
		b.subs = b.subs[1:]
		b.closeLocked(oldest)
		b.evicted.Add(1)
		b.logger.Warn("subscriber evicted", zap.String("subscriber_id", oldest.ID))
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("subscriber registered",
		zap.String("subscriber_id", sub.ID),
		zap.String("workflow_id", sub.WorkflowID),
		zap.Int("subscribers", len(b.subs)))
	return sub, nil
}

// Unsubscribe 移除订阅者并关闭其通道
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.ID == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			b.closeLocked(s)
			return
		}
	}
}

// Broadcast 向所有存活的订阅者推送事件，返回实际投递数量。
// 队列已满的订阅者被移除，不计入本次及之后的投递数。
func (b *Bus) Broadcast(evt Event) int {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	live := b.subs[:0]
	for _, s := range b.subs {
		if s.WorkflowID != "" && s.WorkflowID != evt.WorkflowID {
			live = append(live, s)
			continue
		}
		select {
		case s.ch <- evt:
			delivered++
			live = append(live, s)
		default:
			b.closeLocked(s)
			b.pruned.Add(1)
			b.logger.Warn("subscriber queue full, pruned",
				zap.String("subscriber_id", s.ID),
				zap.String("event_type", string(evt.Type)))
		}
	}
	for i := len(live); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = live

	b.delivered.Add(int64(delivered))
	return delivered
}

// DisconnectAll 向所有订阅者发送终止信号并清空注册表
func (b *Bus) DisconnectAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		b.closeLocked(s)
	}
	b.subs = nil
}

// Close 断开所有订阅者并拒绝新的订阅
func (b *Bus) Close() {
	b.DisconnectAll()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Count 返回当前订阅者数量
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats 返回统计信息
func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.Count(),
		Delivered:   b.delivered.Load(),
		Pruned:      b.pruned.Load(),
		Evicted:     b.evicted.Load(),
	}
}

// closeLocked 关闭订阅者通道（必须在锁内调用）
func (b *Bus) closeLocked(s *Subscription) {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
