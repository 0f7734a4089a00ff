package budget

import (
	"context"
	"math"
	"testing"

	"github.com/BaSui01/pipeflow/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// Feature: cost-ledger, Property 1: Remaining Equals Total Minus Entries
// Only the entry that overshoots may push the remaining budget negative, and
// nothing is recorded after that.
func TestProperty_RemainingEqualsTotalMinusEntries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("ledger invariant holds for any step sequence", prop.ForAll(
		func(total float64, estimates []float64, overshoot float64) bool {
			sink := &memorySink{}
			l := NewLedger(DefaultConfig(), sink, zap.NewNop())

			remaining := total
			stopped := false
			for i, est := range estimates {
				if stopped {
					break
				}
				if err := l.Admit(remaining, est); err != nil {
					break
				}
				actual := est
				if i%3 == 2 {
					actual = est + overshoot
				}
				e, err := l.Record(context.Background(), types.CostEntry{WorkflowID: "wf", StepID: "s", Cost: actual})
				if err != nil {
					return false
				}
				remaining -= e.Cost
				if remaining < 0 {
					stopped = true
				}
			}

			if math.Abs(remaining-Remaining(total, sink.entries)) > 1e-6 {
				return false
			}
			// 只有最后一条记录可能让余额变负
			running := total
			for i, e := range sink.entries {
				running -= e.Cost
				if running < -1e-9 && i != len(sink.entries)-1 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 100),
		gen.SliceOf(gen.Float64Range(0, 20)),
		gen.Float64Range(0, 5),
	))

	properties.TestingRun(t)
}
