package workflow

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/pipeflow/checkpoint"
)

// Feature: workflow-orchestration, Property 1: Budget conservation
// remaining = total - sum(cost entries), and no step runs after the budget is overdrawn.
func TestProperty_BudgetConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cost ledger and remaining budget agree", prop.ForAll(
		func(costs []float64, budget float64) bool {
			execs := make(map[string]Executor, len(costs))
			counters := make([]*countingExec, len(costs))
			b := NewDefinition("prop")
			for i, c := range costs {
				id := fmt.Sprintf("e%d", i)
				counters[i] = textExec(id, c)
				execs[id] = counters[i]
				b.Step(fmt.Sprintf("s%d", i), id)
			}
			def := b.MustBuild()

			r, store := newTestRunner(t, execs)
			out, err := r.Run(context.Background(), def, "q", budget)
			if err != nil {
				t.Logf("run failed: %v", err)
				return false
			}

			entries := store.(*checkpoint.MemoryStore).CostEntries(out.Instance.ID)
			var spent float64
			for _, e := range entries {
				spent += e.Cost
			}
			if math.Abs(out.Instance.BudgetTotal-spent-out.Instance.BudgetRemaining) > 1e-9 {
				t.Logf("remaining %.6f, total %.6f, spent %.6f", out.Instance.BudgetRemaining, budget, spent)
				return false
			}

			// 超支后不再调用执行器：最后一条记录之前的累计不超过预算
			if out.Instance.BudgetRemaining < -1e-9 {
				if out.Instance.State != StateOverBudget {
					return false
				}
				before := spent - entries[len(entries)-1].Cost
				if before > budget+1e-9 {
					return false
				}
				for i := len(entries); i < len(counters); i++ {
					if counters[i].Calls() != 0 {
						return false
					}
				}
				return true
			}
			return out.Instance.State == StateCompleted && len(entries) == len(costs)
		},
		gen.SliceOfN(6, gen.Float64Range(0.01, 3)),
		gen.Float64Range(1, 12),
	))

	properties.TestingRun(t)
}
