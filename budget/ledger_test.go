package budget

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/BaSui01/pipeflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySink struct {
	mu      sync.Mutex
	entries []types.CostEntry
	err     error
}

func (s *memorySink) AppendCost(_ context.Context, e types.CostEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestLedger_Admit(t *testing.T) {
	l := NewLedger(DefaultConfig(), nil, zap.NewNop())

	assert.NoError(t, l.Admit(5, 5))
	assert.NoError(t, l.Admit(5, 0))
	assert.NoError(t, l.Admit(5, -1))

	err := l.Admit(2, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverBudget))
}

func TestLedger_SessionCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionCeiling = 4
	l := NewLedger(cfg, &memorySink{}, zap.NewNop())

	_, err := l.Record(context.Background(), types.CostEntry{WorkflowID: "a", StepID: "s1", Cost: 3})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, l.SessionSpent(), 1e-9)

	assert.NoError(t, l.Admit(10, 1))
	assert.ErrorIs(t, l.Admit(10, 1.5), ErrOverBudget)
}

func TestLedger_RecordPricesByTier(t *testing.T) {
	sink := &memorySink{}
	l := NewLedger(DefaultConfig(), sink, zap.NewNop())

	entry, err := l.Record(context.Background(), types.CostEntry{
		WorkflowID:   "wf",
		StepID:       "draft",
		ExecutorID:   "writer",
		Tier:         "premium",
		InputTokens:  1500,
		OutputTokens: 500,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, entry.Cost, 1e-9)
	assert.False(t, entry.CreatedAt.IsZero())

	entry, err = l.Record(context.Background(), types.CostEntry{WorkflowID: "wf", StepID: "x", InputTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, "standard", entry.Tier)
	assert.InDelta(t, 0.003, entry.Cost, 1e-9)

	entry, err = l.Record(context.Background(), types.CostEntry{WorkflowID: "wf", StepID: "y", Cost: 1.25, InputTokens: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 1.25, entry.Cost, 1e-9, "reported cost wins over pricing")

	assert.Len(t, sink.entries, 3)
	assert.Equal(t, 0.0, l.Price("unknown-tier", 1000))
}

func TestLedger_PrepareThenAccount(t *testing.T) {
	sink := &memorySink{}
	l := NewLedger(DefaultConfig(), sink, zap.NewNop())

	entry, err := l.Prepare(types.CostEntry{WorkflowID: "wf", StepID: "draft", Tier: "premium", InputTokens: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 0.015, entry.Cost, 1e-9)
	assert.Empty(t, sink.entries, "prepare does not persist")
	assert.Equal(t, 0.0, l.SessionSpent())

	_, err = l.Prepare(types.CostEntry{WorkflowID: "wf", StepID: "bad", Cost: -1})
	assert.Error(t, err)

	l.Account(entry, types.CostEntry{WorkflowID: "wf", StepID: "other", Cost: 0.5})
	assert.InDelta(t, 0.515, l.SessionSpent(), 1e-9)
}

func TestLedger_RecordRejectsNegativeAndSinkErrors(t *testing.T) {
	sink := &memorySink{}
	l := NewLedger(DefaultConfig(), sink, zap.NewNop())

	_, err := l.Record(context.Background(), types.CostEntry{StepID: "s", Cost: -1})
	assert.Error(t, err)

	sink.err = errors.New("disk full")
	_, err = l.Record(context.Background(), types.CostEntry{StepID: "s", Cost: 1})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0.0, l.SessionSpent())
}

func TestLedger_CheckAlertFiresOnce(t *testing.T) {
	l := NewLedger(DefaultConfig(), nil, zap.NewNop())
	var alerts []Alert
	l.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	assert.False(t, l.CheckAlert("wf", 10, 5))
	assert.True(t, l.CheckAlert("wf", 10, 2))
	assert.False(t, l.CheckAlert("wf", 10, 1))
	assert.True(t, l.CheckAlert("other", 10, 0))

	require.Len(t, alerts, 2)
	assert.Equal(t, "wf", alerts[0].WorkflowID)
	assert.InDelta(t, 8.0, alerts[0].Spent, 1e-9)

	l.Forget("wf")
	assert.True(t, l.CheckAlert("wf", 10, 1))
}

// Scenario: $5 budget, steps costing $1, $2, $3 → third step rejected, $2 remaining.
func TestLedger_SequentialBudgetScenario(t *testing.T) {
	sink := &memorySink{}
	l := NewLedger(DefaultConfig(), sink, zap.NewNop())

	total := 5.0
	remaining := total
	var rejectedAt string
	for i, cost := range []float64{1, 2, 3} {
		step := []string{"a", "b", "c"}[i]
		if err := l.Admit(remaining, cost); err != nil {
			rejectedAt = step
			break
		}
		e, err := l.Record(context.Background(), types.CostEntry{WorkflowID: "wf", StepID: step, Cost: cost})
		require.NoError(t, err)
		remaining -= e.Cost
	}

	assert.Equal(t, "c", rejectedAt)
	assert.InDelta(t, 2.0, remaining, 1e-9)
	assert.InDelta(t, remaining, Remaining(total, sink.entries), 1e-9)
}
