package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStepToken_Deterministic(t *testing.T) {
	a := StepToken("wf-1", "search", 0)
	assert.Len(t, a, 64)
	assert.Equal(t, a, StepToken("wf-1", "search", 0))
	assert.NotEqual(t, a, StepToken("wf-1", "search", 1))
	assert.NotEqual(t, a, StepToken("wf-2", "search", 0))
	// 分隔符避免拼接歧义
	assert.NotEqual(t, StepToken("ab", "c", 0), StepToken("a", "bc", 0))
}

func runTrackerContract(t *testing.T, tracker Tracker) {
	ctx := context.Background()
	token := StepToken("wf", "step", 0)

	st, err := tracker.Status(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st)

	prev, err := tracker.Begin(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, prev)

	prev, err = tracker.Begin(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, prev, "second begin reports the duplicate")

	require.NoError(t, tracker.Complete(ctx, token))
	st, err = tracker.Status(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)

	prev, err = tracker.Begin(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, prev)
}

func TestMemoryTracker(t *testing.T) {
	runTrackerContract(t, NewMemoryTracker(time.Hour))
}

func TestMemoryTracker_Expiry(t *testing.T) {
	tr := NewMemoryTracker(time.Minute).(*memoryTracker)
	now := time.Now()
	tr.now = func() time.Time { return now }

	_, _ = tr.Begin(context.Background(), "tok")
	now = now.Add(2 * time.Minute)
	st, _ := tr.Status(context.Background(), "tok")
	assert.Equal(t, StatusUnknown, st)
}

func TestRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	runTrackerContract(t, NewRedisTracker(client, "", time.Hour, zap.NewNop()))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "pipeflow:idem:")
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}
