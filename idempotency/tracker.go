package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status 令牌状态
type Status string

const (
	StatusUnknown   Status = ""
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

// DefaultTTL 令牌默认保留时间
const DefaultTTL = 24 * time.Hour

// StepToken 为 (workflow, step, iteration) 生成确定性令牌（SHA256 hex）
func StepToken(workflowID, stepID string, iteration int) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(iteration)))
	return hex.EncodeToString(h.Sum(nil))
}

// Tracker 记录步骤令牌。令牌只是提示性的：Begin 报告重复，但不拒绝执行。
type Tracker interface {
	// Begin 标记令牌进入执行，返回令牌此前的状态
	Begin(ctx context.Context, token string) (Status, error)

	// Complete 标记令牌完成
	Complete(ctx context.Context, token string) error

	// Status 查询令牌状态
	Status(ctx context.Context, token string) (Status, error)
}

// redisTracker 基于 Redis 的实现
type redisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisTracker 创建 Redis 令牌跟踪器
func NewRedisTracker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) Tracker {
	if prefix == "" {
		prefix = "pipeflow:idem:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisTracker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (t *redisTracker) Begin(ctx context.Context, token string) (Status, error) {
	key := t.prefix + token
	ok, err := t.client.SetNX(ctx, key, string(StatusInFlight), t.ttl).Result()
	if err != nil {
		return StatusUnknown, fmt.Errorf("begin token: %w", err)
	}
	if ok {
		return StatusUnknown, nil
	}

	prev, err := t.Status(ctx, token)
	if err != nil {
		return StatusUnknown, err
	}
	t.logger.Debug("token already seen", zap.String("token", token), zap.String("status", string(prev)))
	return prev, nil
}

func (t *redisTracker) Complete(ctx context.Context, token string) error {
	if err := t.client.Set(ctx, t.prefix+token, string(StatusCompleted), t.ttl).Err(); err != nil {
		return fmt.Errorf("complete token: %w", err)
	}
	return nil
}

func (t *redisTracker) Status(ctx context.Context, token string) (Status, error) {
	v, err := t.client.Get(ctx, t.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("get token: %w", err)
	}
	return Status(v), nil
}

// memoryTracker 基于内存的实现
type memoryTracker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	status    Status
	expiresAt time.Time
}

// NewMemoryTracker 创建内存令牌跟踪器，过期条目在访问时清理
func NewMemoryTracker(ttl time.Duration) Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memoryTracker{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (t *memoryTracker) Begin(_ context.Context, token string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.lookupLocked(token)
	if prev == StatusUnknown {
		t.entries[token] = memoryEntry{status: StatusInFlight, expiresAt: t.now().Add(t.ttl)}
	}
	return prev, nil
}

func (t *memoryTracker) Complete(_ context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[token] = memoryEntry{status: StatusCompleted, expiresAt: t.now().Add(t.ttl)}
	return nil
}

func (t *memoryTracker) Status(_ context.Context, token string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(token), nil
}

func (t *memoryTracker) lookupLocked(token string) Status {
	e, ok := t.entries[token]
	if !ok {
		return StatusUnknown
	}
	if t.now().After(e.expiresAt) {
		delete(t.entries, token)
		return StatusUnknown
	}
	return e.status
}
