package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen 熔断器打开时返回的错误
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，允许请求通过
	StateClosed State = iota
	// StateOpen 熔断状态，拒绝所有请求
	StateOpen
	// StateHalfOpen 半开状态，只允许一个探测请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" json:"failure_threshold"`
	// ResetTimeout 熔断后进入半开状态前的等待时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT" json:"reset_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// StateChange 状态变更通知
type StateChange struct {
	Name      string    `json:"name"`
	From      State     `json:"-"`
	To        State     `json:"-"`
	FromName  string    `json:"from"`
	ToName    string    `json:"to"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// Option 配置 Breaker 的可选项
type Option func(*Breaker)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOnStateChange 设置状态变更回调，回调在锁外同步执行
func WithOnStateChange(fn func(StateChange)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker 保护一个共享外部依赖的熔断器，所有工作流实例共用同一个实例。
type Breaker struct {
	name     string
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	onChange func(StateChange)

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New 创建熔断器，非法配置回退为默认值
func New(name string, config Config, logger *zap.Logger, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   name,
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("dependency", name)),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name 返回被保护依赖的名称
func (b *Breaker) Name() string { return b.name }

// AllowRequest 检查是否允许请求通过。
// open 状态在 ResetTimeout 到期后转为 half_open 并放行唯一的探测请求，
// 探测结果返回前的其他调用全部拒绝。
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	var change *StateChange
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
			change = b.transitionLocked(StateHalfOpen, "reset timeout elapsed")
			b.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	}
	b.mu.Unlock()

	b.notify(change)
	return allowed
}

// RecordSuccess 记录成功；half_open 下关闭熔断器并清零失败计数
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var change *StateChange
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.probeInFlight = false
		change = b.transitionLocked(StateClosed, "probe succeeded")
	}
	b.mu.Unlock()

	b.notify(change)
}

// RecordFailure 记录失败；closed 下达到阈值后打开，half_open 下立即重新打开
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var change *StateChange
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			change = b.transitionLocked(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		change = b.transitionLocked(StateOpen, "probe failed")
	}
	b.mu.Unlock()

	b.notify(change)
}

// ReleaseProbe 归还 half_open 的探测名额而不改变状态。
// 用于调用方在探测结果产生前放弃请求（如 context 取消）。
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// State 返回当前状态（不触发 open→half_open 转换）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 返回当前连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset 手动重置为 closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	var change *StateChange
	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		change = b.transitionLocked(StateClosed, "manual reset")
	}
	b.mu.Unlock()

	b.notify(change)
}

// Call 在熔断器保护下执行 fn。countable 决定某个错误是否计入失败，
// nil 表示所有错误都计入。ctx 在 fn 返回时已取消的失败不反映依赖健康，
// 只归还探测名额。
func (b *Breaker) Call(ctx context.Context, countable func(error) bool, fn func(ctx context.Context) error) error {
	if !b.AllowRequest() {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx.Err() != nil:
		b.ReleaseProbe()
	case countable == nil || countable(err):
		b.RecordFailure()
	default:
		// 不计入失败的错误也要结束探测
		b.RecordSuccess()
	}
	return err
}

// transitionLocked 状态转换（必须在锁内调用）
func (b *Breaker) transitionLocked(to State, reason string) *StateChange {
	from := b.state
	b.state = to

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", from.String()),
		zap.String("new_state", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	return &StateChange{
		Name:      b.name,
		From:      from,
		To:        to,
		FromName:  from.String(),
		ToName:    to.String(),
		Reason:    reason,
		Failures:  b.failures,
		Timestamp: b.now(),
	}
}

func (b *Breaker) notify(change *StateChange) {
	if change != nil && b.onChange != nil {
		b.onChange(*change)
	}
}
