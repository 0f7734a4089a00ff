package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 定义指数退避重试策略
type Policy struct {
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES" json:"max_retries"`       // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY" json:"initial_delay"` // 初始延迟
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY" json:"max_delay"`             // 最大延迟
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER" json:"multiplier"`          // 倍增因子
	Jitter       bool          `yaml:"jitter" env:"JITTER" json:"jitter"`                      // ±25% 随机抖动
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Normalize 修正非法参数，返回可用的策略副本
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay 计算第 attempt 次重试（从 1 开始）前的等待时间。
// delay = initial * multiplier^(attempt-1)，上限 MaxDelay，可选 ±25% 抖动。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait 阻塞 d，ctx 取消时提前返回 ctx.Err()
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do 执行 fn，失败且 shouldRetry 为真时按策略退避重试。
// shouldRetry 为 nil 表示所有错误都可重试。
func Do(ctx context.Context, p Policy, logger *zap.Logger, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	p = p.Normalize()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", p.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := Wait(ctx, delay); err != nil {
				return fmt.Errorf("retry cancelled: %w", err)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
	}

	logger.Warn("retries exhausted",
		zap.Int("attempts", p.MaxRetries+1),
		zap.Error(lastErr))
	return fmt.Errorf("failed after %d retries: %w", p.MaxRetries, lastErr)
}
