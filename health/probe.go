package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/pipeflow/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Severity 问题严重程度
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue 单个依赖的健康问题
type Issue struct {
	Service  string        `json:"service"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Latency  time.Duration `json:"latency"`
}

// Probe 一个命名依赖的健康探针。健康时返回 nil。
type Probe interface {
	Name() string
	Check(ctx context.Context) *Issue
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) *Issue
}

func (p probeFunc) Name() string                     { return p.name }
func (p probeFunc) Check(ctx context.Context) *Issue { return p.fn(ctx) }

// NewProbe 用函数构造探针
func NewProbe(name string, fn func(ctx context.Context) *Issue) Probe {
	return probeFunc{name: name, fn: fn}
}

// PingProbe ping 失败时报告指定严重程度的问题（数据库、Redis 等）
func PingProbe(name string, severity Severity, ping func(ctx context.Context) error) Probe {
	return NewProbe(name, func(ctx context.Context) *Issue {
		if err := ping(ctx); err != nil {
			return &Issue{Service: name, Severity: severity, Message: err.Error()}
		}
		return nil
	})
}

// HTTPProbe GET url：网络错误或 5xx 报 error，4xx 报 warning
func HTTPProbe(name, url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return NewProbe(name, func(ctx context.Context) *Issue {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return &Issue{Service: name, Severity: SeverityError, Message: err.Error()}
		}
		resp, err := client.Do(req)
		if err != nil {
			return &Issue{Service: name, Severity: SeverityError, Message: err.Error()}
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return &Issue{Service: name, Severity: SeverityError, Message: fmt.Sprintf("status %d", resp.StatusCode)}
		case resp.StatusCode >= 400:
			return &Issue{Service: name, Severity: SeverityWarning, Message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		return nil
	})
}

// BreakerProbe 熔断器 open 报 error，half_open 报 warning
func BreakerProbe(b *circuitbreaker.Breaker) Probe {
	return NewProbe(b.Name(), func(context.Context) *Issue {
		switch b.State() {
		case circuitbreaker.StateOpen:
			return &Issue{Service: b.Name(), Severity: SeverityError, Message: "circuit breaker open"}
		case circuitbreaker.StateHalfOpen:
			return &Issue{Service: b.Name(), Severity: SeverityWarning, Message: "circuit breaker probing recovery"}
		}
		return nil
	})
}

// Prober 并发执行命名探针，每个探针有独立超时。
// 结果只是提示，不会阻止工作流创建。
type Prober struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewProber 创建探测器，timeout <= 0 时使用 3s
func NewProber(timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		timeout: timeout,
		logger:  logger.With(zap.String("component", "health_probe")),
		probes:  make(map[string]Probe),
	}
}

// Register 注册探针，同名覆盖
func (p *Prober) Register(probes ...Probe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, probe := range probes {
		p.probes[probe.Name()] = probe
	}
}

// Names 返回已注册的探针名称（排序）
func (p *Prober) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for name := range p.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll 并发执行指定名称的探针，未知名称静默跳过。
// 返回的问题按 names 顺序排列。
func (p *Prober) CheckAll(ctx context.Context, names []string) []Issue {
	p.mu.RLock()
	selected := make([]Probe, 0, len(names))
	for _, name := range names {
		if probe, ok := p.probes[name]; ok {
			selected = append(selected, probe)
		}
	}
	p.mu.RUnlock()

	results := make([]*Issue, len(selected))
	var g errgroup.Group
	for i, probe := range selected {
		g.Go(func() error {
			results[i] = p.run(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()

	issues := make([]Issue, 0, len(results))
	for _, issue := range results {
		if issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues
}

// CheckRegistered 执行所有已注册的探针
func (p *Prober) CheckRegistered(ctx context.Context) []Issue {
	return p.CheckAll(ctx, p.Names())
}

// run 执行单个探针；探针忽略 ctx 时也保证按超时返回
func (p *Prober) run(ctx context.Context, probe Probe) *Issue {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *Issue, 1)
	go func() {
		done <- probe.Check(ctx)
	}()

	var issue *Issue
	select {
	case issue = <-done:
	case <-ctx.Done():
		issue = &Issue{Service: probe.Name(), Severity: SeverityError, Message: "health probe timed out"}
	}

	if issue != nil {
		if issue.Service == "" {
			issue.Service = probe.Name()
		}
		issue.Latency = time.Since(start)
		p.logger.Warn("dependency unhealthy",
			zap.String("service", issue.Service),
			zap.String("severity", string(issue.Severity)),
			zap.String("message", issue.Message),
			zap.Duration("latency", issue.Latency))
	}
	return issue
}

// HasErrors 是否存在 error 级别的问题
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
