package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/pipeflow/types"
	"go.uber.org/zap"
)

// ErrOverBudget 预估成本超出剩余预算（准入拒绝，不是执行失败）
var ErrOverBudget = errors.New("over budget")

// tolerance 浮点比较容差
const tolerance = 1e-9

// Config 成本账本配置
type Config struct {
	// SessionCeiling 进程内所有工作流的总成本上限，0 表示不限制
	SessionCeiling float64 `yaml:"session_ceiling" env:"SESSION_CEILING" json:"session_ceiling"`
	// AlertThreshold 工作流已用预算比例达到该值时发出 cost_alert（0-1，0 表示关闭）
	AlertThreshold float64 `yaml:"alert_threshold" env:"ALERT_THRESHOLD" json:"alert_threshold"`
	// Pricing 成本档位 -> 每 1K token 的美元价格
	Pricing map[string]float64 `yaml:"pricing" json:"pricing"`
	// DefaultTier 执行器未声明档位时使用
	DefaultTier string `yaml:"default_tier" env:"DEFAULT_TIER" json:"default_tier"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		AlertThreshold: 0.8,
		Pricing: map[string]float64{
			"economy":  0.0005,
			"standard": 0.003,
			"premium":  0.015,
		},
		DefaultTier: "standard",
	}
}

// Sink 成本记录的持久化目标（CheckpointStore 实现它）
type Sink interface {
	AppendCost(ctx context.Context, entry types.CostEntry) error
}

// Alert 预算告警
type Alert struct {
	WorkflowID string    `json:"workflow_id"`
	Threshold  float64   `json:"threshold"`
	Spent      float64   `json:"spent"`
	Total      float64   `json:"total"`
	Remaining  float64   `json:"remaining"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertHandler 处理预算告警
type AlertHandler func(alert Alert)

// Ledger 记录成本并回答预算准入问题。
// 预算按工作流 ID 跟踪，可选的会话上限以同样方式检查。
type Ledger struct {
	config Config
	sink   Sink
	logger *zap.Logger

	mu            sync.Mutex
	sessionSpent  float64
	alerted       map[string]bool
	alertHandlers []AlertHandler
}

// NewLedger 创建成本账本
func NewLedger(config Config, sink Sink, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTier == "" {
		config.DefaultTier = DefaultConfig().DefaultTier
	}
	return &Ledger{
		config:  config,
		sink:    sink,
		logger:  logger.With(zap.String("component", "cost_ledger")),
		alerted: make(map[string]bool),
	}
}

// OnAlert 注册告警处理器
func (l *Ledger) OnAlert(handler AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertHandlers = append(l.alertHandlers, handler)
}

// Admit 检查预估成本是否能放入剩余预算与会话上限
func (l *Ledger) Admit(remaining, estimated float64) error {
	if estimated < 0 {
		estimated = 0
	}
	if estimated > remaining+tolerance {
		return fmt.Errorf("%w: estimated %.4f exceeds remaining %.4f", ErrOverBudget, estimated, remaining)
	}

	if l.config.SessionCeiling > 0 {
		l.mu.Lock()
		spent := l.sessionSpent
		l.mu.Unlock()
		if spent+estimated > l.config.SessionCeiling+tolerance {
			return fmt.Errorf("%w: session spent %.4f + estimated %.4f exceeds ceiling %.4f",
				ErrOverBudget, spent, estimated, l.config.SessionCeiling)
		}
	}
	return nil
}

// Price 按档位计算 token 成本
func (l *Ledger) Price(tier string, tokens int) float64 {
	if tier == "" {
		tier = l.config.DefaultTier
	}
	per1K, ok := l.config.Pricing[tier]
	if !ok || tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * per1K
}

// Prepare 补齐档位与成本（执行器未报告成本时按档位定价）并校验，不写入
func (l *Ledger) Prepare(entry types.CostEntry) (types.CostEntry, error) {
	if entry.Tier == "" {
		entry.Tier = l.config.DefaultTier
	}
	if entry.Cost == 0 {
		entry.Cost = l.Price(entry.Tier, entry.TotalTokens())
	}
	if entry.Cost < 0 {
		return entry, fmt.Errorf("negative cost %.4f for step %s", entry.Cost, entry.StepID)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return entry, nil
}

// Account 把已持久化的成本记录计入会话累计
func (l *Ledger) Account(entries ...types.CostEntry) {
	var sum float64
	for _, e := range entries {
		sum += e.Cost
		l.logger.Debug("cost recorded",
			zap.String("workflow_id", e.WorkflowID),
			zap.String("step_id", e.StepID),
			zap.String("executor_id", e.ExecutorID),
			zap.String("tier", e.Tier),
			zap.Int("tokens", e.TotalTokens()),
			zap.Float64("cost", e.Cost))
	}
	l.mu.Lock()
	l.sessionSpent += sum
	l.mu.Unlock()
}

// Record 准备、写入并计入一条成本记录，返回实际写入的记录
func (l *Ledger) Record(ctx context.Context, entry types.CostEntry) (types.CostEntry, error) {
	entry, err := l.Prepare(entry)
	if err != nil {
		return entry, err
	}
	if l.sink != nil {
		if err := l.sink.AppendCost(ctx, entry); err != nil {
			return entry, fmt.Errorf("append cost entry: %w", err)
		}
	}
	l.Account(entry)
	return entry, nil
}

// CheckAlert 在工作流已用预算比例首次达到阈值时触发告警，返回是否触发
func (l *Ledger) CheckAlert(workflowID string, total, remaining float64) bool {
	if l.config.AlertThreshold <= 0 || total <= 0 {
		return false
	}
	spent := total - remaining
	if spent/total < l.config.AlertThreshold {
		return false
	}

	l.mu.Lock()
	if l.alerted[workflowID] {
		l.mu.Unlock()
		return false
	}
	l.alerted[workflowID] = true
	handlers := append([]AlertHandler(nil), l.alertHandlers...)
	l.mu.Unlock()

	alert := Alert{
		WorkflowID: workflowID,
		Threshold:  l.config.AlertThreshold,
		Spent:      spent,
		Total:      total,
		Remaining:  remaining,
		Message:    fmt.Sprintf("workflow has used %.0f%% of its budget", spent/total*100),
		Timestamp:  time.Now(),
	}
	l.logger.Warn("budget alert",
		zap.String("workflow_id", workflowID),
		zap.Float64("spent", spent),
		zap.Float64("total", total))

	for _, h := range handlers {
		h(alert)
	}
	return true
}

// Forget 清理工作流的告警状态
func (l *Ledger) Forget(workflowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.alerted, workflowID)
}

// SessionSpent 返回进程内累计成本
func (l *Ledger) SessionSpent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionSpent
}

// Remaining 计算 total - sum(entries)
func Remaining(total float64, entries []types.CostEntry) float64 {
	remaining := total
	for _, e := range entries {
		remaining -= e.Cost
	}
	return remaining
}
