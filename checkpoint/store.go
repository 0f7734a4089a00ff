package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/pipeflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreClosed  = errors.New("store is closed")
)

// StepStatus 步骤检查点状态
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepCheckpoint 单个步骤的持久化记录，(WorkflowID, StepID) 唯一。
// Result 是编码后的结果信封，completed 状态下必须存在。
type StepCheckpoint struct {
	WorkflowID       string          `json:"workflow_id"`
	StepID           string          `json:"step_id"`
	Index            int             `json:"index"`
	ExecutorID       string          `json:"executor_id"`
	Status           StepStatus      `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	IdempotencyToken string          `json:"idempotency_token,omitempty"`
	Attempt          int             `json:"attempt"`
	Cost             float64         `json:"cost"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Validate 检查记录的基本不变量
func (c *StepCheckpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	}
	if c.WorkflowID == "" || c.StepID == "" {
		return fmt.Errorf("%w: workflow id and step id are required", ErrInvalidInput)
	}
	switch c.Status {
	case StepPending, StepRunning, StepFailed:
	case StepCompleted:
		if len(c.Result) == 0 {
			return fmt.Errorf("%w: completed step %s has no result", ErrInvalidInput, c.StepID)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, c.Status)
	}
	return nil
}

// validateCommit 检查 CommitStep 的参数：检查点必须已完成，成本记录属于同一工作流
func validateCommit(cp *StepCheckpoint, costs []types.CostEntry) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.Status != StepCompleted {
		return fmt.Errorf("%w: commit requires a completed checkpoint, got %s", ErrInvalidInput, cp.Status)
	}
	for _, e := range costs {
		if e.WorkflowID != cp.WorkflowID {
			return fmt.Errorf("%w: cost entry for workflow %q committed with %q", ErrInvalidInput, e.WorkflowID, cp.WorkflowID)
		}
	}
	return nil
}

// Completed 构造一条 completed 检查点
func Completed(workflowID, stepID string, index int, executorID string, result json.RawMessage, cost float64) *StepCheckpoint {
	now := time.Now().UTC()
	return &StepCheckpoint{
		WorkflowID:  workflowID,
		StepID:      stepID,
		Index:       index,
		ExecutorID:  executorID,
		Status:      StepCompleted,
		Result:      result,
		Cost:        cost,
		StartedAt:   now,
		CompletedAt: &now,
	}
}

// InstanceRecord 工作流实例快照。Snapshot 由 workflow 包编码，存储层不解析。
type InstanceRecord struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	State        string          `json:"state"`
	Snapshot     json.RawMessage `json:"snapshot"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validate 检查实例记录
func (r *InstanceRecord) Validate() error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: instance id is required", ErrInvalidInput)
	}
	return nil
}

// Store 步骤检查点、成本记录、错误报告与实例快照的持久化接口。
// 每次调用是一次独立提交，不存在跨步骤事务。
type Store interface {
	// SaveStep 按 (workflow_id, step_id) upsert，重复调用替换旧记录
	SaveStep(ctx context.Context, cp *StepCheckpoint) error

	// LoadCompletedSteps 返回 status=completed 的步骤 ID -> 结果
	LoadCompletedSteps(ctx context.Context, workflowID string) (map[string]json.RawMessage, error)

	// ListSteps 返回工作流的所有检查点，按 Index 排序
	ListSteps(ctx context.Context, workflowID string) ([]*StepCheckpoint, error)

	// CommitStep 在一次提交中写入 completed 检查点及该步骤的成本记录
	CommitStep(ctx context.Context, cp *StepCheckpoint, costs []types.CostEntry) error

	// AppendCost 追加成本记录
	AppendCost(ctx context.Context, entry types.CostEntry) error

	// GetCostTotal 汇总工作流的成本
	GetCostTotal(ctx context.Context, workflowID string) (float64, error)

	// SaveErrorReport 保存诊断用错误报告，不影响控制流
	SaveErrorReport(ctx context.Context, workflowID string, report types.StepErrorReport) error

	// ListErrorReports 按写入顺序返回错误报告
	ListErrorReports(ctx context.Context, workflowID string) ([]types.StepErrorReport, error)

	// SaveInstance upsert 实例快照
	SaveInstance(ctx context.Context, record *InstanceRecord) error

	// LoadInstance 读取实例快照，不存在时返回 ErrNotFound
	LoadInstance(ctx context.Context, id string) (*InstanceRecord, error)

	// ListInstances 按创建时间返回所有实例快照
	ListInstances(ctx context.Context) ([]*InstanceRecord, error)

	// Ping 检查后端连通性
	Ping(ctx context.Context) error

	// Close 释放资源
	Close() error
}
