package api

import (
	"time"

	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/types"
	"github.com/BaSui01/pipeflow/workflow"
)

// =============================================================================
// 工作流实例
// =============================================================================

// CreateWorkflowRequest 创建工作流实例请求
type CreateWorkflowRequest struct {
	// 模板（工作流定义）ID
	Template string `json:"template" example:"research"`
	// 用户查询，作为第一个步骤的输入
	Query string `json:"query" example:"compare vector databases"`
	// 预算上限，0 表示使用默认预算
	Budget float64 `json:"budget,omitempty" example:"2.5"`
}

// CreateWorkflowResponse 创建结果；实例在后台执行
type CreateWorkflowResponse struct {
	ID    string         `json:"id"`
	State workflow.State `json:"state"`
}

// WorkflowSummary 列表中的实例摘要
type WorkflowSummary struct {
	ID              string         `json:"id"`
	DefinitionID    string         `json:"definition_id"`
	State           workflow.State `json:"state"`
	CurrentStep     string         `json:"current_step,omitempty"`
	BudgetRemaining float64        `json:"budget_remaining"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewWorkflowSummary 从实例快照构建摘要
func NewWorkflowSummary(inst *workflow.Instance) WorkflowSummary {
	return WorkflowSummary{
		ID:              inst.ID,
		DefinitionID:    inst.DefinitionID,
		State:           inst.State,
		CurrentStep:     inst.CurrentStep,
		BudgetRemaining: inst.BudgetRemaining,
		CreatedAt:       inst.CreatedAt,
		UpdatedAt:       inst.UpdatedAt,
	}
}

// WorkflowListResponse 实例列表
type WorkflowListResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
	Total     int               `json:"total"`
}

// CheckpointsResponse 步骤检查点与错误报告
type CheckpointsResponse struct {
	WorkflowID   string                       `json:"workflow_id"`
	Checkpoints  []*checkpoint.StepCheckpoint `json:"checkpoints"`
	ErrorReports []types.StepErrorReport      `json:"error_reports"`
}

// =============================================================================
// 干预
// =============================================================================

// InterveneAction 干预动作
type InterveneAction string

const (
	ActionPause      InterveneAction = "pause"
	ActionCancel     InterveneAction = "cancel"
	ActionInjectNote InterveneAction = "inject_note"
)

// Valid 是否为已知动作
func (a InterveneAction) Valid() bool {
	switch a {
	case ActionPause, ActionCancel, ActionInjectNote:
		return true
	}
	return false
}

// InterveneRequest 干预请求。note 相关字段只在 inject_note 时使用。
type InterveneRequest struct {
	Action     InterveneAction     `json:"action" example:"inject_note"`
	Note       string              `json:"note,omitempty" example:"skip the pricing section"`
	NoteAction workflow.NoteAction `json:"note_action,omitempty" example:"EXCLUDE_ITEM"`
	TargetStep string              `json:"target_step,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
}

// InterveneResponse 干预结果。Applied 为 true 表示状态已立即变更；
// 对运行中的实例，干预在当前步骤结束后生效。
type InterveneResponse struct {
	ID      string          `json:"id"`
	Action  InterveneAction `json:"action"`
	Applied bool            `json:"applied"`
	State   workflow.State  `json:"state"`
}

// ResumeResponse 恢复结果；实例在后台继续执行
type ResumeResponse struct {
	ID    string         `json:"id"`
	State workflow.State `json:"state"`
}

// =============================================================================
// 其他
// =============================================================================

// TemplateListResponse 已注册的模板 ID
type TemplateListResponse struct {
	Templates []string `json:"templates"`
}
