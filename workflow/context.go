package workflow

import (
	"maps"
	"slices"
)

// PriorOutput 前序步骤的输出，或由备注注入的带标签指令
type PriorOutput struct {
	StepID  string `json:"step_id,omitempty"`
	Label   string `json:"label"`
	Content string `json:"content"`
}

// Constraints 步骤约束集合
type Constraints struct {
	BudgetRemaining float64        `json:"budget_remaining"`
	Notes           []string       `json:"notes,omitempty"`
	Include         []string       `json:"include,omitempty"`
	Exclude         []string       `json:"exclude,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// StepContext 执行器的输入。由 Runner 每步构建，执行器只读。
type StepContext struct {
	WorkflowID         string         `json:"workflow_id"`
	StepID             string         `json:"step_id"`
	TaskDescription    string         `json:"task_description"`
	RetrievedKnowledge []string       `json:"retrieved_knowledge,omitempty"`
	PriorOutputs       []PriorOutput  `json:"prior_outputs,omitempty"`
	Constraints        Constraints    `json:"constraints"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	emit func(chunk string)
}

// Clone 深拷贝（Extra 与 Metadata 只拷贝顶层）
func (c StepContext) Clone() StepContext {
	out := c
	out.RetrievedKnowledge = slices.Clone(c.RetrievedKnowledge)
	out.PriorOutputs = slices.Clone(c.PriorOutputs)
	out.Constraints.Notes = slices.Clone(c.Constraints.Notes)
	out.Constraints.Include = slices.Clone(c.Constraints.Include)
	out.Constraints.Exclude = slices.Clone(c.Constraints.Exclude)
	out.Constraints.Extra = maps.Clone(c.Constraints.Extra)
	out.Metadata = maps.Clone(c.Metadata)
	return out
}

// Emit 发布一段流式输出（token_stream 事件），未接入事件总线时丢弃
func (c StepContext) Emit(chunk string) {
	if c.emit != nil && chunk != "" {
		c.emit(chunk)
	}
}

// WithEmitter 返回绑定了流式输出回调的副本
func (c StepContext) WithEmitter(fn func(chunk string)) StepContext {
	c.emit = fn
	return c
}

// Prior 按步骤 ID 查找前序输出
func (c StepContext) Prior(stepID string) (PriorOutput, bool) {
	for _, p := range c.PriorOutputs {
		if p.StepID == stepID {
			return p, true
		}
	}
	return PriorOutput{}, false
}
