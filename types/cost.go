package types

import "time"

// CostEntry 单次执行器调用的成本记录，只追加不修改
type CostEntry struct {
	WorkflowID   string    `json:"workflow_id"`
	StepID       string    `json:"step_id"`
	ExecutorID   string    `json:"executor_id"`
	Tier         string    `json:"tier"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
}

// TotalTokens 返回输入输出 token 总数
func (e CostEntry) TotalTokens() int {
	return e.InputTokens + e.OutputTokens
}
