package executors

import (
	"context"
	"strings"

	"github.com/BaSui01/pipeflow/workflow"
)

// StaticExecutor 返回固定文本。Text 为空时回显任务描述。
// Text 中的 {query} 与 {step} 会被替换为任务描述与步骤 ID。
type StaticExecutor struct {
	Text string
	Cost float64
	Tier string
}

// Execute 实现 workflow.Executor
func (e StaticExecutor) Execute(ctx context.Context, sc workflow.StepContext) (*workflow.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := e.Text
	if text == "" {
		text = sc.TaskDescription
	} else {
		text = strings.NewReplacer("{query}", sc.TaskDescription, "{step}", sc.StepID).Replace(text)
	}
	sc.Emit(text)

	res := workflow.Text(text)
	res.Cost = e.Cost
	res.Tier = e.Tier
	return res, nil
}
