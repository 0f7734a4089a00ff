package workflow

import (
	"fmt"
	"time"
)

// NoteProcessor 把导演备注折叠进步骤上下文
type NoteProcessor struct{}

// PendingNotes 返回未处理且目标为 stepID（或未指定目标）的备注在 inst.Notes 中的下标
func (NoteProcessor) PendingNotes(inst *Instance, stepID string) []int {
	var idx []int
	for i, n := range inst.Notes {
		if n.Processed() {
			continue
		}
		if n.TargetStep == "" || n.TargetStep == stepID {
			idx = append(idx, i)
		}
	}
	return idx
}

// ApplyToContext 返回折叠了备注的新上下文，不修改 base。
// ADD_ITEM/EXCLUDE_ITEM 追加到约束的允许/排除列表；MODIFY_QUERY 替换任务描述；
// EDIT_TEXT/FREE_TEXT 作为带标签的指令追加到前序输出。
func (NoteProcessor) ApplyToContext(notes []DirectorNote, base StepContext) StepContext {
	out := base.Clone()
	for _, n := range notes {
		switch n.Action {
		case NoteAddItem:
			out.Constraints.Include = append(out.Constraints.Include, n.Text)
		case NoteExcludeItem:
			out.Constraints.Exclude = append(out.Constraints.Exclude, n.Text)
		case NoteModifyQuery:
			out.TaskDescription = n.Text
		case NoteEditText:
			label := "Editor instruction"
			if section, ok := n.Metadata["section"].(string); ok && section != "" {
				label = fmt.Sprintf("Editor instruction (%s)", section)
			}
			out.PriorOutputs = append(out.PriorOutputs, PriorOutput{Label: label, Content: n.Text})
		default:
			out.PriorOutputs = append(out.PriorOutputs, PriorOutput{Label: "Director note", Content: n.Text})
		}
		out.Constraints.Notes = append(out.Constraints.Notes, n.Text)
	}
	return out
}

// MarkProcessed 只给指定下标的备注打上处理时间，越界下标忽略
func (NoteProcessor) MarkProcessed(inst *Instance, indices []int, at time.Time) {
	for _, i := range indices {
		if i < 0 || i >= len(inst.Notes) || inst.Notes[i].Processed() {
			continue
		}
		t := at
		inst.Notes[i].ProcessedAt = &t
	}
}

// collectNotes 按下标取备注副本
func collectNotes(inst *Instance, indices []int) []DirectorNote {
	notes := make([]DirectorNote, 0, len(indices))
	for _, i := range indices {
		notes = append(notes, inst.Notes[i])
	}
	return notes
}
