package eventbus

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EventType 进度事件类型
type EventType string

const (
	EventStarted         EventType = "started"
	EventResumed         EventType = "resumed"
	EventStepStarted     EventType = "step_started"
	EventStepCompleted   EventType = "step_completed"
	EventStepFailed      EventType = "step_failed"
	EventPaused          EventType = "paused"
	EventWaitingHuman    EventType = "waiting_human"
	EventOverBudget      EventType = "over_budget"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventCancelled       EventType = "cancelled"
	EventNoteInjected    EventType = "note_injected"
	EventIntervention    EventType = "intervention"
	EventTokenStream     EventType = "token_stream"
	EventHealthChanged   EventType = "health_changed"
	EventCostAlert       EventType = "cost_alert"
	EventTemplateChanged EventType = "template_changed"
)

// Event 一次重要状态转换对应的进度事件
type Event struct {
	Type       EventType      `json:"event_type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New 创建带当前时间戳的事件
func New(typ EventType, workflowID, stepID string, payload map[string]any) Event {
	return Event{
		Type:       typ,
		WorkflowID: workflowID,
		StepID:     stepID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// WithAgent 设置产生事件的执行器 ID
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WriteSSE 以文本流格式写出事件：
//
//	event: <type>
//	data: <json>
//	<空行>
func WriteSSE(w io.Writer, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}
