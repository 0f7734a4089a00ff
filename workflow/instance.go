package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/BaSui01/pipeflow/checkpoint"
)

// NoteAction 导演备注的动作
type NoteAction string

const (
	NoteAddItem     NoteAction = "ADD_ITEM"
	NoteExcludeItem NoteAction = "EXCLUDE_ITEM"
	NoteModifyQuery NoteAction = "MODIFY_QUERY"
	NoteEditText    NoteAction = "EDIT_TEXT"
	NoteFreeText    NoteAction = "FREE_TEXT"
)

// Valid 是否为已知动作
func (a NoteAction) Valid() bool {
	switch a {
	case NoteAddItem, NoteExcludeItem, NoteModifyQuery, NoteEditText, NoteFreeText:
		return true
	}
	return false
}

// DirectorNote 运行中外部注入的指令。TargetStep 为空表示作用于下一个要执行的步骤。
type DirectorNote struct {
	Text        string         `json:"text"`
	Action      NoteAction     `json:"action"`
	TargetStep  string         `json:"target_step,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	InjectedAt  time.Time      `json:"injected_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// Processed 备注是否已被消费
func (n DirectorNote) Processed() bool { return n.ProcessedAt != nil }

// Instance 工作流实例。执行期间由 Runner 独占，每次状态迁移后持久化。
type Instance struct {
	ID              string         `json:"id"`
	DefinitionID    string         `json:"definition_id"`
	Query           string         `json:"query"`
	State           State          `json:"state"`
	CurrentStep     string         `json:"current_step,omitempty"`
	History         []string       `json:"history"`
	Skipped         []string       `json:"skipped,omitempty"`
	LoopCounters    map[string]int `json:"loop_counters,omitempty"`
	MaxLoops        int            `json:"max_loops"`
	BudgetTotal     float64        `json:"budget_total"`
	BudgetRemaining float64        `json:"budget_remaining"`
	Notes           []DirectorNote `json:"notes,omitempty"`
	Manifest        map[string]any `json:"manifest,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Clone 深拷贝实例（Manifest 与 Metadata 只拷贝顶层）
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.History = append([]string(nil), i.History...)
	out.Skipped = append([]string(nil), i.Skipped...)
	out.LoopCounters = maps.Clone(i.LoopCounters)
	out.Manifest = maps.Clone(i.Manifest)
	if i.Notes != nil {
		out.Notes = make([]DirectorNote, len(i.Notes))
		for idx, n := range i.Notes {
			n.Metadata = maps.Clone(n.Metadata)
			if n.ProcessedAt != nil {
				t := *n.ProcessedAt
				n.ProcessedAt = &t
			}
			out.Notes[idx] = n
		}
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Completed 步骤是否已在历史中
func (i *Instance) Completed(stepID string) bool {
	for _, id := range i.History {
		if id == stepID {
			return true
		}
	}
	return false
}

// transition 校验并执行状态迁移
func (i *Instance) transition(to State) error {
	if err := checkTransition(i.State, to); err != nil {
		return err
	}
	i.State = to
	i.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		now := i.UpdatedAt
		i.CompletedAt = &now
	}
	return nil
}

// record 编码为存储层的实例记录
func (i *Instance) record() (*checkpoint.InstanceRecord, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", i.ID, err)
	}
	return &checkpoint.InstanceRecord{
		ID:           i.ID,
		DefinitionID: i.DefinitionID,
		State:        string(i.State),
		Snapshot:     data,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}, nil
}

// instanceFromRecord 从存储记录解码实例
func instanceFromRecord(rec *checkpoint.InstanceRecord) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(rec.Snapshot, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", rec.ID, err)
	}
	if inst.LoopCounters == nil {
		inst.LoopCounters = make(map[string]int)
	}
	return &inst, nil
}
