package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/pipeflow/types"
)

// MemoryStore 内存实现，用于开发和测试
type MemoryStore struct {
	mu        sync.RWMutex
	steps     map[string]map[string]*StepCheckpoint
	costs     map[string][]types.CostEntry
	reports   map[string][]types.StepErrorReport
	instances map[string]*InstanceRecord
	closed    bool
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:     make(map[string]map[string]*StepCheckpoint),
		costs:     make(map[string][]types.CostEntry),
		reports:   make(map[string][]types.StepErrorReport),
		instances: make(map[string]*InstanceRecord),
	}
}

func (s *MemoryStore) SaveStep(_ context.Context, cp *StepCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.putStepLocked(cp)
	return nil
}

func (s *MemoryStore) putStepLocked(cp *StepCheckpoint) {
	byStep, ok := s.steps[cp.WorkflowID]
	if !ok {
		byStep = make(map[string]*StepCheckpoint)
		s.steps[cp.WorkflowID] = byStep
	}
	byStep[cp.StepID] = cloneCheckpoint(cp)
}

func (s *MemoryStore) CommitStep(_ context.Context, cp *StepCheckpoint, costs []types.CostEntry) error {
	if err := validateCommit(cp, costs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.putStepLocked(cp)
	s.costs[cp.WorkflowID] = append(s.costs[cp.WorkflowID], costs...)
	return nil
}

func (s *MemoryStore) LoadCompletedSteps(_ context.Context, workflowID string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make(map[string]json.RawMessage)
	for id, cp := range s.steps[workflowID] {
		if cp.Status == StepCompleted {
			out[id] = append(json.RawMessage(nil), cp.Result...)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]*StepCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*StepCheckpoint, 0, len(s.steps[workflowID]))
	for _, cp := range s.steps[workflowID] {
		out = append(out, cloneCheckpoint(cp))
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *MemoryStore) AppendCost(_ context.Context, entry types.CostEntry) error {
	if entry.WorkflowID == "" {
		return fmt.Errorf("%w: cost entry without workflow id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.costs[entry.WorkflowID] = append(s.costs[entry.WorkflowID], entry)
	return nil
}

func (s *MemoryStore) GetCostTotal(_ context.Context, workflowID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var total float64
	for _, e := range s.costs[workflowID] {
		total += e.Cost
	}
	return total, nil
}

// CostEntries 返回工作流的成本记录副本
func (s *MemoryStore) CostEntries(workflowID string) []types.CostEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.CostEntry(nil), s.costs[workflowID]...)
}

func (s *MemoryStore) SaveErrorReport(_ context.Context, workflowID string, report types.StepErrorReport) error {
	if workflowID == "" {
		return fmt.Errorf("%w: error report without workflow id", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.reports[workflowID] = append(s.reports[workflowID], report)
	return nil
}

func (s *MemoryStore) ListErrorReports(_ context.Context, workflowID string) ([]types.StepErrorReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return append([]types.StepErrorReport(nil), s.reports[workflowID]...), nil
}

func (s *MemoryStore) SaveInstance(_ context.Context, record *InstanceRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	cp := *record
	cp.Snapshot = append(json.RawMessage(nil), record.Snapshot...)
	now := time.Now().UTC()
	if existing, ok := s.instances[record.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.instances[record.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	cp := *rec
	cp.Snapshot = append(json.RawMessage(nil), rec.Snapshot...)
	return &cp, nil
}

func (s *MemoryStore) ListInstances(_ context.Context) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*InstanceRecord, 0, len(s.instances))
	for _, rec := range s.instances {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneCheckpoint(cp *StepCheckpoint) *StepCheckpoint {
	out := *cp
	out.Result = append(json.RawMessage(nil), cp.Result...)
	if cp.CompletedAt != nil {
		t := *cp.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func sortCheckpoints(cps []*StepCheckpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].Index == cps[j].Index {
			return cps[i].StepID < cps[j].StepID
		}
		return cps[i].Index < cps[j].Index
	})
}
