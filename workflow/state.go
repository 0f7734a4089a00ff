package workflow

import (
	"errors"
	"fmt"
)

// State 工作流实例生命周期状态
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StatePaused       State = "PAUSED"
	StateWaitingHuman State = "WAITING_HUMAN"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
	StateOverBudget   State = "OVER_BUDGET"
)

// Sentinel errors
var (
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrAlreadyRunning     = errors.New("workflow instance is already running")
)

// IsTerminal 终态不再接受任何迁移
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateOverBudget:
		return true
	}
	return false
}

// Valid 是否为已知状态
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StatePaused, StateWaitingHuman,
		StateCompleted, StateFailed, StateCancelled, StateOverBudget:
		return true
	}
	return false
}

// transitions 允许的状态迁移。CANCELLED 由 CanTransition 对所有非终态统一放行。
var transitions = map[State][]State{
	StatePending:      {StateRunning},
	StateRunning:      {StatePaused, StateWaitingHuman, StateCompleted, StateFailed, StateOverBudget},
	StatePaused:       {StateRunning},
	StateWaitingHuman: {StateRunning},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition 返回包装了 ErrInvalidTransition 的错误
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
