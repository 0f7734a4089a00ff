package types

import "time"

// ErrorType 错误分类
type ErrorType string

const (
	ErrorTypeTransient   ErrorType = "TRANSIENT"
	ErrorTypeRecoverable ErrorType = "RECOVERABLE"
	ErrorTypeUserInput   ErrorType = "USER_INPUT"
	ErrorTypeSkipSafe    ErrorType = "SKIP_SAFE"
	ErrorTypeFatal       ErrorType = "FATAL"
)

// SuggestedAction 建议的恢复动作
type SuggestedAction string

const (
	ActionRetry            SuggestedAction = "RETRY"
	ActionRetryWithParams  SuggestedAction = "RETRY_WITH_PARAMS"
	ActionSkip             SuggestedAction = "SKIP"
	ActionUserProvideInput SuggestedAction = "USER_PROVIDE_INPUT"
	ActionAbort            SuggestedAction = "ABORT"
)

// StepErrorReport is the classified, persisted description of one failed
// step attempt. Message is safe to show to users; TechnicalDetail is for operators.
type StepErrorReport struct {
	StepID          string          `json:"step_id"`
	ExecutorID      string          `json:"executor_id"`
	ErrorType       ErrorType       `json:"error_type"`
	Code            ErrorCode       `json:"code,omitempty"`
	Message         string          `json:"message"`
	TechnicalDetail string          `json:"technical_detail"`
	RetryCount      int             `json:"retry_count"`
	SuggestedAction SuggestedAction `json:"suggested_action"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Retriable reports whether the suggested action asks for another attempt.
func (r *StepErrorReport) Retriable() bool {
	return r.SuggestedAction == ActionRetry || r.SuggestedAction == ActionRetryWithParams
}
