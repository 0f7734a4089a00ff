package workflow

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"syscall"
	"time"

	"github.com/BaSui01/pipeflow/circuitbreaker"
	"github.com/BaSui01/pipeflow/types"
)

type classification struct {
	errType types.ErrorType
	action  types.SuggestedAction
	message string
}

// classifications 错误码 -> (错误类型, 建议动作, 面向用户的说明)
var classifications = map[types.ErrorCode]classification{
	types.ErrConnection:         {types.ErrorTypeTransient, types.ActionRetry, "Could not reach a required service. Retrying automatically."},
	types.ErrTimeout:            {types.ErrorTypeTransient, types.ActionRetry, "The operation timed out. Retrying automatically."},
	types.ErrRateLimit:          {types.ErrorTypeTransient, types.ActionRetry, "A service is rate limiting requests. Retrying after a pause."},
	types.ErrServiceUnavailable: {types.ErrorTypeTransient, types.ActionRetry, "A required service is temporarily unavailable. Retrying automatically."},
	types.ErrBadGateway:         {types.ErrorTypeTransient, types.ActionRetry, "A gateway returned an invalid response. Retrying automatically."},
	types.ErrUpstreamTimeout:    {types.ErrorTypeTransient, types.ActionRetry, "A gateway timed out waiting for a service. Retrying automatically."},

	types.ErrInvalidRequest: {types.ErrorTypeUserInput, types.ActionUserProvideInput, "The request was rejected as malformed. Please check the input and try again."},
	types.ErrUnauthorized:   {types.ErrorTypeUserInput, types.ActionUserProvideInput, "Authentication failed. Please check the configured API credentials."},
	types.ErrFileNotFound:   {types.ErrorTypeUserInput, types.ActionUserProvideInput, "A required input file is missing. Please provide it and resume."},

	types.ErrNotFound: {types.ErrorTypeSkipSafe, types.ActionSkip, "An optional lookup returned nothing. Continuing without it."},

	types.ErrOutOfMemory: {types.ErrorTypeFatal, types.ActionAbort, "The system ran out of resources. The workflow was stopped."},

	types.ErrContextTooLong: {types.ErrorTypeRecoverable, types.ActionRetryWithParams, "The input was too large. Retrying with a reduced context."},
}

var fallbackClassification = classification{
	errType: types.ErrorTypeRecoverable,
	action:  types.ActionRetryWithParams,
	message: "The step failed unexpectedly. Retrying once with adjusted parameters.",
}

// Classify 把失败映射为错误报告。纯函数：结果只取决于错误的形态，
// retryCount 原样写入报告。
func Classify(stepID, executorID string, err error, retryCount int) types.StepErrorReport {
	code := codeOf(err)
	c, ok := classifications[code]
	if !ok {
		c = fallbackClassification
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return types.StepErrorReport{
		StepID:          stepID,
		ExecutorID:      executorID,
		ErrorType:       c.errType,
		Code:            code,
		Message:         c.message,
		TechnicalDetail: detail,
		RetryCount:      retryCount,
		SuggestedAction: c.action,
	}
}

// codeOf 把任意错误归一到封闭错误码集合
func codeOf(err error) types.ErrorCode {
	if err == nil {
		return types.ErrInternalError
	}
	if e, ok := types.AsError(err); ok {
		if e.Code != "" {
			return e.Code
		}
		if e.HTTPStatus != 0 {
			return types.CodeFromHTTPStatus(e.HTTPStatus)
		}
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return types.ErrServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	case errors.Is(err, fs.ErrNotExist):
		return types.ErrFileNotFound
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return types.ErrConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.ErrConnection
	}
	return types.ErrInternalError
}

// classifyAt 分类并打上时间戳
func classifyAt(stepID, executorID string, err error, retryCount int, now time.Time) types.StepErrorReport {
	r := Classify(stepID, executorID, err, retryCount)
	r.CreatedAt = now
	return r
}
