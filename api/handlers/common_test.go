package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/api"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/types"
	"github.com/BaSui01/pipeflow/workflow"
)

// =============================================================================
// 🧪 响应信封
// =============================================================================

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON_Headers(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, api.ResumeResponse{ID: "wf-1", State: "RUNNING"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"id":"wf-1","state":"RUNNING"}`, w.Body.String())
}

func TestWriteCreated_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-7")

	WriteCreated(w, http.StatusAccepted, api.CreateWorkflowResponse{ID: "wf-1", State: "PENDING"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "wf-1", data["id"])
}

func TestWriteSuccess_IsOK(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, api.TemplateListResponse{Templates: []string{"report"}})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        *types.Error
		wantStatus int
		wantRetry  bool
	}{
		{"invalid request", types.NewError(types.ErrInvalidRequest, "template is required"), http.StatusBadRequest, false},
		{"workflow not found", types.NewError(types.ErrWorkflowNotFound, "workflow not found"), http.StatusNotFound, false},
		{"invalid transition", types.NewError(types.ErrInvalidTransition, "cannot pause COMPLETED"), http.StatusConflict, false},
		{"rate limit", types.NewError(types.ErrRateLimit, "too many requests").WithRetryable(true), http.StatusTooManyRequests, true},
		{"explicit status wins", types.NewError(types.ErrUpstreamError, "executor failed").WithHTTPStatus(http.StatusServiceUnavailable), http.StatusServiceUnavailable, false},
		{"internal", types.NewError(types.ErrInternalError, "internal error"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeEnvelope(t, w)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
			assert.Equal(t, tt.wantRetry, resp.Error.Retryable)
		})
	}
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrWorkflowNotFound, http.StatusNotFound},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrBudgetExceeded, http.StatusPaymentRequired},
		{types.ErrRateLimit, http.StatusTooManyRequests},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, mapErrorCodeToHTTPStatus(tt.code))
		})
	}
}

// =============================================================================
// 🧪 请求校验
// =============================================================================

func TestDecodeJSONBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"template":"report","query":"q","budget":0.5}`, false},
		{"malformed", `{"template":"report",}`, true},
		{"unknown field", `{"template":"report","model":"x"}`, true},
		{"oversized", `{"query":"` + strings.Repeat("x", 2<<20) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(tt.body))

			var req api.CreateWorkflowRequest
			err := DecodeJSONBody(w, r, &req, zap.NewNop())

			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "report", req.Template)
			assert.Equal(t, 0.5, req.Budget)
		})
	}
}

func TestDecodeJSONBody_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", http.NoBody)

	var req api.CreateWorkflowRequest
	err := DecodeJSONBody(w, r, &req, zap.NewNop())

	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "request body is empty")
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/json; charset=UTF-8", true},
		{"application/json;  charset=utf-8", true},
		{"text/plain", false},
		{"application/x-www-form-urlencoded", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil)
			r.Header.Set("Content-Type", tt.contentType)

			assert.Equal(t, tt.want, ValidateContentType(w, r, zap.NewNop()))
		})
	}
}

// =============================================================================
// 🧪 错误映射与包装器
// =============================================================================

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusBadRequest)

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.True(t, rw.Written)
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   types.ErrorCode
		wantStatus int
	}{
		{"instance not found", fmt.Errorf("%w: abc", workflow.ErrInstanceNotFound), types.ErrWorkflowNotFound, http.StatusNotFound},
		{"definition not found", fmt.Errorf("%w: x", workflow.ErrDefinitionNotFound), types.ErrNotFound, http.StatusNotFound},
		{"store not found", checkpoint.ErrNotFound, types.ErrNotFound, http.StatusNotFound},
		{"invalid transition", fmt.Errorf("%w: PAUSED -> PAUSED", workflow.ErrInvalidTransition), types.ErrInvalidTransition, http.StatusConflict},
		{"already running", workflow.ErrAlreadyRunning, types.ErrInvalidTransition, http.StatusConflict},
		{"invalid definition", workflow.ErrInvalidDefinition, types.ErrInvalidRequest, http.StatusBadRequest},
		{"invalid input", checkpoint.ErrInvalidInput, types.ErrInvalidRequest, http.StatusBadRequest},
		{"typed error passthrough", types.NewInvalidRequestError("bad note"), types.ErrInvalidRequest, http.StatusBadRequest},
		{"typed error without status", types.NewError(types.ErrRateLimit, "slow down"), types.ErrRateLimit, 0},
		{"unknown error", errors.New("boom"), types.ErrInternalError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ToAPIError(tt.err)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus)
		})
	}
}

func TestHandleError_HidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(w, errors.New("dial tcp 10.0.0.7:5432: connection refused"), zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.7")
}

func TestResponseWriter_CountsBytesAndFlushes(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	rw.Flush()

	assert.Equal(t, int64(5), rw.BytesWritten)
	assert.True(t, w.Flushed)
	assert.Same(t, w, rw.Unwrap())

	_, _, err = rw.Hijack()
	assert.Error(t, err, "recorder does not support hijacking")
}
