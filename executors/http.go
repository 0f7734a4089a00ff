package executors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/internal/tlsutil"
	"github.com/BaSui01/pipeflow/types"
	"github.com/BaSui01/pipeflow/workflow"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	// maxErrorBody 读取错误响应体的上限
	maxErrorBody = 64 << 10
)

// HTTPConfig HTTP 执行器配置
type HTTPConfig struct {
	Endpoint   string
	Dependency string
	Tier       string
	Timeout    time.Duration
	Headers    map[string]string
	// Client 为空时使用 tlsutil.NewHTTPClient(Timeout)
	Client *http.Client
}

// HTTPExecutor 调用远端 HTTP 服务执行步骤
type HTTPExecutor struct {
	id     string
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPExecutor 创建 HTTP 执行器
func NewHTTPExecutor(id string, cfg HTTPConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("executor %s: endpoint is required", id)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = tlsutil.NewHTTPClient(cfg.Timeout)
	}
	return &HTTPExecutor{
		id:     id,
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "http_executor"), zap.String("executor", id)),
	}, nil
}

// ID 返回执行器 ID
func (e *HTTPExecutor) ID() string { return e.id }

// Dependency 实现 workflow.DependencyAware
func (e *HTTPExecutor) Dependency() string { return e.cfg.Dependency }

// Execute 实现 workflow.Executor
func (e *HTTPExecutor) Execute(ctx context.Context, sc workflow.StepContext) (*workflow.Result, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode step context").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeSSE)
	req.Header.Set("X-Workflow-ID", sc.WorkflowID)
	req.Header.Set("X-Step-ID", sc.StepID)
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(io.LimitReader(resp.Body, maxErrorBody))
		e.logger.Debug("executor returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, statusError(resp.StatusCode, msg)
	}

	var result *workflow.Result
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeSSE) {
		result, err = e.readStream(ctx, resp.Body, sc)
	} else {
		result, err = decodeBody(resp.Body)
	}
	if err != nil {
		return nil, err
	}
	if result.Tier == "" {
		result.Tier = e.cfg.Tier
	}

	e.logger.Debug("executor call finished",
		zap.String("workflow_id", sc.WorkflowID),
		zap.String("step_id", sc.StepID),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// streamFrame 流式响应中的一帧：chunk 为增量文本，result 为最终结果信封
type streamFrame struct {
	Chunk  string          `json:"chunk,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *remoteError    `json:"error,omitempty"`
}

type remoteError struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// readStream 逐行解析 SSE，转发 chunk 并返回最终结果。
// 没有 result 帧时，拼接所有 chunk 作为文本结果。
func (e *HTTPExecutor) readStream(ctx context.Context, body io.Reader, sc workflow.StepContext) (*workflow.Result, error) {
	reader := bufio.NewReader(body)
	var text strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, transportError(ctx, err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var frame streamFrame
			if jerr := json.Unmarshal([]byte(data), &frame); jerr != nil {
				return nil, types.NewError(types.ErrUpstreamError, "malformed stream frame").WithCause(jerr)
			}
			switch {
			case frame.Error != nil:
				code := frame.Error.Code
				if code == "" {
					code = types.ErrUpstreamError
				}
				return nil, types.NewError(code, frame.Error.Message)
			case len(frame.Result) > 0:
				return decodeEnvelope(frame.Result)
			case frame.Chunk != "":
				text.WriteString(frame.Chunk)
				sc.Emit(frame.Chunk)
			}
		}
		if err == io.EOF {
			break
		}
	}
	if text.Len() == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "stream ended without a result")
	}
	return workflow.Text(text.String()), nil
}

func decodeBody(body io.Reader) (*workflow.Result, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewError(types.ErrConnection, "failed to read response").WithCause(err)
	}
	return decodeEnvelope(data)
}

func decodeEnvelope(raw json.RawMessage) (*workflow.Result, error) {
	result, err := workflow.DecodeResult(raw)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "malformed result envelope").WithCause(err)
	}
	return result, nil
}

// transportError 把传输层错误映射到错误码。调用方取消时原样返回 ctx.Err()。
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return types.NewTimeoutError("executor call timed out").WithCause(ctxErr)
		}
		return ctxErr
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewTimeoutError("executor call timed out").WithCause(err)
	}
	return types.NewError(types.ErrConnection, "executor unreachable").
		WithCause(err).
		WithRetryable(true)
}

// statusError 把 HTTP 错误状态映射到封闭错误集合
func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return types.NewError(types.CodeFromHTTPStatus(status), msg).
		WithHTTPStatus(status).
		WithRetryable(status == http.StatusTooManyRequests || status >= 500)
}

// readErrorMessage 读取响应体中的错误消息。
// 依次尝试 {"error": {"message"}}、{"error": "..."}、{"message"}，失败则回退到原始文本。
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &nested); err == nil && nested.Error.Message != "" {
		if nested.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", nested.Error.Message, nested.Error.Type)
		}
		return nested.Error.Message
	}

	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &flat); err == nil {
		if flat.Error != "" {
			return flat.Error
		}
		if flat.Message != "" {
			return flat.Message
		}
	}

	return strings.TrimSpace(string(data))
}
