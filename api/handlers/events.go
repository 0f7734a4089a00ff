package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 进度事件流 Handler
// =============================================================================

const (
	defaultKeepAlive = 15 * time.Second
	wsWriteTimeout   = 5 * time.Second
)

// EventsHandler 通过 SSE 与 WebSocket 推送进度事件。
// 每个连接对应一个事件总线订阅，总线关闭订阅时连接随之结束。
type EventsHandler struct {
	bus            *eventbus.Bus
	allowedOrigins []string
	keepAlive      time.Duration
	logger         *zap.Logger
}

// EventsOption 事件流处理器选项
type EventsOption func(*EventsHandler)

// WithAllowedOrigins 设置 WebSocket 允许的来源模式，空表示只允许同源
func WithAllowedOrigins(origins []string) EventsOption {
	return func(h *EventsHandler) { h.allowedOrigins = origins }
}

// WithKeepAlive 设置 SSE 心跳间隔
func WithKeepAlive(d time.Duration) EventsOption {
	return func(h *EventsHandler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(bus *eventbus.Bus, logger *zap.Logger, opts ...EventsOption) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &EventsHandler{
		bus:       bus,
		keepAlive: defaultKeepAlive,
		logger:    logger.With(zap.String("handler", "events")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 在 mux 上注册事件流路由
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events", h.HandleSSE)
	mux.HandleFunc("GET /api/v1/events/ws", h.HandleWebSocket)
}

func (h *EventsHandler) subscribe(w http.ResponseWriter, r *http.Request) (*eventbus.Subscription, bool) {
	sub, err := h.bus.Subscribe(subscribeOptions(r)...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, eventbus.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		WriteErrorMessage(w, status, types.ErrServiceUnavailable, err.Error(), h.logger)
		return nil, false
	}
	return sub, true
}

// HandleSSE 以 text/event-stream 推送事件，可用 workflow_id 过滤
// @Router /api/v1/events [get]
func (h *EventsHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "streaming unsupported", h.logger)
		return
	}
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("sse client connected",
		zap.String("subscriber_id", sub.ID),
		zap.String("workflow_id", sub.WorkflowID))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				// 被总线移除（队列已满或关闭）
				return
			}
			if err := eventbus.WriteSSE(w, evt); err != nil {
				h.logger.Debug("sse write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWebSocket 以 JSON 文本帧推送事件，可用 workflow_id 过滤。
// 客户端发来的消息被丢弃。
// @Router /api/v1/events/ws [get]
func (h *EventsHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		// Accept 已写出响应
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub, err := h.bus.Subscribe(subscribeOptions(r)...)
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer sub.Close()

	// CloseRead 在对端关闭或读出错时取消 ctx
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			if err := h.writeWS(ctx, conn, evt); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventsHandler) writeWS(ctx context.Context, conn *websocket.Conn, evt eventbus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

func subscribeOptions(r *http.Request) []eventbus.SubscribeOption {
	if id := r.URL.Query().Get("workflow_id"); id != "" {
		return []eventbus.SubscribeOption{eventbus.ForWorkflow(id)}
	}
	return nil
}
