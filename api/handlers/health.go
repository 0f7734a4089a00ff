package handlers

import (
	"net/http"
	"time"

	"github.com/BaSui01/pipeflow/circuitbreaker"
	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/health"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器。
// 就绪检查复用工作流使用的同一组依赖探针。
type HealthHandler struct {
	prober   *health.Prober
	breakers *circuitbreaker.Registry
	bus      *eventbus.Bus
	logger   *zap.Logger
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time         `json:"timestamp"`
	Issues    []health.Issue    `json:"issues,omitempty"`
	Breakers  map[string]string `json:"breakers,omitempty"`
	EventBus  *eventbus.Stats   `json:"event_bus,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。prober、breakers、bus 均可为 nil。
func NewHealthHandler(prober *health.Prober, breakers *circuitbreaker.Registry, bus *eventbus.Bus, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		prober:   prober,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求（进程存活）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleHealthz 处理 /healthz 请求（Kubernetes liveness）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady 处理 /ready 请求。
// error 级问题返回 503，只有 warning 时返回 200 + degraded。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	if h.prober != nil {
		status.Issues = h.prober.CheckRegistered(r.Context())
	}
	if h.breakers != nil {
		states := h.breakers.States()
		if len(states) > 0 {
			status.Breakers = make(map[string]string, len(states))
			for name, st := range states {
				status.Breakers[name] = st.String()
			}
		}
	}
	if h.bus != nil {
		stats := h.bus.Stats()
		status.EventBus = &stats
	}

	switch {
	case health.HasErrors(status.Issues):
		status.Status = "unhealthy"
		h.logger.Warn("readiness check failed", zap.Int("issues", len(status.Issues)))
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	case len(status.Issues) > 0:
		status.Status = "degraded"
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
