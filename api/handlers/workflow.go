package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/pipeflow/api"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/types"
	"github.com/BaSui01/pipeflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 工作流管理 Handler
// =============================================================================

// WorkflowService 工作流管理所需的运行器能力，*workflow.Runner 实现该接口
type WorkflowService interface {
	Create(ctx context.Context, definitionID, query string, budgetTotal float64) (*workflow.Instance, error)
	Start(ctx context.Context, id string) (*workflow.Instance, error)
	StartResume(ctx context.Context, id string) (*workflow.Instance, error)
	Get(ctx context.Context, id string) (*workflow.Instance, error)
	List(ctx context.Context) ([]*workflow.Instance, error)
	Checkpoints(ctx context.Context, id string) ([]*checkpoint.StepCheckpoint, []types.StepErrorReport, error)
	Pause(ctx context.Context, id string) (*workflow.Instance, error)
	Cancel(ctx context.Context, id string) (*workflow.Instance, error)
	InjectNote(ctx context.Context, id string, note workflow.DirectorNote) (*workflow.Instance, error)
	Templates() *workflow.Templates
}

var _ WorkflowService = (*workflow.Runner)(nil)

// WorkflowHandler 工作流管理处理器
type WorkflowHandler struct {
	service WorkflowService
	logger  *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(service WorkflowService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		service: service,
		logger:  logger.With(zap.String("handler", "workflow")),
	}
}

// Register 在 mux 上注册工作流路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/workflows/{id}/checkpoints", h.HandleCheckpoints)
	mux.HandleFunc("POST /api/v1/workflows/{id}/intervene", h.HandleIntervene)
	mux.HandleFunc("POST /api/v1/workflows/{id}/resume", h.HandleResume)
	mux.HandleFunc("GET /api/v1/templates", h.HandleTemplates)
}

// HandleCreate 创建实例并在后台开始执行
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.CreateWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	req.Template = strings.TrimSpace(req.Template)
	if req.Template == "" {
		WriteError(w, types.NewInvalidRequestError("template is required"), h.logger)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteError(w, types.NewInvalidRequestError("query is required"), h.logger)
		return
	}

	inst, err := h.service.Create(r.Context(), req.Template, req.Query, req.Budget)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	// 后台执行不跟随请求上下文
	started, err := h.service.Start(context.WithoutCancel(r.Context()), inst.ID)
	if err != nil {
		h.abandon(r.Context(), inst.ID, err)
		apiErr := *ToAPIError(err)
		apiErr.Message = fmt.Sprintf("workflow %s was created but could not be started: %s", inst.ID, apiErr.Message)
		WriteError(w, &apiErr, h.logger)
		return
	}

	h.logger.Info("workflow created",
		zap.String("workflow_id", started.ID),
		zap.String("template", req.Template),
		zap.Float64("budget", started.BudgetTotal))

	WriteCreated(w, http.StatusAccepted, api.CreateWorkflowResponse{
		ID:    started.ID,
		State: started.State,
	})
}

// abandon 取消创建后未能启动的实例，避免留下无人驱动的 PENDING 实例。
// 已被其他调用方驱动的实例不取消。
func (h *WorkflowHandler) abandon(ctx context.Context, id string, cause error) {
	if errors.Is(cause, workflow.ErrAlreadyRunning) {
		return
	}
	if _, err := h.service.Cancel(context.WithoutCancel(ctx), id); err != nil {
		h.logger.Warn("failed to cancel unstarted workflow",
			zap.String("workflow_id", id), zap.Error(err))
		return
	}
	h.logger.Warn("workflow could not be started and was cancelled",
		zap.String("workflow_id", id), zap.Error(cause))
}

// HandleList 列出所有实例
// @Router /api/v1/workflows [get]
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	instances, err := h.service.List(r.Context())
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}

	stateFilter := workflow.State(strings.ToUpper(r.URL.Query().Get("state")))
	resp := api.WorkflowListResponse{Workflows: make([]api.WorkflowSummary, 0, len(instances))}
	for _, inst := range instances {
		if stateFilter != "" && inst.State != stateFilter {
			continue
		}
		resp.Workflows = append(resp.Workflows, api.NewWorkflowSummary(inst))
	}
	resp.Total = len(resp.Workflows)
	WriteSuccess(w, resp)
}

// HandleGet 返回实例完整快照
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// HandleCheckpoints 返回步骤检查点与错误报告
// @Router /api/v1/workflows/{id}/checkpoints [get]
func (h *WorkflowHandler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	steps, reports, err := h.service.Checkpoints(r.Context(), id)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if steps == nil {
		steps = []*checkpoint.StepCheckpoint{}
	}
	if reports == nil {
		reports = []types.StepErrorReport{}
	}
	WriteSuccess(w, api.CheckpointsResponse{
		WorkflowID:   id,
		Checkpoints:  steps,
		ErrorReports: reports,
	})
}

// HandleIntervene 暂停、取消或注入导演备注
// @Router /api/v1/workflows/{id}/intervene [post]
func (h *WorkflowHandler) HandleIntervene(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.InterveneRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.Action = api.InterveneAction(strings.ToLower(string(req.Action)))
	if !req.Action.Valid() {
		WriteError(w, types.NewInvalidRequestError("action must be one of pause, cancel, inject_note"), h.logger)
		return
	}

	id := r.PathValue("id")
	var (
		inst    *workflow.Instance
		err     error
		applied bool
	)
	switch req.Action {
	case api.ActionPause:
		inst, err = h.service.Pause(r.Context(), id)
		applied = err == nil && inst.State == workflow.StatePaused
	case api.ActionCancel:
		inst, err = h.service.Cancel(r.Context(), id)
		applied = err == nil && inst.State == workflow.StateCancelled
	case api.ActionInjectNote:
		note := workflow.DirectorNote{
			Text:       req.Note,
			Action:     workflow.NoteAction(strings.ToUpper(string(req.NoteAction))),
			TargetStep: req.TargetStep,
			Metadata:   req.Metadata,
		}
		inst, err = h.service.InjectNote(r.Context(), id, note)
		applied = err == nil
	}
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}

	h.logger.Info("workflow intervention",
		zap.String("workflow_id", id),
		zap.String("action", string(req.Action)),
		zap.Bool("applied", applied))

	WriteSuccess(w, api.InterveneResponse{
		ID:      id,
		Action:  req.Action,
		Applied: applied,
		State:   inst.State,
	})
}

// HandleResume 在后台恢复 PAUSED / WAITING_HUMAN 实例
// @Router /api/v1/workflows/{id}/resume [post]
func (h *WorkflowHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	if inst.State != workflow.StatePaused && inst.State != workflow.StateWaitingHuman {
		WriteError(w, types.NewError(types.ErrInvalidTransition,
			"only PAUSED or WAITING_HUMAN instances can be resumed, got "+string(inst.State)), h.logger)
		return
	}

	resumed, err := h.service.StartResume(context.WithoutCancel(r.Context()), id)
	if err != nil {
		HandleError(w, err, h.logger)
		return
	}
	WriteCreated(w, http.StatusAccepted, api.ResumeResponse{ID: resumed.ID, State: resumed.State})
}

// HandleTemplates 列出已注册的模板
// @Router /api/v1/templates [get]
func (h *WorkflowHandler) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, api.TemplateListResponse{Templates: h.service.Templates().IDs()})
}
