package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/pipeflow/api"
	"github.com/BaSui01/pipeflow/checkpoint"
	"github.com/BaSui01/pipeflow/eventbus"
	"github.com/BaSui01/pipeflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type workflowFixture struct {
	runner *workflow.Runner
	bus    *eventbus.Bus
	mux    *http.ServeMux
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	echo := workflow.ExecutorFunc(func(_ context.Context, sc workflow.StepContext) (*workflow.Result, error) {
		res := workflow.Text("done: " + sc.StepID)
		res.Cost = 0.01
		return res, nil
	})
	reg, err := workflow.NewRegistry(map[string]workflow.Executor{"writer": echo})
	require.NoError(t, err)

	templates, err := workflow.NewTemplates(
		workflow.NewDefinition("simple").Step("draft", "writer").Done().MustBuild(),
		workflow.NewDefinition("reviewed").
			Step("draft", "writer").HumanCheckpoint().
			Step("final", "writer").
			Done().MustBuild(),
	)
	require.NoError(t, err)

	bus := eventbus.NewBus(eventbus.DefaultConfig(), zap.NewNop())
	runner, err := workflow.NewRunner(workflow.Options{
		Store:     checkpoint.NewMemoryStore(),
		Registry:  reg,
		Templates: templates,
		Bus:       bus,
		Config:    workflow.DefaultConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = runner.Close(context.Background())
		bus.Close()
	})

	mux := http.NewServeMux()
	NewWorkflowHandler(runner, zap.NewNop()).Register(mux)
	return &workflowFixture{runner: runner, bus: bus, mux: mux}
}

func (f *workflowFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f *workflowFixture) create(t *testing.T, template string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/workflows", api.CreateWorkflowRequest{
		Template: template,
		Query:    "summarize the release notes",
		Budget:   1,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created api.CreateWorkflowResponse
	decodeData(t, w, &created)
	require.NotEmpty(t, created.ID)
	return created.ID
}

// waitIdle 等待实例停在给定状态且不再被驱动
func (f *workflowFixture) waitIdle(t *testing.T, id string, state workflow.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := f.runner.Get(context.Background(), id)
		return err == nil && inst.State == state && !f.runner.Active(id)
	}, 2*time.Second, 5*time.Millisecond)
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorInfo {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

// =============================================================================
// 🧪 创建与查询
// =============================================================================

func TestWorkflowHandler_CreateRunsInBackground(t *testing.T) {
	f := newWorkflowFixture(t)
	id := f.create(t, "simple")

	f.waitIdle(t, id, workflow.StateCompleted)

	w := f.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var inst workflow.Instance
	decodeData(t, w, &inst)
	assert.Equal(t, id, inst.ID)
	assert.Equal(t, "simple", inst.DefinitionID)
	assert.Equal(t, []string{"draft"}, inst.History)
	assert.InDelta(t, 0.99, inst.BudgetRemaining, 1e-9)
}

func TestWorkflowHandler_CreateValidation(t *testing.T) {
	f := newWorkflowFixture(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"missing template", api.CreateWorkflowRequest{Query: "q"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing query", api.CreateWorkflowRequest{Template: "simple"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown template", api.CreateWorkflowRequest{Template: "nope", Query: "q"}, http.StatusNotFound, "NOT_FOUND"},
		{"negative budget", api.CreateWorkflowRequest{Template: "simple", Query: "q", Budget: -1}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", map[string]any{"template": "simple", "query": "q", "priority": 1}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

// unstartableService 创建成功但后台启动失败
type unstartableService struct {
	*workflow.Runner
	startErr error
}

func (s unstartableService) Start(context.Context, string) (*workflow.Instance, error) {
	return nil, s.startErr
}

func TestWorkflowHandler_CreateStartFailureCancelsInstance(t *testing.T) {
	f := newWorkflowFixture(t)
	mux := http.NewServeMux()
	svc := unstartableService{Runner: f.runner, startErr: errors.New("scheduler unavailable")}
	NewWorkflowHandler(svc, zap.NewNop()).Register(mux)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(api.CreateWorkflowRequest{Template: "simple", Query: "q", Budget: 1}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	info := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", info.Code)
	assert.NotContains(t, info.Message, "scheduler unavailable")

	instances, err := f.runner.List(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, workflow.StateCancelled, instances[0].State)
	assert.Contains(t, info.Message, instances[0].ID)
}

func TestWorkflowHandler_CreateRequiresJSON(t *testing.T) {
	f := newWorkflowFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString("template=simple"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowHandler_GetNotFound(t *testing.T) {
	f := newWorkflowFixture(t)

	for _, path := range []string{
		"/api/v1/workflows/missing",
		"/api/v1/workflows/missing/checkpoints",
	} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "WORKFLOW_NOT_FOUND", decodeError(t, w).Code, path)
	}

	w := f.do(t, http.MethodPost, "/api/v1/workflows/missing/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowHandler_ListWithStateFilter(t *testing.T) {
	f := newWorkflowFixture(t)
	done := f.create(t, "simple")
	waiting := f.create(t, "reviewed")
	f.waitIdle(t, done, workflow.StateCompleted)
	f.waitIdle(t, waiting, workflow.StateWaitingHuman)

	w := f.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all api.WorkflowListResponse
	decodeData(t, w, &all)
	assert.Equal(t, 2, all.Total)

	w = f.do(t, http.MethodGet, "/api/v1/workflows?state=waiting_human", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var filtered api.WorkflowListResponse
	decodeData(t, w, &filtered)
	require.Equal(t, 1, filtered.Total)
	assert.Equal(t, waiting, filtered.Workflows[0].ID)
	assert.Equal(t, "final", filtered.Workflows[0].CurrentStep)
}

func TestWorkflowHandler_Templates(t *testing.T) {
	f := newWorkflowFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.TemplateListResponse
	decodeData(t, w, &resp)
	assert.Equal(t, []string{"reviewed", "simple"}, resp.Templates)
}

// =============================================================================
// 🧪 干预与恢复
// =============================================================================

func TestWorkflowHandler_HumanCheckpointNoteAndResume(t *testing.T) {
	f := newWorkflowFixture(t)
	id := f.create(t, "reviewed")
	f.waitIdle(t, id, workflow.StateWaitingHuman)

	w := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/intervene", api.InterveneRequest{
		Action:     api.ActionInjectNote,
		Note:       "keep it short",
		NoteAction: "edit_text",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var iv api.InterveneResponse
	decodeData(t, w, &iv)
	assert.True(t, iv.Applied)
	assert.Equal(t, workflow.StateWaitingHuman, iv.State)

	inst, err := f.runner.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, inst.Notes, 1)
	assert.Equal(t, workflow.NoteEditText, inst.Notes[0].Action)

	w = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/resume", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.waitIdle(t, id, workflow.StateCompleted)

	w = f.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cps api.CheckpointsResponse
	decodeData(t, w, &cps)
	assert.Equal(t, id, cps.WorkflowID)
	require.Len(t, cps.Checkpoints, 2)
	for _, cp := range cps.Checkpoints {
		assert.Equal(t, checkpoint.StepCompleted, cp.Status)
	}
	assert.Empty(t, cps.ErrorReports)

	// 终态实例不能再恢复
	w = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeError(t, w).Code)
}

func TestWorkflowHandler_CancelWaitingInstance(t *testing.T) {
	f := newWorkflowFixture(t)
	id := f.create(t, "reviewed")
	f.waitIdle(t, id, workflow.StateWaitingHuman)

	// WAITING_HUMAN 不能直接暂停
	w := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/intervene", api.InterveneRequest{Action: api.ActionPause})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/intervene", api.InterveneRequest{Action: "CANCEL"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var iv api.InterveneResponse
	decodeData(t, w, &iv)
	assert.True(t, iv.Applied)
	assert.Equal(t, api.ActionCancel, iv.Action)
	assert.Equal(t, workflow.StateCancelled, iv.State)

	// 终态实例不接受备注
	w = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/intervene", api.InterveneRequest{
		Action: api.ActionInjectNote,
		Note:   "too late",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowHandler_InterveneValidation(t *testing.T) {
	f := newWorkflowFixture(t)
	id := f.create(t, "reviewed")
	f.waitIdle(t, id, workflow.StateWaitingHuman)

	tests := []struct {
		name string
		req  api.InterveneRequest
	}{
		{"unknown action", api.InterveneRequest{Action: "restart"}},
		{"empty note", api.InterveneRequest{Action: api.ActionInjectNote}},
		{"unknown note action", api.InterveneRequest{Action: api.ActionInjectNote, Note: "x", NoteAction: "SHOUT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/intervene", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", decodeError(t, w).Code)
		})
	}

	w := f.do(t, http.MethodPost, "/api/v1/workflows/missing/intervene", api.InterveneRequest{Action: api.ActionCancel})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
