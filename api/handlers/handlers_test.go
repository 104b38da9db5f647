package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowmesh/pipeline/engine"
	"github.com/flowmesh/pipeline/internal/pool"
	"github.com/flowmesh/pipeline/store"
	"github.com/flowmesh/pipeline/types"
)

// syncEmitter applies status patches straight to the store, standing in
// for the Redis channel plus relay in these tests. Conflicts are
// swallowed the same way the relay consumes them.
type syncEmitter struct {
	store *store.Store
}

func (e *syncEmitter) EmitRun(ctx context.Context, patch types.StatusPatch) error {
	if err := e.store.ApplyRunPatch(ctx, patch); err != nil && !types.IsConflict(err) {
		return err
	}
	return nil
}

func (e *syncEmitter) EmitStep(ctx context.Context, patch types.StatusPatch) error {
	if err := e.store.ApplyStepPatch(ctx, patch); err != nil && !types.IsConflict(err) {
		return err
	}
	return nil
}

func (e *syncEmitter) EmitApproval(ctx context.Context, req types.ApprovalRequest) error {
	if err := e.store.ApplyApprovalRequest(ctx, req); err != nil && !types.IsConflict(err) {
		return err
	}
	return nil
}

type testAPI struct {
	handler http.Handler
	store   *store.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	st := store.New(db, zap.NewNop())
	require.NoError(t, st.AutoMigrate())

	registry := engine.NewRegistry()
	registry.RegisterTool("echo", engine.CapabilityFunc(func(ctx context.Context, config map[string]any) (*engine.Result, error) {
		return &engine.Result{Outputs: map[string]any{"echo": config["message"]}}, nil
	}))
	registry.RegisterTool("explode", engine.CapabilityFunc(func(ctx context.Context, config map[string]any) (*engine.Result, error) {
		return nil, fmt.Errorf("exploded")
	}))

	eng := engine.New(registry, &syncEmitter{store: st}, st, engine.DefaultConfig(), zap.NewNop())

	workers := pool.New(pool.Config{MaxWorkers: 4, QueueSize: 16})
	t.Cleanup(workers.Close)

	logger := zap.NewNop()
	handler := NewRouter(RouterDeps{
		Pipelines: NewPipelineHandler(st, logger),
		Runs:      NewRunHandler(st, eng, workers, logger),
		Approvals: NewApprovalHandler(st, eng, workers, logger),
		Health:    NewHealthHandler(logger),
		Logger:    logger,
		Version:   "test",
	})

	return &testAPI{handler: handler, store: st}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func linearPipeline() types.Pipeline {
	return types.Pipeline{
		Name: "greet",
		Steps: []types.StepDefinition{
			{ID: "hello", Kind: types.StepKindTool, Config: types.JSONMap{"tool": "echo", "message": "hi"}},
			{ID: "world", Kind: types.StepKindTool, Config: types.JSONMap{"tool": "echo", "message": "{{hello_echo}} world"}},
		},
		Edges: []types.Edge{{From: "hello", To: "world"}},
	}
}

func (a *testAPI) createPipeline(t *testing.T, p types.Pipeline) types.Pipeline {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/pipelines", p)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[types.Pipeline](t, rec)
}

func (a *testAPI) createRun(t *testing.T, pipelineID string, inputs types.JSONMap) types.Run {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{PipelineID: pipelineID, Inputs: inputs})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[types.Run](t, rec)
}

func (a *testAPI) waitForStatus(t *testing.T, runID string, status types.RunStatus) types.Run {
	t.Helper()
	var run types.Run
	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		run = decodeData[types.Run](t, rec)
		return run.Status == status
	}, 5*time.Second, 20*time.Millisecond, "run never reached %s", status)
	return run
}

func TestCreatePipelineRejectsCycle(t *testing.T) {
	api := newTestAPI(t)

	p := linearPipeline()
	p.Edges = append(p.Edges, types.Edge{From: "world", To: "hello"})

	rec := api.do(t, http.MethodPost, "/api/v1/pipelines", p)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PIPELINE")
}

func TestGetUnknownPipeline(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/pipelines/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunForUnknownPipeline(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{PipelineID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunToCompletion(t *testing.T) {
	api := newTestAPI(t)
	p := api.createPipeline(t, linearPipeline())
	run := api.createRun(t, p.ID, nil)

	rec := api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	done := api.waitForStatus(t, run.ID, types.RunStatusCompleted)
	assert.Equal(t, "hi world", done.Outputs["world_echo"])

	stepsRec := api.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/steps", nil)
	require.Equal(t, http.StatusOK, stepsRec.Code)
	steps := decodeData[[]types.StepRun](t, stepsRec)
	require.Len(t, steps, 2)
	assert.Equal(t, types.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, types.StepStatusCompleted, steps[1].Status)
}

func TestStartTerminalRunConflicts(t *testing.T) {
	api := newTestAPI(t)
	p := api.createPipeline(t, linearPipeline())
	run := api.createRun(t, p.ID, nil)

	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil).Code)
	api.waitForStatus(t, run.ID, types.RunStatusCompleted)

	rec := api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "TERMINAL_RUN")
}

func TestStepsForUnknownRun(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/v1/runs/nope/steps", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	api := newTestAPI(t)
	p := api.createPipeline(t, types.Pipeline{
		Name: "gated",
		Steps: []types.StepDefinition{
			{ID: "draft", Kind: types.StepKindTool, Config: types.JSONMap{"tool": "echo", "message": "draft"}},
			{ID: "gate", Kind: types.StepKindApproval},
			{ID: "publish", Kind: types.StepKindTool, Config: types.JSONMap{"tool": "echo", "message": "published"}},
		},
		Edges: []types.Edge{{From: "draft", To: "gate"}, {From: "gate", To: "publish"}},
	})
	run := api.createRun(t, p.ID, nil)

	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil).Code)
	api.waitForStatus(t, run.ID, types.RunStatusNeedsApproval)

	listRec := api.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/approvals", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	approvals := decodeData[[]types.Approval](t, listRec)
	require.Len(t, approvals, 1)
	require.Equal(t, types.DecisionPending, approvals[0].Decision)

	// Resuming before any decision is a conflict.
	resumeRec := api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/resume",
		ResumeRunRequest{ApprovalID: approvals[0].ID})
	assert.Equal(t, http.StatusConflict, resumeRec.Code)

	decideRec := api.do(t, http.MethodPost, "/api/v1/approvals/"+approvals[0].ID+"/decide",
		DecideRequest{Decision: types.DecisionApproved, ApproverID: "reviewer-1"})
	require.Equal(t, http.StatusOK, decideRec.Code, decideRec.Body.String())

	done := api.waitForStatus(t, run.ID, types.RunStatusCompleted)
	assert.Equal(t, "published", done.Outputs["publish_echo"])

	// The first decision wins; a second is a conflict.
	again := api.do(t, http.MethodPost, "/api/v1/approvals/"+approvals[0].ID+"/decide",
		DecideRequest{Decision: types.DecisionRejected})
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Contains(t, again.Body.String(), "ALREADY_DECIDED")
}

func TestRejectionCancelsRun(t *testing.T) {
	api := newTestAPI(t)
	p := api.createPipeline(t, types.Pipeline{
		Name: "gated-reject",
		Steps: []types.StepDefinition{
			{ID: "gate", Kind: types.StepKindApproval},
			{ID: "after", Kind: types.StepKindTool, Config: types.JSONMap{"tool": "echo", "message": "never"}},
		},
		Edges: []types.Edge{{From: "gate", To: "after"}},
	})
	run := api.createRun(t, p.ID, nil)

	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil).Code)
	api.waitForStatus(t, run.ID, types.RunStatusNeedsApproval)

	approvals := decodeData[[]types.Approval](t,
		api.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/approvals", nil))
	require.Len(t, approvals, 1)

	rec := api.do(t, http.MethodPost, "/api/v1/approvals/"+approvals[0].ID+"/decide",
		DecideRequest{Decision: types.DecisionRejected, Comment: "not ready"})
	require.Equal(t, http.StatusOK, rec.Code)

	api.waitForStatus(t, run.ID, types.RunStatusCancelled)
}

func TestRestartFailedRun(t *testing.T) {
	api := newTestAPI(t)
	p := api.createPipeline(t, types.Pipeline{
		Name: "broken",
		Steps: []types.StepDefinition{
			{ID: "boom", Kind: types.StepKindTool, Config: types.JSONMap{"tool": "explode"}},
		},
	})
	run := api.createRun(t, p.ID, nil)

	require.Equal(t, http.StatusAccepted, api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/start", nil).Code)
	api.waitForStatus(t, run.ID, types.RunStatusFailed)

	rec := api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	restarted := decodeData[types.Run](t, rec)
	assert.Equal(t, types.RunStatusQueued, restarted.Status)
}

func TestCancelQueuedRun(t *testing.T) {
	api := newTestAPI(t)
	p := api.createPipeline(t, linearPipeline())
	run := api.createRun(t, p.ID, nil)

	rec := api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decodeData[types.Run](t, rec)
	assert.Equal(t, types.RunStatusCancelled, cancelled.Status)

	// Cancelling a terminal run conflicts.
	again := api.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := api.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test")
}

func TestRequestIDEchoed(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestInvalidJSONBody(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")
}
