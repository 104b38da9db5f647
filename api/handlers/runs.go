package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/engine"
	"github.com/flowmesh/pipeline/internal/ctxkeys"
	"github.com/flowmesh/pipeline/internal/pool"
	"github.com/flowmesh/pipeline/store"
	"github.com/flowmesh/pipeline/types"
)

// RunHandler serves run lifecycle operations. Execution happens on the
// worker pool; start and resume return 202 with the queued run.
type RunHandler struct {
	store   *store.Store
	engine  *engine.Engine
	workers *pool.WorkerPool
	logger  *zap.Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(store *store.Store, eng *engine.Engine, workers *pool.WorkerPool, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		store:   store,
		engine:  eng,
		workers: workers,
		logger:  logger.With(zap.String("component", "run_handler")),
	}
}

// CreateRunRequest is the payload for creating a run.
type CreateRunRequest struct {
	PipelineID string        `json:"pipeline_id"`
	Inputs     types.JSONMap `json:"inputs,omitempty"`
}

// ResumeRunRequest names the approval authorizing the resume.
type ResumeRunRequest struct {
	ApprovalID string `json:"approval_id"`
}

// HandleCreate creates a queued run after validating the inputs
// against the pipeline's input schema.
func (h *RunHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.PipelineID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "pipeline_id is required", h.logger)
		return
	}

	run, err := h.store.CreateRun(r.Context(), req.PipelineID, req.Inputs)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("pipeline_id", run.PipelineID),
	)
	WriteCreated(w, run)
}

// HandleStart schedules a queued run for execution and returns 202.
// Starting a terminal or already-running run is a 409.
func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if run.Status.Terminal() {
		WriteError(w, types.NewErrorf(types.ErrTerminalRun, "run %s is %s", runID, run.Status), h.logger)
		return
	}

	if err := h.submit(runID, func(ctx context.Context) error {
		_, err := h.engine.Start(ctx, runID)
		return err
	}); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusAccepted, Response{Success: true, Data: run})
}

// HandleResume schedules a paused run to continue past a decided
// approval gate. The decision must already be recorded.
func (h *RunHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req ResumeRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ApprovalID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "approval_id is required", h.logger)
		return
	}

	approval, err := h.store.GetApproval(r.Context(), req.ApprovalID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if !approval.Decision.Decided() {
		WriteError(w, types.NewErrorf(types.ErrApprovalPending,
			"approval %s has no decision yet", req.ApprovalID), h.logger)
		return
	}

	if err := h.submit(runID, func(ctx context.Context) error {
		_, err := h.engine.Resume(ctx, runID, req.ApprovalID)
		return err
	}); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusAccepted, Response{Success: true, Data: map[string]string{
		"run_id":      runID,
		"approval_id": req.ApprovalID,
	}})
}

// HandleGet returns the current run snapshot.
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleList returns runs, newest first, filtered by pipeline.
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), r.URL.Query().Get("pipeline"), 100)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, runs)
}

// HandleSteps returns every step attempt of a run in execution order.
func (h *RunHandler) HandleSteps(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// 404 for an unknown run rather than an empty list.
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	steps, err := h.store.ListStepRuns(r.Context(), runID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, steps)
}

// HandleApprovals lists the approvals raised by a run.
func (h *RunHandler) HandleApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := h.store.ListApprovals(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, approvals)
}

// HandleCancel marks a non-terminal run cancelled.
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	// The store write alone never reaches the scheduler; interrupt any
	// in-flight pass so no further steps dispatch.
	interrupted := h.engine.Cancel(run.ID)
	h.logger.Info("run cancelled",
		zap.String("run_id", run.ID),
		zap.Bool("interrupted", interrupted),
	)
	WriteSuccess(w, run)
}

// HandleRestart re-queues a failed or cancelled run. Completed step
// attempts are preserved; failed and skipped steps get a new attempt
// when the run starts again.
func (h *RunHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.RestartRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("run restarted", zap.String("run_id", run.ID))
	WriteSuccess(w, run)
}

// submit hands the task to the worker pool with a fresh context. The
// run outlives the HTTP request that started it.
func (h *RunHandler) submit(runID string, task pool.Task) error {
	bg := ctxkeys.WithRunID(context.Background(), runID)
	err := h.workers.Submit(bg, func(ctx context.Context) error {
		if err := task(ctx); err != nil {
			h.logger.Error("background run failed",
				zap.String("run_id", runID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrUnavailable, "execution queue is full").
			WithCause(err).
			WithRetryable(true)
	}
	return nil
}
