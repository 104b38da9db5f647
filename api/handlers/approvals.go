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

// ApprovalHandler serves approval gate decisions.
type ApprovalHandler struct {
	store   *store.Store
	engine  *engine.Engine
	workers *pool.WorkerPool
	logger  *zap.Logger
}

// NewApprovalHandler creates an approval handler.
func NewApprovalHandler(store *store.Store, eng *engine.Engine, workers *pool.WorkerPool, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		store:   store,
		engine:  eng,
		workers: workers,
		logger:  logger.With(zap.String("component", "approval_handler")),
	}
}

// DecideRequest records an approval decision.
type DecideRequest struct {
	Decision   types.Decision `json:"decision"`
	ApproverID string         `json:"approver_id,omitempty"`
	Comment    string         `json:"comment,omitempty"`
}

// HandleGet returns one approval.
func (h *ApprovalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	approval, err := h.store.GetApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, approval)
}

// HandleDecide records the decision and schedules the paused run to
// resume. Deciding twice is a 409; the first decision wins.
func (h *ApprovalHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("id")

	var req DecideRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if !req.Decision.Decided() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"decision must be approved or rejected", h.logger)
		return
	}

	approval, err := h.store.DecideApproval(r.Context(), approvalID, req.Decision, req.ApproverID, req.Comment)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("approval decided",
		zap.String("approval_id", approval.ID),
		zap.String("run_id", approval.RunID),
		zap.String("decision", string(approval.Decision)),
	)

	// The decision is durable; the resume itself runs in the background.
	runID := approval.RunID
	err = h.workers.Submit(ctxkeys.WithRunID(context.Background(), runID), func(ctx context.Context) error {
		if _, err := h.engine.Resume(ctx, runID, approvalID); err != nil {
			h.logger.Error("resume after decision failed",
				zap.String("run_id", runID),
				zap.String("approval_id", approvalID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
	if err != nil {
		// The decision stuck; the caller can resume explicitly later.
		h.logger.Warn("could not schedule resume", zap.String("run_id", runID), zap.Error(err))
	}

	WriteSuccess(w, approval)
}
