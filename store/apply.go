package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowmesh/pipeline/types"
)

// ApplyRunPatch folds a sync channel run record into the durable run.
// Only fields present on the patch are written. A patch that targets a
// terminal run or would regress the lifecycle is rejected as a conflict;
// a redelivered copy of an already-applied patch is an accepted no-op.
func (s *Store) ApplyRunPatch(ctx context.Context, patch types.StatusPatch) error {
	next := types.RunStatus(patch.Status)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run types.Run
		if err := lock(tx).First(&run, "id = ?", patch.RunID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrRunNotFound, "run %s not found", patch.RunID)
			}
			return err
		}

		if run.Status.Terminal() && run.Status != next {
			return types.NewErrorf(types.ErrTerminalRun, "run %s is %s, dropping %s update", patch.RunID, run.Status, next)
		}
		if !run.Status.CanTransition(next) {
			return types.NewErrorf(types.ErrStaleUpdate, "run %s cannot move %s -> %s", patch.RunID, run.Status, next)
		}

		updates := map[string]any{"status": next, "updated_at": time.Now()}
		if patch.Outputs != nil {
			updates["outputs"] = patch.Outputs
		}
		if patch.Cost != nil {
			updates["cost"] = *patch.Cost
		}
		if patch.TokensUsed != nil {
			updates["tokens_used"] = *patch.TokensUsed
		}
		if patch.LatencyMs != nil {
			updates["latency_ms"] = *patch.LatencyMs
		}
		if patch.ErrorMessage != nil {
			updates["error_message"] = *patch.ErrorMessage
		}
		if patch.StartedAt != nil {
			updates["started_at"] = *patch.StartedAt
		}
		if patch.FinishedAt != nil {
			updates["finished_at"] = *patch.FinishedAt
		}
		return tx.Model(&run).Updates(updates).Error
	})
}

// ApplyStepPatch upserts a step run row keyed by (runID, stepID,
// attempt). The first patch for a new attempt creates the row; later
// patches update it under the same transition rules as runs. Patches
// targeting a terminal run are rejected as conflicts so a cancelled
// run's ledger stops growing.
func (s *Store) ApplyStepPatch(ctx context.Context, patch types.StatusPatch) error {
	next := types.StepStatus(patch.Status)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run types.Run
		if err := tx.Select("status").First(&run, "id = ?", patch.RunID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrRunNotFound, "run %s not found", patch.RunID)
			}
			return err
		}
		if run.Status.Terminal() {
			return types.NewErrorf(types.ErrTerminalRun, "run %s is %s, dropping step %s update",
				patch.RunID, run.Status, patch.StepID)
		}

		var sr types.StepRun
		err := lock(tx).
			Where("run_id = ? AND step_id = ? AND attempt = ?", patch.RunID, patch.StepID, patch.Attempt).
			First(&sr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.createStepRun(tx, patch, next)
		}
		if err != nil {
			return err
		}

		if sr.Status.Terminal() && sr.Status != next {
			return types.NewErrorf(types.ErrTerminalRun, "step %s/%s attempt %d is %s, dropping %s update",
				patch.RunID, patch.StepID, patch.Attempt, sr.Status, next)
		}
		if !sr.Status.CanTransition(next) {
			return types.NewErrorf(types.ErrStaleUpdate, "step %s/%s attempt %d cannot move %s -> %s",
				patch.RunID, patch.StepID, patch.Attempt, sr.Status, next)
		}

		updates := map[string]any{"status": next, "updated_at": time.Now()}
		if patch.Inputs != nil {
			updates["inputs"] = patch.Inputs
		}
		if patch.Outputs != nil {
			updates["outputs"] = patch.Outputs
		}
		if patch.Cost != nil {
			updates["cost"] = *patch.Cost
		}
		if patch.TokensUsed != nil {
			updates["tokens_used"] = *patch.TokensUsed
		}
		if patch.LatencyMs != nil {
			updates["latency_ms"] = *patch.LatencyMs
		}
		if patch.ErrorMessage != nil {
			updates["error_message"] = *patch.ErrorMessage
		}
		if patch.OrderIndex != nil {
			updates["order_index"] = *patch.OrderIndex
		}
		if patch.StartedAt != nil {
			updates["started_at"] = *patch.StartedAt
		}
		if patch.FinishedAt != nil {
			updates["finished_at"] = *patch.FinishedAt
		}
		return tx.Model(&sr).Updates(updates).Error
	})
}

func (s *Store) createStepRun(tx *gorm.DB, patch types.StatusPatch, status types.StepStatus) error {
	sr := types.StepRun{
		ID:       uuid.NewString(),
		RunID:    patch.RunID,
		StepID:   patch.StepID,
		Attempt:  patch.Attempt,
		StepType: patch.StepType,
		ToolUsed: patch.ToolUsed,
		Status:   status,
	}
	if patch.OrderIndex != nil {
		sr.OrderIndex = *patch.OrderIndex
	}
	if patch.Inputs != nil {
		sr.Inputs = patch.Inputs
	}
	if patch.Outputs != nil {
		sr.Outputs = patch.Outputs
	}
	if patch.Cost != nil {
		sr.Cost = *patch.Cost
	}
	if patch.TokensUsed != nil {
		sr.TokensUsed = *patch.TokensUsed
	}
	if patch.LatencyMs != nil {
		sr.LatencyMs = *patch.LatencyMs
	}
	if patch.ErrorMessage != nil {
		sr.ErrorMessage = *patch.ErrorMessage
	}
	sr.StartedAt = patch.StartedAt
	sr.FinishedAt = patch.FinishedAt

	err := tx.Create(&sr).Error
	if err != nil && isUniqueViolation(err) {
		// Two relay instances raced on the first patch for this attempt.
		// The row exists now; the caller's retry will take the update path.
		return types.NewErrorf(types.ErrStaleUpdate, "step %s/%s attempt %d was created concurrently",
			patch.RunID, patch.StepID, patch.Attempt)
	}
	return err
}

// ApplyApprovalRequest opens a pending approval for a paused run. It is
// idempotent on the approval id, and at most one pending approval may
// exist per (runID, stepID).
func (s *Store) ApplyApprovalRequest(ctx context.Context, req types.ApprovalRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.Approval
		err := tx.First(&existing, "id = ?", req.ApprovalID).Error
		if err == nil {
			// Redelivered request.
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var pending int64
		err = tx.Model(&types.Approval{}).
			Where("run_id = ? AND step_id = ? AND decision = ?", req.RunID, req.StepID, types.DecisionPending).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return types.NewErrorf(types.ErrStaleUpdate, "run %s step %s already has a pending approval", req.RunID, req.StepID)
		}

		created := req.EmittedAt
		if created.IsZero() {
			created = time.Now()
		}
		return tx.Create(&types.Approval{
			ID:          req.ApprovalID,
			RunID:       req.RunID,
			StepID:      req.StepID,
			RequestedBy: req.RequestedBy,
			Decision:    types.DecisionPending,
			CreatedAt:   created,
		}).Error
	})
}

// lock adds a SELECT ... FOR UPDATE where the dialect supports it.
// SQLite, used in tests, serializes writes on its own.
func lock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
