package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowmesh/pipeline/dag"
	"github.com/flowmesh/pipeline/types"
)

// Store provides durable access to pipelines, runs, step runs, and
// approvals on top of a relational database.
type Store struct {
	db        *gorm.DB
	validator *types.SchemaValidator
	logger    *zap.Logger
}

// New creates a store over an open database handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		validator: types.NewSchemaValidator(),
		logger:    logger.With(zap.String("component", "store")),
	}
}

// AutoMigrate creates or updates the core tables. Production deployments
// run versioned migrations instead; this is the development and test path.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&types.Pipeline{},
		&types.Run{},
		&types.StepRun{},
		&types.Approval{},
	)
}

// CreatePipeline validates and persists a new immutable pipeline version.
// Structural validation happens here, at definition time, so runs never
// start against a malformed DAG.
func (s *Store) CreatePipeline(ctx context.Context, p *types.Pipeline) error {
	if p.Name == "" {
		return types.NewError(types.ErrInvalidRequest, "pipeline name is required")
	}
	if _, err := dag.Build(p.Steps, p.Edges); err != nil {
		return types.NewError(types.ErrInvalidPipeline, "pipeline failed validation").WithCause(err)
	}
	if err := s.validator.Compile(p.InputSchema); err != nil {
		return types.NewError(types.ErrInvalidPipeline, "invalid input schema").WithCause(err)
	}
	if err := s.validator.Compile(p.OutputSchema); err != nil {
		return types.NewError(types.ErrInvalidPipeline, "invalid output schema").WithCause(err)
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Version == 0 {
			var latest int
			err := tx.Model(&types.Pipeline{}).
				Where("tenant_id = ? AND name = ?", p.TenantID, p.Name).
				Select("COALESCE(MAX(version), 0)").
				Scan(&latest).Error
			if err != nil {
				return err
			}
			p.Version = latest + 1
		}
		if err := tx.Create(p).Error; err != nil {
			return types.NewError(types.ErrInvalidRequest, "pipeline version already exists").WithCause(err)
		}
		return nil
	})
}

// GetPipeline fetches a pipeline version by id.
func (s *Store) GetPipeline(ctx context.Context, pipelineID string) (*types.Pipeline, error) {
	var p types.Pipeline
	err := s.db.WithContext(ctx).First(&p, "id = ?", pipelineID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrPipelineNotFound, "pipeline %s not found", pipelineID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPipeline fetches the highest version of a named pipeline.
func (s *Store) LatestPipeline(ctx context.Context, tenantID, name string) (*types.Pipeline, error) {
	var p types.Pipeline
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Order("version DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrPipelineNotFound, "pipeline %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPipelines returns every pipeline version for a tenant, newest first.
func (s *Store) ListPipelines(ctx context.Context, tenantID string) ([]types.Pipeline, error) {
	var out []types.Pipeline
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("name ASC, version DESC").
		Find(&out).Error
	return out, err
}

// CreateRun validates inputs against the pipeline's input schema and
// persists a queued run.
func (s *Store) CreateRun(ctx context.Context, pipelineID string, inputs types.JSONMap) (*types.Run, error) {
	p, err := s.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(p.InputSchema, map[string]any(inputs)); err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:         uuid.NewString(),
		PipelineID: p.ID,
		Status:     types.RunStatusQueued,
		Inputs:     inputs,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	s.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("pipeline_id", p.ID),
	)
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var run types.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs of a pipeline, newest first.
func (s *Store) ListRuns(ctx context.Context, pipelineID string, limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []types.Run
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListStepRuns returns the full step run ledger of a run in execution
// order, every attempt included.
func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]types.StepRun, error) {
	var out []types.StepRun
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("order_index ASC, attempt ASC").
		Find(&out).Error
	return out, err
}

// RestartRun sends a failed or cancelled run back to queued so an engine
// can pick it up again. The step run ledger is kept: the retry pass
// appends new attempts instead of rewriting history.
func (s *Store) RestartRun(ctx context.Context, runID string) (*types.Run, error) {
	var run *types.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r types.Run
		if err := tx.First(&r, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrRunNotFound, "run %s not found", runID)
			}
			return err
		}
		if r.Status != types.RunStatusFailed && r.Status != types.RunStatusCancelled {
			return types.NewErrorf(types.ErrInvalidTransition, "run %s is %s, only failed or cancelled runs restart", runID, r.Status)
		}

		updates := map[string]any{
			"status":        types.RunStatusQueued,
			"error_message": "",
			"finished_at":   nil,
		}
		if err := tx.Model(&r).Updates(updates).Error; err != nil {
			return err
		}
		r.Status = types.RunStatusQueued
		r.ErrorMessage = ""
		r.FinishedAt = nil
		run = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("run restarted", zap.String("run_id", runID))
	return run, nil
}

// CancelRun marks a non-terminal run cancelled. Cancelling a run the
// engine is currently driving takes effect at the next status write: the
// engine's stale patch is then rejected by the transition check.
func (s *Store) CancelRun(ctx context.Context, runID string) (*types.Run, error) {
	var run *types.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r types.Run
		if err := tx.First(&r, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrRunNotFound, "run %s not found", runID)
			}
			return err
		}
		if r.Status.Terminal() {
			return types.NewErrorf(types.ErrTerminalRun, "run %s is already %s", runID, r.Status)
		}

		now := time.Now()
		updates := map[string]any{
			"status":      types.RunStatusCancelled,
			"finished_at": now,
		}
		if err := tx.Model(&r).Updates(updates).Error; err != nil {
			return err
		}
		r.Status = types.RunStatusCancelled
		r.FinishedAt = &now
		run = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("run cancelled", zap.String("run_id", runID))
	return run, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*types.Approval, error) {
	var a types.Approval
	err := s.db.WithContext(ctx).First(&a, "id = ?", approvalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrApprovalNotFound, "approval %s not found", approvalID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListApprovals returns a run's approvals in creation order.
func (s *Store) ListApprovals(ctx context.Context, runID string) ([]types.Approval, error) {
	var out []types.Approval
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// DecideApproval records a decision exactly once. A second decision on
// the same approval is a conflict regardless of whether it agrees with
// the first.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, decision types.Decision, approverID, comment string) (*types.Approval, error) {
	if !decision.Decided() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "decision must be %s or %s", types.DecisionApproved, types.DecisionRejected)
	}

	var approval *types.Approval
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a types.Approval
		if err := tx.First(&a, "id = ?", approvalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrApprovalNotFound, "approval %s not found", approvalID)
			}
			return err
		}
		if a.Decision.Decided() {
			return types.NewErrorf(types.ErrAlreadyDecided, "approval %s is already %s", approvalID, a.Decision)
		}

		now := time.Now()
		updates := map[string]any{
			"decision":    decision,
			"approver_id": approverID,
			"comment":     comment,
			"decided_at":  now,
		}
		// Guard the update with the pending predicate so two concurrent
		// deciders cannot both win.
		res := tx.Model(&types.Approval{}).
			Where("id = ? AND decision = ?", approvalID, types.DecisionPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewErrorf(types.ErrAlreadyDecided, "approval %s is already decided", approvalID)
		}

		a.Decision = decision
		a.ApproverID = approverID
		a.Comment = comment
		a.DecidedAt = &now
		approval = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval decided",
		zap.String("approval_id", approvalID),
		zap.String("run_id", approval.RunID),
		zap.String("decision", string(decision)),
	)
	return approval, nil
}
