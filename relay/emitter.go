package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/types"
)

// Key layout of the sync channel. Run updates are short-lived because
// the relay consumes them quickly; step and approval keys last a day so
// an operator can still inspect them after a relay outage.
const (
	runKeyPrefix      = "run:update:"
	stepKeyPrefix     = "steprun:"
	approvalKeyPrefix = "approval:"
)

// EmitterConfig tunes the engine-side channel writer.
type EmitterConfig struct {
	RunTTL      time.Duration `yaml:"run_ttl" json:"run_ttl"`
	StepTTL     time.Duration `yaml:"step_ttl" json:"step_ttl"`
	ApprovalTTL time.Duration `yaml:"approval_ttl" json:"approval_ttl"`
}

// DefaultEmitterConfig returns the default TTLs.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		RunTTL:      time.Hour,
		StepTTL:     24 * time.Hour,
		ApprovalTTL: 24 * time.Hour,
	}
}

// Emitter is the engine side of the sync channel.
type Emitter struct {
	redis  redis.Cmdable
	config EmitterConfig
	logger *zap.Logger
}

// NewEmitter creates a sync channel writer.
func NewEmitter(client redis.Cmdable, config EmitterConfig, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RunTTL <= 0 {
		config.RunTTL = DefaultEmitterConfig().RunTTL
	}
	if config.StepTTL <= 0 {
		config.StepTTL = DefaultEmitterConfig().StepTTL
	}
	if config.ApprovalTTL <= 0 {
		config.ApprovalTTL = DefaultEmitterConfig().ApprovalTTL
	}
	return &Emitter{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "sync_emitter")),
	}
}

// RunKey returns the channel key holding the latest run status record.
func RunKey(runID string) string {
	return runKeyPrefix + runID
}

// StepKey returns the channel key for one step run attempt.
func StepKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s%s:%s:%d", stepKeyPrefix, runID, stepID, attempt)
}

// ApprovalKey returns the channel key for a pending approval request.
func ApprovalKey(runID, stepID string) string {
	return fmt.Sprintf("%s%s:%s", approvalKeyPrefix, runID, stepID)
}

// EmitRun publishes a run status record. Successive records for the same
// run overwrite each other; the record carries full snapshots so only
// the latest one matters.
func (e *Emitter) EmitRun(ctx context.Context, patch types.StatusPatch) error {
	return e.set(ctx, RunKey(patch.RunID), patch, e.config.RunTTL)
}

// EmitStep publishes a step run status record keyed per attempt.
func (e *Emitter) EmitStep(ctx context.Context, patch types.StatusPatch) error {
	return e.set(ctx, StepKey(patch.RunID, patch.StepID, patch.Attempt), patch, e.config.StepTTL)
}

// EmitApproval publishes an approval request for a paused run.
func (e *Emitter) EmitApproval(ctx context.Context, req types.ApprovalRequest) error {
	return e.set(ctx, ApprovalKey(req.RunID, req.StepID), req, e.config.ApprovalTTL)
}

func (e *Emitter) set(ctx context.Context, key string, record any, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal sync record for %s: %w", key, err)
	}
	if err := e.redis.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("write sync record %s: %w", key, err)
	}
	e.logger.Debug("sync record written", zap.String("key", key))
	return nil
}
