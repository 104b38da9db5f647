package engine

import (
	"context"

	"github.com/flowmesh/pipeline/types"
)

// StatusEmitter is the engine side of the sync channel. Emitted records
// are delivered at least once and applied idempotently by the relay; the
// engine never writes the durable store directly.
type StatusEmitter interface {
	EmitRun(ctx context.Context, patch types.StatusPatch) error
	EmitStep(ctx context.Context, patch types.StatusPatch) error
	EmitApproval(ctx context.Context, req types.ApprovalRequest) error
}

// Ledger is the engine's read view of the run state store. Resume and
// crash recovery reconstruct in-flight state entirely from these reads.
type Ledger interface {
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	GetPipeline(ctx context.Context, pipelineID string) (*types.Pipeline, error)
	ListStepRuns(ctx context.Context, runID string) ([]types.StepRun, error)
	GetApproval(ctx context.Context, approvalID string) (*types.Approval, error)
}

// Observer receives execution metrics. Implementations must be safe for
// concurrent use; a nil observer disables instrumentation.
type Observer interface {
	RunFinished(status types.RunStatus, seconds float64)
	StepFinished(kind types.StepKind, status types.StepStatus, seconds float64)
	UsageRecorded(cost float64, tokens int64)
}
