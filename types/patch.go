package types

import "time"

// StatusPatch is the record the execution engine emits through the sync
// channel. It is a partial update: nil pointer fields are absent and must
// not overwrite stored values. Numeric accumulators carry the engine's
// authoritative snapshot and are set, not incremented, so redelivery is
// safe.
type StatusPatch struct {
	RunID        string     `json:"runId"`
	StepID       string     `json:"stepId,omitempty"`
	Attempt      int        `json:"attempt,omitempty"`
	Status       string     `json:"status"`
	StepType     StepKind   `json:"stepType,omitempty"`
	ToolUsed     string     `json:"toolUsed,omitempty"`
	OrderIndex   *int       `json:"orderIndex,omitempty"`
	Inputs       JSONMap    `json:"inputs,omitempty"`
	Outputs      JSONMap    `json:"outputs,omitempty"`
	Cost         *float64   `json:"cost,omitempty"`
	TokensUsed   *int64     `json:"tokensUsed,omitempty"`
	LatencyMs    *int64     `json:"latencyMs,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	EmittedAt    time.Time  `json:"emittedAt"`
}

// ForStep reports whether the patch targets a step run rather than the
// run itself.
func (p StatusPatch) ForStep() bool { return p.StepID != "" }

// ApprovalRequest is the sync channel record asking the durable store to
// open a pending approval for (runID, stepID).
type ApprovalRequest struct {
	ApprovalID  string    `json:"approvalId"`
	RunID       string    `json:"runId"`
	StepID      string    `json:"stepId"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	EmittedAt   time.Time `json:"emittedAt"`
}

// Float64Ptr returns a pointer to v. Helper for building patches.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
