package types

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	// RunStatusQueued means the run is created but not yet picked up by an engine.
	RunStatusQueued RunStatus = "queued"
	// RunStatusRunning means an engine is actively walking the DAG.
	RunStatusRunning RunStatus = "running"
	// RunStatusNeedsApproval means the run is suspended at an approval gate.
	RunStatusNeedsApproval RunStatus = "needs_approval"
	// RunStatusCompleted means every reachable step finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means a step failure terminated the run.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled means the run was rejected or externally cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Once a run reaches a
// terminal status no further transition is accepted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// runTransitions encodes the allowed run status transitions.
// needs_approval is re-entrant: a run with several approval gates
// passes through it once per gate. Forward jumps over intermediate
// states are allowed because the sync channel coalesces records per
// key: the store may first hear of a run when it is already terminal.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:        {RunStatusRunning, RunStatusNeedsApproval, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning:       {RunStatusNeedsApproval, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusNeedsApproval: {RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// CanTransition reports whether a run may move from s to next.
// Self-transitions are allowed so that redelivered status records are
// idempotent no-ops rather than violations.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle state of a single step run.
type StepStatus string

const (
	// StepStatusPending means the step run row exists but dispatch has not happened.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning means the step's capability is being invoked, or the
	// step is an approval gate awaiting a decision.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted means the capability returned successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed means the capability invocation failed.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped means a dead conditional edge or an upstream failure
	// made the step unreachable for this run.
	StepStatusSkipped StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Pending may jump straight to any terminal status: the channel record
// for the running phase can be overwritten before the relay sees it.
var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusRunning, StepStatusCompleted, StepStatusFailed, StepStatusSkipped},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed, StepStatusSkipped},
}

// CanTransition reports whether a step run may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Decision represents the state of an approval gate.
type Decision string

const (
	// DecisionPending means no decision has been recorded yet.
	DecisionPending Decision = "pending"
	// DecisionApproved resumes DAG traversal at the gate's successors.
	DecisionApproved Decision = "approved"
	// DecisionRejected terminates the run as cancelled.
	DecisionRejected Decision = "rejected"
)

// Decided reports whether the decision is terminal.
func (d Decision) Decided() bool {
	return d == DecisionApproved || d == DecisionRejected
}
