package engine

import (
	"fmt"
	"sync"

	"github.com/flowmesh/pipeline/dag"
	"github.com/flowmesh/pipeline/types"
)

// readiness classifies whether a step can be dispatched.
type readiness int

const (
	// waitNotReady means at least one predecessor is still unresolved.
	waitNotReady readiness = iota
	// readyToRun means every live predecessor completed.
	readyToRun
	// mustSkip means the step is unreachable for this run: a live
	// predecessor failed, or no live path leads to it.
	mustSkip
)

// execState is the engine's in-memory view of one run. It is built from
// the step-run ledger, never persisted: the durable store plus the sync
// channel hold all state that outlives the engine process.
type execState struct {
	mu sync.Mutex

	graph    *dag.Graph
	run      *types.Run
	pipeline *types.Pipeline

	// stepRuns holds the current (highest-attempt) row per step id.
	stepRuns map[string]*types.StepRun
	status   map[string]types.StepStatus
	// dispatched guards against double-dispatch within one scheduling pass.
	dispatched map[string]bool

	// edgeLive records the resolved liveness of edges whose source step
	// completed. Keyed by edge position within the source's outgoing list.
	edgeLive map[string]bool

	// env accumulates run inputs plus namespaced step outputs and is the
	// template/condition evaluation context.
	env map[string]any

	cost     float64
	tokens   int64
	firstErr string
}

func edgeKey(from string, idx int) string {
	return fmt.Sprintf("%s#%d", from, idx)
}

// newExecState reconstructs run state from already-recorded step runs.
func newExecState(graph *dag.Graph, run *types.Run, pipeline *types.Pipeline, ledger []types.StepRun) *execState {
	st := &execState{
		graph:      graph,
		run:        run,
		pipeline:   pipeline,
		stepRuns:   make(map[string]*types.StepRun),
		status:     make(map[string]types.StepStatus),
		dispatched: make(map[string]bool),
		edgeLive:   make(map[string]bool),
		env:        make(map[string]any),
	}

	for k, v := range run.Inputs {
		st.env[k] = v
	}

	for i := range ledger {
		sr := ledger[i]
		current, ok := st.stepRuns[sr.StepID]
		if !ok || sr.Attempt > current.Attempt {
			cp := sr
			st.stepRuns[sr.StepID] = &cp
		}
	}

	for stepID, sr := range st.stepRuns {
		st.status[stepID] = sr.Status
		if sr.Status == types.StepStatusCompleted {
			for k, v := range sr.Outputs {
				st.env[k] = v
			}
			st.cost += sr.Cost
			st.tokens += sr.TokensUsed
		}
		if sr.Status == types.StepStatusFailed && st.firstErr == "" {
			st.firstErr = sr.ErrorMessage
		}
	}

	// Re-resolve outgoing edges of completed steps. Conditions are pure
	// over the environment, so re-evaluation reproduces the original
	// resolution deterministically.
	for _, stepID := range graph.Order() {
		if st.status[stepID] == types.StepStatusCompleted {
			st.resolveOutgoingLocked(stepID)
		}
	}

	return st
}

// planAttempts decides which steps need a new step-run row. Completed
// steps are never re-created and pending rows from a crashed engine are
// reused as-is. Failed and skipped steps get a fresh attempt on a
// restart, and so does a row left running: the worker that owned it is
// gone and the attempt can never settle on its own.
func (st *execState) planAttempts() []*types.StepRun {
	st.mu.Lock()
	defer st.mu.Unlock()

	var created []*types.StepRun
	for _, stepID := range st.graph.Order() {
		step, _ := st.graph.Step(stepID)
		current := st.stepRuns[stepID]

		attempt := 1
		switch {
		case current == nil:
			// first execution
		case current.Status == types.StepStatusFailed,
			current.Status == types.StepStatusSkipped,
			current.Status == types.StepStatusRunning:
			attempt = current.Attempt + 1
		default:
			continue
		}

		sr := &types.StepRun{
			RunID:      st.run.ID,
			StepID:     stepID,
			Attempt:    attempt,
			StepType:   step.Kind,
			Status:     types.StepStatusPending,
			OrderIndex: st.graph.OrderIndex(stepID),
		}
		if step.Kind == types.StepKindTool {
			sr.ToolUsed = step.Tool()
		}
		st.stepRuns[stepID] = sr
		st.status[stepID] = types.StepStatusPending
		created = append(created, sr)
	}
	return created
}

// staleRunning returns copies of ledger rows still marked running when
// the pass begins. Approved gates are recorded as completed before this
// runs, so anything left over belongs to an interrupted engine.
func (st *execState) staleRunning() []types.StepRun {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []types.StepRun
	for _, stepID := range st.graph.Order() {
		if sr := st.stepRuns[stepID]; sr != nil && sr.Status == types.StepStatusRunning {
			out = append(out, *sr)
		}
	}
	return out
}

// readinessLocked classifies a step. Caller holds st.mu.
func (st *execState) readinessLocked(stepID string) readiness {
	inEdges := st.graph.Incoming(stepID)
	if len(inEdges) == 0 {
		return readyToRun
	}

	hasLive := false
	for _, e := range inEdges {
		switch st.status[e.From] {
		case types.StepStatusCompleted:
			if st.edgeIsLiveLocked(e) {
				hasLive = true
			}
		case types.StepStatusFailed:
			// A predecessor on a potentially live edge failed: the step
			// and its exclusive downstream are collateral.
			return mustSkip
		case types.StepStatusSkipped:
			// Dead path; an alternate live edge may still reach the step.
		default:
			return waitNotReady
		}
	}

	if hasLive {
		return readyToRun
	}
	return mustSkip
}

func (st *execState) edgeIsLiveLocked(e types.Edge) bool {
	for i, out := range st.graph.Outgoing(e.From) {
		if out.To == e.To && out.Condition == e.Condition {
			return st.edgeLive[edgeKey(e.From, i)]
		}
	}
	return false
}

// nextReady returns dispatchable steps in topological order.
func (st *execState) nextReady() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	var ready []string
	for _, stepID := range st.graph.Order() {
		if st.status[stepID] != types.StepStatusPending || st.dispatched[stepID] {
			continue
		}
		if st.readinessLocked(stepID) == readyToRun {
			ready = append(ready, stepID)
		}
	}
	return ready
}

// nextSkippable returns pending steps whose skip is already decided.
func (st *execState) nextSkippable() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	var skippable []string
	for _, stepID := range st.graph.Order() {
		if st.status[stepID] != types.StepStatusPending || st.dispatched[stepID] {
			continue
		}
		if st.readinessLocked(stepID) == mustSkip {
			skippable = append(skippable, stepID)
		}
	}
	return skippable
}

func (st *execState) markDispatched(stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dispatched[stepID] = true
}

// applySuccess records a completed step: outputs merge into the
// environment and the step's outgoing edges resolve.
func (st *execState) applySuccess(stepID string, outputs map[string]any, cost float64, tokens int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.status[stepID] = types.StepStatusCompleted
	if sr := st.stepRuns[stepID]; sr != nil {
		sr.Status = types.StepStatusCompleted
		sr.Outputs = outputs
		sr.Cost = cost
		sr.TokensUsed = tokens
	}
	for k, v := range outputs {
		st.env[k] = v
	}
	st.cost += cost
	st.tokens += tokens
	st.resolveOutgoingLocked(stepID)
}

func (st *execState) applyFailure(stepID, message string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.status[stepID] = types.StepStatusFailed
	if sr := st.stepRuns[stepID]; sr != nil {
		sr.Status = types.StepStatusFailed
		sr.ErrorMessage = message
	}
	if st.firstErr == "" {
		st.firstErr = fmt.Sprintf("step %s failed: %s", stepID, message)
	}
}

func (st *execState) applySkip(stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status[stepID] = types.StepStatusSkipped
	if sr := st.stepRuns[stepID]; sr != nil {
		sr.Status = types.StepStatusSkipped
	}
}

func (st *execState) markRunning(stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status[stepID] = types.StepStatusRunning
	if sr := st.stepRuns[stepID]; sr != nil {
		sr.Status = types.StepStatusRunning
	}
}

// resolveOutgoingLocked fixes the liveness of every edge leaving a
// completed step. Unconditional edges from a plain step are live; edges
// from a condition step follow the recorded boolean result; conditional
// edges evaluate their expression against the accumulated environment.
func (st *execState) resolveOutgoingLocked(stepID string) {
	step, ok := st.graph.Step(stepID)
	if !ok {
		return
	}

	condResult := true
	if step.Kind == types.StepKindCondition {
		if v, ok := st.env[stepID+"_result"].(bool); ok {
			condResult = v
		}
	}

	for i, e := range st.graph.Outgoing(stepID) {
		live := condResult
		if live && e.Condition != "" {
			v, err := st.graph.EvalCondition(e.Condition, st.env)
			// An unevaluable condition keeps the edge dead rather than
			// guessing; downstream steps skip instead of running on
			// undefined data.
			live = err == nil && v
		}
		st.edgeLive[edgeKey(stepID, i)] = live
	}
}

// envSnapshot returns a copy of the evaluation environment safe to hand
// to concurrently running capabilities.
func (st *execState) envSnapshot() map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]any, len(st.env))
	for k, v := range st.env {
		out[k] = v
	}
	return out
}

// allTerminal reports whether every step has reached a terminal status.
func (st *execState) allTerminal() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, stepID := range st.graph.Order() {
		if !st.status[stepID].Terminal() {
			return false
		}
	}
	return true
}

// unsettled returns steps still pending after dispatch stopped, in
// topological order.
func (st *execState) unsettled() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for _, stepID := range st.graph.Order() {
		if st.status[stepID] == types.StepStatusPending {
			out = append(out, stepID)
		}
	}
	return out
}

func (st *execState) stepRun(stepID string) *types.StepRun {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stepRuns[stepID]
}

func (st *execState) totals() (cost float64, tokens int64, firstErr string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cost, st.tokens, st.firstErr
}

func (st *execState) anyFailed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.status {
		if s == types.StepStatusFailed {
			return true
		}
	}
	return false
}
