package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowmesh/pipeline/dag"
	"github.com/flowmesh/pipeline/types"
)

// Config tunes the execution engine.
type Config struct {
	// Concurrency bounds how many disjoint DAG branches run at once
	// within a single run.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// StepTimeout bounds a single capability invocation. Zero disables
	// the per-step deadline.
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`
	// DispatchRate limits step dispatches per second across the engine
	// to respect downstream capability rate limits. Zero means unlimited.
	DispatchRate float64 `yaml:"dispatch_rate" json:"dispatch_rate"`
	// DispatchBurst is the limiter burst size.
	DispatchBurst int `yaml:"dispatch_burst" json:"dispatch_burst"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		StepTimeout:   5 * time.Minute,
		DispatchRate:  0,
		DispatchBurst: 1,
	}
}

// Outcome summarizes where a run ended up after an engine pass.
type Outcome struct {
	RunID        string         `json:"runId"`
	Status       types.RunStatus `json:"status"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	// ApprovalID and PausedStepID are set when the pass suspended at an
	// approval gate.
	ApprovalID   string `json:"approvalId,omitempty"`
	PausedStepID string `json:"pausedStepId,omitempty"`
}

// Engine executes pipeline runs. One engine instance drives at most one
// pass per run at a time; different runs proceed concurrently.
type Engine struct {
	registry *Registry
	emitter  StatusEmitter
	ledger   Ledger
	config   Config
	logger   *zap.Logger
	observer Observer
	limiter  *rate.Limiter

	mu sync.Mutex
	// active maps run id to the cancel func of its in-flight pass.
	active map[string]context.CancelFunc

	// graphs caches validated DAGs per pipeline id; the validator is pure
	// and the order stable, so one build serves every run of a version.
	graphs sync.Map
}

// New creates an execution engine.
func New(registry *Registry, emitter StatusEmitter, ledger Ledger, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}

	limit := rate.Inf
	if config.DispatchRate > 0 {
		limit = rate.Limit(config.DispatchRate)
	}
	burst := config.DispatchBurst
	if burst <= 0 {
		burst = 1
	}

	return &Engine{
		registry: registry,
		emitter:  emitter,
		ledger:   ledger,
		config:   config,
		logger:   logger.With(zap.String("component", "engine")),
		limiter:  rate.NewLimiter(limit, burst),
		active:   make(map[string]context.CancelFunc),
	}
}

// SetObserver installs a metrics observer.
func (e *Engine) SetObserver(obs Observer) { e.observer = obs }

// Start begins or re-enters execution of a run. It is idempotent:
// starting a run this engine is already driving, or a terminal run,
// returns a conflict rather than re-executing anything. A run left in
// running by a crashed engine is picked up where the ledger says it
// stopped.
func (e *Engine) Start(ctx context.Context, runID string) (*Outcome, error) {
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		return nil, types.NewErrorf(types.ErrTerminalRun, "run %s is %s", runID, run.Status)
	}
	if run.Status == types.RunStatusNeedsApproval {
		return nil, types.NewErrorf(types.ErrApprovalPending, "run %s is awaiting approval", runID)
	}

	runCtx, ok := e.acquire(ctx, runID)
	if !ok {
		return nil, types.NewErrorf(types.ErrAlreadyRunning, "run %s is already being executed", runID)
	}
	defer e.release(runID)

	return e.execute(runCtx, run, "")
}

// Resume continues a run paused at an approval gate. The decision must
// already be recorded on the approval; a resume against a run that is
// not paused for this approval is rejected as a conflict.
func (e *Engine) Resume(ctx context.Context, runID, approvalID string) (*Outcome, error) {
	approval, err := e.ledger.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.RunID != runID {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "approval %s does not belong to run %s", approvalID, runID)
	}
	if !approval.Decision.Decided() {
		return nil, types.NewErrorf(types.ErrApprovalPending, "approval %s has no decision", approvalID)
	}

	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != types.RunStatusNeedsApproval {
		return nil, types.NewErrorf(types.ErrDuplicateResume, "run %s is %s, not awaiting approval", runID, run.Status)
	}

	runCtx, ok := e.acquire(ctx, runID)
	if !ok {
		return nil, types.NewErrorf(types.ErrAlreadyRunning, "run %s is already being executed", runID)
	}
	defer e.release(runID)

	if approval.Decision == types.DecisionRejected {
		return e.reject(runCtx, run, approval)
	}
	return e.execute(runCtx, run, approval.StepID)
}

// acquire registers the run as actively driven and derives the context
// the pass runs under.
func (e *Engine) acquire(ctx context.Context, runID string) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.active[runID]; running {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[runID] = cancel
	return runCtx, true
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
		delete(e.active, runID)
	}
}

// Cancel interrupts the in-flight pass for a run. Dispatch stops,
// in-flight capabilities observe the cancelled context, and the pass
// winds down as cancelled. Returns false when this engine is not
// driving the run.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.active[runID]
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) graphFor(p *types.Pipeline) (*dag.Graph, error) {
	if cached, ok := e.graphs.Load(p.ID); ok {
		return cached.(*dag.Graph), nil
	}
	g, err := dag.Build(p.Steps, p.Edges)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidPipeline, "pipeline failed validation").WithCause(err)
	}
	e.graphs.Store(p.ID, g)
	return g, nil
}

// stepEvent is the completion record a dispatched step sends back to the
// scheduling loop.
type stepEvent struct {
	stepID     string
	outputs    map[string]any
	cost       float64
	tokens     int64
	latencyMs  int64
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// execute runs the scheduling loop until the run completes, fails, or
// pauses at an approval gate. approvedStepID, when non-empty, names an
// approval step whose gate was just approved.
func (e *Engine) execute(ctx context.Context, run *types.Run, approvedStepID string) (*Outcome, error) {
	pipeline, err := e.ledger.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return nil, err
	}
	graph, err := e.graphFor(pipeline)
	if err != nil {
		return nil, err
	}
	rows, err := e.ledger.ListStepRuns(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	st := newExecState(graph, run, pipeline, rows)
	logger := e.logger.With(zap.String("run_id", run.ID), zap.String("pipeline_id", pipeline.ID))

	runStart := time.Now()
	if run.StartedAt != nil {
		runStart = *run.StartedAt
	}

	if approvedStepID != "" {
		e.completeApprovalStep(ctx, st, approvedStepID)
	}

	// Rows left running in the ledger belong to an interrupted pass;
	// fail the stale attempt so planAttempts opens a fresh one.
	for _, sr := range st.staleRunning() {
		now := time.Now()
		e.emitStep(ctx, types.StatusPatch{
			RunID:        run.ID,
			StepID:       sr.StepID,
			Attempt:      sr.Attempt,
			Status:       string(types.StepStatusFailed),
			ErrorMessage: types.StringPtr("attempt interrupted before completion"),
			FinishedAt:   types.TimePtr(now),
			EmittedAt:    now,
		})
		logger.Warn("recovering interrupted step",
			zap.String("step_id", sr.StepID),
			zap.Int("attempt", sr.Attempt),
		)
	}

	// Materialize pending step-run rows in topological order so the
	// ledger reflects the deterministic execution plan before anything
	// runs.
	for _, sr := range st.planAttempts() {
		if sr.ID == "" {
			sr.ID = uuid.NewString()
		}
		e.emitStep(ctx, types.StatusPatch{
			RunID:      run.ID,
			StepID:     sr.StepID,
			Attempt:    sr.Attempt,
			Status:     string(types.StepStatusPending),
			StepType:   sr.StepType,
			ToolUsed:   sr.ToolUsed,
			OrderIndex: types.IntPtr(sr.OrderIndex),
			EmittedAt:  time.Now(),
		})
	}

	e.emitRun(ctx, types.StatusPatch{
		RunID:     run.ID,
		Status:    string(types.RunStatusRunning),
		StartedAt: types.TimePtr(runStart),
		EmittedAt: time.Now(),
	})
	logger.Info("run execution started",
		zap.Int("steps", len(graph.Order())),
		zap.Bool("resumed", approvedStepID != "" || len(rows) > 0),
	)

	failFast := pipeline.Policies.FailPolicy != types.FailPolicyContinue

	events := make(chan stepEvent, e.config.Concurrency)
	var grp errgroup.Group
	grp.SetLimit(e.config.Concurrency)

	inflight := 0
	stopDispatch := false
	pausedStep := ""
	cancelled := false
	done := ctx.Done()

	for {
		// Resolve the skip cascade to a fixpoint before dispatching.
		for {
			skippable := st.nextSkippable()
			if len(skippable) == 0 {
				break
			}
			for _, stepID := range skippable {
				e.skipStep(ctx, st, stepID)
			}
		}

		if !stopDispatch && pausedStep == "" {
			if failFast && st.anyFailed() {
				stopDispatch = true
			} else {
				for _, stepID := range st.nextReady() {
					step, _ := graph.Step(stepID)

					if step.Kind == types.StepKindApproval {
						// Approval gates suspend the walk: nothing new is
						// dispatched; in-flight branches drain first.
						pausedStep = stepID
						st.markDispatched(stepID)
						break
					}
					if step.Kind == types.StepKindCondition {
						st.markDispatched(stepID)
						e.evalConditionStep(ctx, st, stepID, step)
						continue
					}

					dispatched := e.dispatch(ctx, &grp, st, stepID, step, events)
					if !dispatched {
						// Concurrency limit reached; retry after the next
						// completion frees a slot.
						break
					}
					inflight++
				}
			}
		}

		if inflight == 0 {
			if pausedStep != "" {
				return e.pause(ctx, st, runStart, pausedStep)
			}
			if len(st.nextReady()) == 0 && len(st.nextSkippable()) == 0 {
				break
			}
			if stopDispatch {
				break
			}
			continue
		}

		select {
		case evt := <-events:
			inflight--
			e.applyEvent(ctx, st, evt)
		case <-done:
			// Stop accepting new work; in-flight capabilities observe the
			// same context and wind down on their own.
			stopDispatch = true
			cancelled = true
			done = nil
		}
	}

	if ctx.Err() != nil {
		cancelled = true
	}

	// Whatever is still pending after dispatch stopped is collateral.
	for _, stepID := range st.unsettled() {
		e.skipStep(ctx, st, stepID)
	}

	return e.finish(ctx, st, runStart, cancelled, logger)
}

// dispatch hands a step to the worker group. Returns false when the
// concurrency limit is saturated.
func (e *Engine) dispatch(ctx context.Context, grp *errgroup.Group, st *execState, stepID string, step types.StepDefinition, events chan<- stepEvent) bool {
	env := st.envSnapshot()
	sr := st.stepRun(stepID)

	started := grp.TryGo(func() error {
		events <- e.invokeStep(ctx, st, step, sr, env)
		return nil
	})
	if started {
		st.markDispatched(stepID)
	}
	return started
}

// invokeStep resolves templates, checks tool policy, and calls the
// capability. Runs on a worker goroutine.
func (e *Engine) invokeStep(ctx context.Context, st *execState, step types.StepDefinition, sr *types.StepRun, env map[string]any) stepEvent {
	evt := stepEvent{stepID: step.ID, startedAt: time.Now()}

	if err := e.limiter.Wait(ctx); err != nil {
		evt.err = err
		evt.finishedAt = time.Now()
		return evt
	}

	resolved := ResolveTemplates(step.Config, env)
	st.markRunning(step.ID)
	e.emitStep(ctx, types.StatusPatch{
		RunID:     sr.RunID,
		StepID:    step.ID,
		Attempt:   sr.Attempt,
		Status:    string(types.StepStatusRunning),
		Inputs:    types.JSONMap(resolved),
		StartedAt: types.TimePtr(evt.startedAt),
		EmittedAt: time.Now(),
	})

	if step.Kind == types.StepKindTool {
		tool := step.Tool()
		if !st.pipeline.Policies.ToolAllowed(tool) {
			evt.err = types.NewErrorf(types.ErrToolNotAllowed, "tool %q is not allowed by policy", tool)
			evt.finishedAt = time.Now()
			return evt
		}
	}

	capability, err := e.registry.Resolve(step)
	if err != nil {
		evt.err = err
		evt.finishedAt = time.Now()
		return evt
	}

	invokeCtx := ctx
	if e.config.StepTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, e.config.StepTimeout)
		defer cancel()
	}

	result, err := capability.Invoke(invokeCtx, resolved)
	evt.finishedAt = time.Now()
	evt.latencyMs = evt.finishedAt.Sub(evt.startedAt).Milliseconds()

	if err != nil {
		evt.err = err
		return evt
	}

	evt.outputs = namespaceOutputs(step.ID, result.Outputs)
	evt.cost = result.Cost
	evt.tokens = result.TokensUsed
	if result.LatencyMs > 0 {
		evt.latencyMs = result.LatencyMs
	}
	return evt
}

// applyEvent folds a completion event into run state and emits the
// terminal step patch.
func (e *Engine) applyEvent(ctx context.Context, st *execState, evt stepEvent) {
	sr := st.stepRun(evt.stepID)
	seconds := evt.finishedAt.Sub(evt.startedAt).Seconds()

	if evt.err != nil {
		st.applyFailure(evt.stepID, evt.err.Error())
		e.emitStep(ctx, types.StatusPatch{
			RunID:        sr.RunID,
			StepID:       evt.stepID,
			Attempt:      sr.Attempt,
			Status:       string(types.StepStatusFailed),
			ErrorMessage: types.StringPtr(evt.err.Error()),
			LatencyMs:    types.Int64Ptr(evt.latencyMs),
			FinishedAt:   types.TimePtr(evt.finishedAt),
			EmittedAt:    time.Now(),
		})
		e.observeStep(sr.StepType, types.StepStatusFailed, seconds)
		e.logger.Warn("step failed",
			zap.String("run_id", sr.RunID),
			zap.String("step_id", evt.stepID),
			zap.Error(evt.err),
		)
		return
	}

	st.applySuccess(evt.stepID, evt.outputs, evt.cost, evt.tokens)
	e.emitStep(ctx, types.StatusPatch{
		RunID:      sr.RunID,
		StepID:     evt.stepID,
		Attempt:    sr.Attempt,
		Status:     string(types.StepStatusCompleted),
		Outputs:    types.JSONMap(evt.outputs),
		Cost:       types.Float64Ptr(evt.cost),
		TokensUsed: types.Int64Ptr(evt.tokens),
		LatencyMs:  types.Int64Ptr(evt.latencyMs),
		FinishedAt: types.TimePtr(evt.finishedAt),
		EmittedAt:  time.Now(),
	})
	e.observeStep(sr.StepType, types.StepStatusCompleted, seconds)
	if e.observer != nil {
		e.observer.UsageRecorded(evt.cost, evt.tokens)
	}
}

// evalConditionStep executes a condition step inline: no capability, no
// worker slot. The boolean result gates the step's outgoing edges.
func (e *Engine) evalConditionStep(ctx context.Context, st *execState, stepID string, step types.StepDefinition) {
	sr := st.stepRun(stepID)
	started := time.Now()
	st.markRunning(stepID)

	src, _ := step.Config["expression"].(string)
	result, err := st.graph.EvalCondition(src, st.envSnapshot())
	finished := time.Now()

	if err != nil {
		st.applyFailure(stepID, err.Error())
		e.emitStep(ctx, types.StatusPatch{
			RunID:        sr.RunID,
			StepID:       stepID,
			Attempt:      sr.Attempt,
			Status:       string(types.StepStatusFailed),
			ErrorMessage: types.StringPtr(err.Error()),
			StartedAt:    types.TimePtr(started),
			FinishedAt:   types.TimePtr(finished),
			EmittedAt:    time.Now(),
		})
		e.observeStep(types.StepKindCondition, types.StepStatusFailed, finished.Sub(started).Seconds())
		return
	}

	outputs := map[string]any{stepID + "_result": result}
	st.applySuccess(stepID, outputs, 0, 0)
	e.emitStep(ctx, types.StatusPatch{
		RunID:      sr.RunID,
		StepID:     stepID,
		Attempt:    sr.Attempt,
		Status:     string(types.StepStatusCompleted),
		Outputs:    types.JSONMap(outputs),
		StartedAt:  types.TimePtr(started),
		FinishedAt: types.TimePtr(finished),
		LatencyMs:  types.Int64Ptr(finished.Sub(started).Milliseconds()),
		EmittedAt:  time.Now(),
	})
	e.observeStep(types.StepKindCondition, types.StepStatusCompleted, finished.Sub(started).Seconds())
}

// skipStep marks a step unreachable for this run. Skipped steps carry no
// error; only the step that caused a failure does.
func (e *Engine) skipStep(ctx context.Context, st *execState, stepID string) {
	sr := st.stepRun(stepID)
	st.applySkip(stepID)
	if sr == nil {
		return
	}
	e.emitStep(ctx, types.StatusPatch{
		RunID:      sr.RunID,
		StepID:     stepID,
		Attempt:    sr.Attempt,
		Status:     string(types.StepStatusSkipped),
		FinishedAt: types.TimePtr(time.Now()),
		EmittedAt:  time.Now(),
	})
	e.observeStep(sr.StepType, types.StepStatusSkipped, 0)
}

// pause suspends the run at an approval gate: the gate's step run stays
// running, a pending approval is opened, and the run signals
// needs_approval. Resume rebuilds everything from the ledger.
func (e *Engine) pause(ctx context.Context, st *execState, runStart time.Time, stepID string) (*Outcome, error) {
	sr := st.stepRun(stepID)
	now := time.Now()
	st.markRunning(stepID)

	e.emitStep(ctx, types.StatusPatch{
		RunID:     sr.RunID,
		StepID:    stepID,
		Attempt:   sr.Attempt,
		Status:    string(types.StepStatusRunning),
		StartedAt: types.TimePtr(now),
		EmittedAt: now,
	})

	approvalID := uuid.NewString()
	requestedBy := ""
	if step, ok := st.graph.Step(stepID); ok {
		requestedBy, _ = step.Config["requestedBy"].(string)
	}
	if err := e.emitter.EmitApproval(ctx, types.ApprovalRequest{
		ApprovalID:  approvalID,
		RunID:       sr.RunID,
		StepID:      stepID,
		RequestedBy: requestedBy,
		EmittedAt:   now,
	}); err != nil {
		e.logger.Error("failed to emit approval request", zap.String("run_id", sr.RunID), zap.Error(err))
	}

	cost, tokens, _ := st.totals()
	e.emitRun(ctx, types.StatusPatch{
		RunID:      sr.RunID,
		Status:     string(types.RunStatusNeedsApproval),
		Cost:       types.Float64Ptr(cost),
		TokensUsed: types.Int64Ptr(tokens),
		LatencyMs:  types.Int64Ptr(time.Since(runStart).Milliseconds()),
		EmittedAt:  time.Now(),
	})

	e.logger.Info("run paused for approval",
		zap.String("run_id", sr.RunID),
		zap.String("step_id", stepID),
		zap.String("approval_id", approvalID),
	)

	return &Outcome{
		RunID:        sr.RunID,
		Status:       types.RunStatusNeedsApproval,
		ApprovalID:   approvalID,
		PausedStepID: stepID,
	}, nil
}

// completeApprovalStep records an approved gate as a completed step so
// traversal continues at its successors.
func (e *Engine) completeApprovalStep(ctx context.Context, st *execState, stepID string) {
	sr := st.stepRun(stepID)
	if sr == nil || sr.Status.Terminal() {
		return
	}
	now := time.Now()
	outputs := map[string]any{stepID + "_decision": string(types.DecisionApproved)}
	st.applySuccess(stepID, outputs, 0, 0)
	e.emitStep(ctx, types.StatusPatch{
		RunID:      sr.RunID,
		StepID:     stepID,
		Attempt:    sr.Attempt,
		Status:     string(types.StepStatusCompleted),
		Outputs:    types.JSONMap(outputs),
		FinishedAt: types.TimePtr(now),
		EmittedAt:  now,
	})
}

// reject terminates a run whose approval was rejected: the gate records
// the decision, every unexecuted step is skipped, and the run ends
// cancelled.
func (e *Engine) reject(ctx context.Context, run *types.Run, approval *types.Approval) (*Outcome, error) {
	pipeline, err := e.ledger.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return nil, err
	}
	graph, err := e.graphFor(pipeline)
	if err != nil {
		return nil, err
	}
	rows, err := e.ledger.ListStepRuns(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	st := newExecState(graph, run, pipeline, rows)
	now := time.Now()

	if sr := st.stepRun(approval.StepID); sr != nil && !sr.Status.Terminal() {
		outputs := map[string]any{approval.StepID + "_decision": string(types.DecisionRejected)}
		st.applySuccess(approval.StepID, outputs, 0, 0)
		e.emitStep(ctx, types.StatusPatch{
			RunID:      run.ID,
			StepID:     approval.StepID,
			Attempt:    sr.Attempt,
			Status:     string(types.StepStatusCompleted),
			Outputs:    types.JSONMap(outputs),
			FinishedAt: types.TimePtr(now),
			EmittedAt:  now,
		})
	}

	for _, stepID := range st.unsettled() {
		e.skipStep(ctx, st, stepID)
	}

	cost, tokens, _ := st.totals()
	e.emitRun(ctx, types.StatusPatch{
		RunID:      run.ID,
		Status:     string(types.RunStatusCancelled),
		Cost:       types.Float64Ptr(cost),
		TokensUsed: types.Int64Ptr(tokens),
		FinishedAt: types.TimePtr(now),
		EmittedAt:  now,
	})
	e.observeRun(types.RunStatusCancelled, 0)

	e.logger.Info("run cancelled by rejection",
		zap.String("run_id", run.ID),
		zap.String("approval_id", approval.ID),
	)

	return &Outcome{RunID: run.ID, Status: types.RunStatusCancelled}, nil
}

// finish emits the terminal run patch once every step settled.
func (e *Engine) finish(ctx context.Context, st *execState, runStart time.Time, cancelled bool, logger *zap.Logger) (*Outcome, error) {
	now := time.Now()
	cost, tokens, firstErr := st.totals()
	latency := now.Sub(runStart).Milliseconds()

	status := types.RunStatusCompleted
	errorMessage := ""
	switch {
	case cancelled:
		status = types.RunStatusCancelled
		errorMessage = "run cancelled"
	case st.anyFailed():
		status = types.RunStatusFailed
		errorMessage = firstErr
	case !st.allTerminal():
		// A run never completes while a step is unsettled.
		status = types.RunStatusFailed
		errorMessage = "run stopped before every step settled"
	}

	patch := types.StatusPatch{
		RunID:      st.run.ID,
		Status:     string(status),
		Cost:       types.Float64Ptr(cost),
		TokensUsed: types.Int64Ptr(tokens),
		LatencyMs:  types.Int64Ptr(latency),
		FinishedAt: types.TimePtr(now),
		EmittedAt:  now,
	}
	outputs := st.envSnapshot()
	if status == types.RunStatusCompleted {
		patch.Outputs = types.JSONMap(outputs)
	}
	if errorMessage != "" {
		patch.ErrorMessage = types.StringPtr(errorMessage)
	}
	e.emitRun(ctx, patch)
	e.observeRun(status, float64(latency)/1000)

	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Float64("cost", cost),
		zap.Int64("tokens_used", tokens),
		zap.Int64("latency_ms", latency),
	)

	outcome := &Outcome{
		RunID:        st.run.ID,
		Status:       status,
		ErrorMessage: errorMessage,
	}
	if status == types.RunStatusCompleted {
		outcome.Outputs = outputs
	}
	return outcome, nil
}

// Emissions outlive the caller's context: a cancelled run still has to
// land its terminal status on the sync channel.

func (e *Engine) emitRun(ctx context.Context, patch types.StatusPatch) {
	if err := e.emitter.EmitRun(context.WithoutCancel(ctx), patch); err != nil {
		e.logger.Error("failed to emit run status",
			zap.String("run_id", patch.RunID),
			zap.String("status", patch.Status),
			zap.Error(err),
		)
	}
}

func (e *Engine) emitStep(ctx context.Context, patch types.StatusPatch) {
	if err := e.emitter.EmitStep(context.WithoutCancel(ctx), patch); err != nil {
		e.logger.Error("failed to emit step status",
			zap.String("run_id", patch.RunID),
			zap.String("step_id", patch.StepID),
			zap.String("status", patch.Status),
			zap.Error(err),
		)
	}
}

func (e *Engine) observeRun(status types.RunStatus, seconds float64) {
	if e.observer != nil {
		e.observer.RunFinished(status, seconds)
	}
}

func (e *Engine) observeStep(kind types.StepKind, status types.StepStatus, seconds float64) {
	if e.observer != nil {
		e.observer.StepFinished(kind, status, seconds)
	}
}

// namespaceOutputs prefixes capability outputs with the step id so steps
// never clobber each other in the accumulated environment.
func namespaceOutputs(stepID string, outputs map[string]any) map[string]any {
	if outputs == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if strings.HasPrefix(k, stepID+"_") {
			out[k] = v
		} else {
			out[fmt.Sprintf("%s_%s", stepID, k)] = v
		}
	}
	return out
}
