package dag

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowmesh/pipeline/types"
)

// Graph is a validated pipeline DAG with a precomputed deterministic
// execution order and precompiled condition programs.
type Graph struct {
	steps     []types.StepDefinition
	byID      map[string]types.StepDefinition
	declIndex map[string]int
	outgoing  map[string][]types.Edge
	incoming  map[string][]types.Edge
	order     []string
	programs  map[string]*vm.Program
}

// Build validates the step/edge set and computes the execution order.
// It rejects duplicate step ids, edges referencing undeclared steps, and
// cycles. Conditional edges count for structural validation; their
// run-time liveness is the engine's concern.
func Build(steps []types.StepDefinition, edges []types.Edge) (*Graph, error) {
	if len(steps) == 0 {
		return nil, &EmptyPipelineError{}
	}

	g := &Graph{
		steps:     steps,
		byID:      make(map[string]types.StepDefinition, len(steps)),
		declIndex: make(map[string]int, len(steps)),
		outgoing:  make(map[string][]types.Edge),
		incoming:  make(map[string][]types.Edge),
		programs:  make(map[string]*vm.Program),
	}

	for i, step := range steps {
		if _, exists := g.byID[step.ID]; exists {
			return nil, &DuplicateStepError{StepID: step.ID}
		}
		if !step.Kind.Valid() {
			return nil, fmt.Errorf("step %s: unknown kind %q", step.ID, step.Kind)
		}
		g.byID[step.ID] = step
		g.declIndex[step.ID] = i
	}

	for _, edge := range edges {
		if _, ok := g.byID[edge.From]; !ok {
			return nil, &DanglingEdgeError{Edge: edge}
		}
		if _, ok := g.byID[edge.To]; !ok {
			return nil, &DanglingEdgeError{Edge: edge}
		}
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
		g.incoming[edge.To] = append(g.incoming[edge.To], edge)
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}

	if err := g.compileConditions(); err != nil {
		return nil, err
	}

	g.order = g.topoOrder()
	return g, nil
}

// detectCycle runs a structural acyclicity check over all edges,
// conditional or not. Remaining steps are trimmed from both ends so the
// reported set names only steps that actually lie on a cycle.
func (g *Graph) detectCycle() error {
	inDeg := make(map[string]int, len(g.steps))
	outDeg := make(map[string]int, len(g.steps))
	for _, step := range g.steps {
		inDeg[step.ID] = len(g.incoming[step.ID])
		outDeg[step.ID] = len(g.outgoing[step.ID])
	}

	remaining := make(map[string]bool, len(g.steps))
	for _, step := range g.steps {
		remaining[step.ID] = true
	}

	// Peel steps with no unresolved predecessors, then steps with no
	// unresolved successors. What survives lies on a cycle.
	for {
		removed := false
		for id := range remaining {
			if inDeg[id] == 0 {
				delete(remaining, id)
				for _, e := range g.outgoing[id] {
					inDeg[e.To]--
				}
				removed = true
			}
		}
		if !removed {
			break
		}
	}
	for {
		removed := false
		for id := range remaining {
			if outDeg[id] == 0 {
				delete(remaining, id)
				for _, e := range g.incoming[id] {
					if remaining[e.From] {
						outDeg[e.From]--
					}
				}
				removed = true
			}
		}
		if !removed {
			break
		}
	}

	if len(remaining) > 0 {
		cycle := make([]string, 0, len(remaining))
		// Report in declaration order for stable error output.
		for _, step := range g.steps {
			if remaining[step.ID] {
				cycle = append(cycle, step.ID)
			}
		}
		return &CycleError{Steps: cycle}
	}
	return nil
}

// topoOrder computes the stable topological order: in-degree counts only
// unconditional edges, and among ready steps the one with the lowest
// declaration index is selected. The order is therefore reproducible for
// a fixed pipeline version.
func (g *Graph) topoOrder() []string {
	inDeg := make(map[string]int, len(g.steps))
	for _, step := range g.steps {
		n := 0
		for _, e := range g.incoming[step.ID] {
			if e.Condition == "" {
				n++
			}
		}
		inDeg[step.ID] = n
	}

	done := make(map[string]bool, len(g.steps))
	order := make([]string, 0, len(g.steps))

	for len(order) < len(g.steps) {
		next := ""
		for _, step := range g.steps {
			if done[step.ID] || inDeg[step.ID] > 0 {
				continue
			}
			next = step.ID
			break
		}
		if next == "" {
			// Unreachable after detectCycle; guard against infinite loop.
			break
		}
		done[next] = true
		order = append(order, next)
		for _, e := range g.outgoing[next] {
			if e.Condition == "" {
				inDeg[e.To]--
			}
		}
	}
	return order
}

// compileConditions precompiles every edge condition and condition-step
// expression so malformed expressions fail at pipeline-creation time,
// never mid-run.
func (g *Graph) compileConditions() error {
	compile := func(src, where string) error {
		if src == "" {
			return nil
		}
		if _, ok := g.programs[src]; ok {
			return nil
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return fmt.Errorf("%s: invalid condition %q: %w", where, src, err)
		}
		g.programs[src] = program
		return nil
	}

	for _, edges := range g.outgoing {
		for _, e := range edges {
			if err := compile(e.Condition, fmt.Sprintf("edge %s -> %s", e.From, e.To)); err != nil {
				return err
			}
		}
	}
	for _, step := range g.steps {
		if step.Kind != types.StepKindCondition {
			continue
		}
		src, _ := step.Config["expression"].(string)
		if src == "" {
			return fmt.Errorf("condition step %s has no expression", step.ID)
		}
		if err := compile(src, fmt.Sprintf("step %s", step.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Order returns the deterministic topological execution order.
func (g *Graph) Order() []string { return g.order }

// Step returns the declaration of the given step id.
func (g *Graph) Step(id string) (types.StepDefinition, bool) {
	step, ok := g.byID[id]
	return step, ok
}

// Steps returns all step declarations in declaration order.
func (g *Graph) Steps() []types.StepDefinition { return g.steps }

// Outgoing returns the edges leaving the given step.
func (g *Graph) Outgoing(id string) []types.Edge { return g.outgoing[id] }

// Incoming returns the edges entering the given step.
func (g *Graph) Incoming(id string) []types.Edge { return g.incoming[id] }

// OrderIndex returns the step's position in the topological order.
func (g *Graph) OrderIndex(id string) int {
	for i, stepID := range g.order {
		if stepID == id {
			return i
		}
	}
	return -1
}

// EvalCondition evaluates a precompiled condition expression against the
// accumulated output environment.
func (g *Graph) EvalCondition(src string, env map[string]any) (bool, error) {
	program, ok := g.programs[src]
	if !ok {
		return false, fmt.Errorf("condition %q was not compiled", src)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", src, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not yield a boolean", src)
	}
	return result, nil
}
