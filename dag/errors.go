package dag

import (
	"fmt"
	"strings"

	"github.com/flowmesh/pipeline/types"
)

// CycleError reports that the step/edge set contains a cycle. Steps lists
// the ids left unresolved by the topological walk; every one of them lies
// on or downstream of a cycle.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("pipeline contains a cycle involving steps: %s", strings.Join(e.Steps, ", "))
}

// DanglingEdgeError reports an edge whose endpoint references no declared step.
type DanglingEdgeError struct {
	Edge types.Edge
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s -> %s references an undeclared step", e.Edge.From, e.Edge.To)
}

// DuplicateStepError reports a step id declared more than once.
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step id: %s", e.StepID)
}

// EmptyPipelineError reports a pipeline with no steps.
type EmptyPipelineError struct{}

func (e *EmptyPipelineError) Error() string {
	return "pipeline declares no steps"
}
