package dag

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/flowmesh/pipeline/types"
)

// genAcyclicGraph draws a random DAG by only allowing edges from a lower
// declaration index to a higher one.
func genAcyclicGraph(t *rapid.T) ([]types.StepDefinition, []types.Edge) {
	n := rapid.IntRange(1, 12).Draw(t, "steps")

	steps := make([]types.StepDefinition, n)
	for i := range steps {
		steps[i] = types.StepDefinition{ID: fmt.Sprintf("s%d", i), Kind: types.StepKindTool}
	}

	var edges []types.Edge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
				continue
			}
			e := types.Edge{From: steps[i].ID, To: steps[j].ID}
			if rapid.Bool().Draw(t, fmt.Sprintf("cond_%d_%d", i, j)) {
				e.Condition = "true"
			}
			edges = append(edges, e)
		}
	}
	return steps, edges
}

func TestProperty_TopologicalOrderRespectsUnconditionalEdges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		steps, edges := genAcyclicGraph(t)

		g, err := Build(steps, edges)
		if err != nil {
			t.Fatalf("acyclic graph rejected: %v", err)
		}

		order := g.Order()
		if len(order) != len(steps) {
			t.Fatalf("order has %d steps, want %d", len(order), len(steps))
		}

		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, e := range edges {
			if e.Condition != "" {
				continue
			}
			if pos[e.From] >= pos[e.To] {
				t.Fatalf("step %s (pos %d) ordered before its predecessor %s (pos %d)",
					e.To, pos[e.To], e.From, pos[e.From])
			}
		}
	})
}

func TestProperty_CycleAlwaysRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		steps, edges := genAcyclicGraph(t)
		if len(steps) < 2 {
			t.Skip("need at least two steps to close a cycle")
		}

		// Close a cycle over a random forward edge.
		i := rapid.IntRange(0, len(steps)-2).Draw(t, "cycle_from")
		j := rapid.IntRange(i+1, len(steps)-1).Draw(t, "cycle_to")
		edges = append(edges,
			types.Edge{From: steps[i].ID, To: steps[j].ID},
			types.Edge{From: steps[j].ID, To: steps[i].ID},
		)

		_, err := Build(steps, edges)
		cycleErr, ok := err.(*CycleError)
		if !ok {
			t.Fatalf("expected *CycleError, got %v", err)
		}
		if len(cycleErr.Steps) == 0 {
			t.Fatal("cycle error names no steps")
		}

		named := make(map[string]bool, len(cycleErr.Steps))
		for _, id := range cycleErr.Steps {
			named[id] = true
		}
		if !named[steps[i].ID] || !named[steps[j].ID] {
			t.Fatalf("cycle error %v does not name the injected cycle %s <-> %s",
				cycleErr.Steps, steps[i].ID, steps[j].ID)
		}
	})
}
