package engine

import (
	"context"
	"sync"

	"github.com/flowmesh/pipeline/types"
)

// Result is what a capability invocation returns on success.
type Result struct {
	// Outputs are merged into the run's accumulated context, namespaced
	// by step id.
	Outputs map[string]any
	// Cost is the monetary cost of the invocation.
	Cost float64
	// TokensUsed is the total token usage of the invocation.
	TokensUsed int64
	// LatencyMs is the capability-reported latency. Zero means the engine
	// measures wall time itself.
	LatencyMs int64
}

// Capability executes one step kind. Implementations are opaque to the
// core: tools, LLM agents, external services. A capability receives the
// step's config after template resolution.
type Capability interface {
	Invoke(ctx context.Context, config map[string]any) (*Result, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, config map[string]any) (*Result, error)

// Invoke implements Capability.
func (f CapabilityFunc) Invoke(ctx context.Context, config map[string]any) (*Result, error) {
	return f(ctx, config)
}

// DefaultAgentName resolves agent steps that do not name an agent in
// their config.
const DefaultAgentName = "default"

// Registry resolves step definitions to capabilities. Tool steps resolve
// by tool name, agent steps by the optional "agent" config key.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Capability
	agents map[string]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Capability),
		agents: make(map[string]Capability),
	}
}

// RegisterTool registers a tool capability under the given name.
func (r *Registry) RegisterTool(name string, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = cap
}

// RegisterAgent registers an agent capability under the given name.
func (r *Registry) RegisterAgent(name string, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = cap
}

// Resolve returns the capability serving the given step. Approval and
// condition steps never resolve to a capability; the engine handles them
// itself.
func (r *Registry) Resolve(step types.StepDefinition) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch step.Kind {
	case types.StepKindTool:
		tool := step.Tool()
		cap, ok := r.tools[tool]
		if !ok {
			return nil, types.NewErrorf(types.ErrCapabilityGone, "tool %q is not registered", tool)
		}
		return cap, nil
	case types.StepKindAgent:
		name := DefaultAgentName
		if v, ok := step.Config["agent"].(string); ok && v != "" {
			name = v
		}
		cap, ok := r.agents[name]
		if !ok {
			return nil, types.NewErrorf(types.ErrCapabilityGone, "agent %q is not registered", name)
		}
		return cap, nil
	default:
		return nil, types.NewErrorf(types.ErrInternalError, "step kind %q has no capability", step.Kind)
	}
}
