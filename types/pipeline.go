package types

import (
	"encoding/json"
	"time"
)

// StepKind identifies what a step does and which capability class serves it.
type StepKind string

const (
	// StepKindTool invokes a named tool capability.
	StepKindTool StepKind = "tool"
	// StepKindAgent invokes an LLM-backed agent capability.
	StepKindAgent StepKind = "agent"
	// StepKindApproval pauses the run until an external decision.
	StepKindApproval StepKind = "approval"
	// StepKindCondition evaluates an expression and gates outgoing edges.
	StepKindCondition StepKind = "condition"
)

// Valid reports whether the kind is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindTool, StepKindAgent, StepKindApproval, StepKindCondition:
		return true
	}
	return false
}

// StepDefinition is a single node of the pipeline DAG.
type StepDefinition struct {
	// ID is unique within the pipeline.
	ID string `json:"id" yaml:"id"`
	// Kind selects the capability class.
	Kind StepKind `json:"kind" yaml:"kind"`
	// Config is opaque to the core; it is template-resolved and handed to
	// the capability. Condition steps read their expression from
	// Config["expression"], tool steps their tool name from Config["tool"].
	Config JSONMap `json:"config,omitempty" yaml:"config,omitempty"`
}

// Tool returns the tool name a tool step resolves to. Falls back to the
// step id when the config does not name one.
func (s StepDefinition) Tool() string {
	if s.Config != nil {
		if tool, ok := s.Config["tool"].(string); ok && tool != "" {
			return tool
		}
	}
	return s.ID
}

// Edge is a directed dependency between two steps. A non-empty Condition
// is evaluated at run time against accumulated outputs to decide whether
// the edge is live for this run.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// FailPolicy controls how a step failure affects the rest of the run.
type FailPolicy string

const (
	// FailPolicyFailFast fails the run on the first step failure. Default.
	FailPolicyFailFast FailPolicy = "fail_fast"
	// FailPolicyContinue keeps executing disjoint branches; only steps
	// downstream of the failure are skipped.
	FailPolicyContinue FailPolicy = "continue"
)

// Policies are pipeline-level execution constraints.
type Policies struct {
	// AllowedTools restricts which tools a tool step may invoke.
	// Empty means all tools are allowed.
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowed_tools,omitempty"`
	// FailPolicy defaults to fail_fast when empty.
	FailPolicy FailPolicy `json:"failPolicy,omitempty" yaml:"fail_policy,omitempty"`
}

// ToolAllowed reports whether the policy permits invoking the named tool.
func (p Policies) ToolAllowed(tool string) bool {
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range p.AllowedTools {
		if allowed == tool {
			return true
		}
	}
	return false
}

// Pipeline is an immutable versioned DAG definition.
type Pipeline struct {
	ID           string           `json:"id" gorm:"primaryKey;size:64"`
	TenantID     string           `json:"tenantId" gorm:"size:64;index:idx_pipelines_tenant_name_version,unique"`
	Name         string           `json:"name" gorm:"size:255;index:idx_pipelines_tenant_name_version,unique"`
	Version      int              `json:"version" gorm:"index:idx_pipelines_tenant_name_version,unique"`
	InputSchema  json.RawMessage  `json:"inputSchema,omitempty" gorm:"type:text"`
	OutputSchema json.RawMessage  `json:"outputSchema,omitempty" gorm:"type:text"`
	Steps        []StepDefinition `json:"steps" gorm:"serializer:json;type:text"`
	Edges        []Edge           `json:"edges" gorm:"serializer:json;type:text"`
	Policies     Policies         `json:"policies,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// TableName sets the pipelines table name.
func (Pipeline) TableName() string { return "pipelines" }
