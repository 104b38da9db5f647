package types

import "time"

// Run is one execution attempt of one pipeline version against one input
// payload. The execution engine owns the in-flight copy while the run is
// running; the run state store is the durable record at all other times.
type Run struct {
	ID           string     `json:"id" gorm:"primaryKey;size:64"`
	PipelineID   string     `json:"pipelineId" gorm:"size:64;index"`
	Status       RunStatus  `json:"status" gorm:"size:32;index"`
	Inputs       JSONMap    `json:"inputs,omitempty" gorm:"type:text"`
	Outputs      JSONMap    `json:"outputs,omitempty" gorm:"type:text"`
	Cost         float64    `json:"cost"`
	TokensUsed   int64      `json:"tokensUsed"`
	LatencyMs    int64      `json:"latencyMs"`
	ErrorMessage string     `json:"errorMessage,omitempty" gorm:"type:text"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TableName sets the runs table name.
func (Run) TableName() string { return "runs" }

// StepRun is the execution record of one DAG step within one run. Step
// runs form an append-only ledger: a retried step gets a new row with an
// incremented attempt rather than an overwrite.
type StepRun struct {
	ID           string     `json:"id" gorm:"primaryKey;size:64"`
	RunID        string     `json:"runId" gorm:"size:64;index;uniqueIndex:idx_step_runs_run_step_attempt"`
	StepID       string     `json:"stepId" gorm:"size:255;uniqueIndex:idx_step_runs_run_step_attempt"`
	Attempt      int        `json:"attempt" gorm:"uniqueIndex:idx_step_runs_run_step_attempt"`
	StepType     StepKind   `json:"stepType" gorm:"size:32"`
	ToolUsed     string     `json:"toolUsed,omitempty" gorm:"size:255"`
	Status       StepStatus `json:"status" gorm:"size:32"`
	Inputs       JSONMap    `json:"inputs,omitempty" gorm:"type:text"`
	Outputs      JSONMap    `json:"outputs,omitempty" gorm:"type:text"`
	Cost         float64    `json:"cost"`
	TokensUsed   int64      `json:"tokensUsed"`
	LatencyMs    int64      `json:"latencyMs"`
	ErrorMessage string     `json:"errorMessage,omitempty" gorm:"type:text"`
	OrderIndex   int        `json:"orderIndex"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TableName sets the step_runs table name.
func (StepRun) TableName() string { return "step_runs" }
