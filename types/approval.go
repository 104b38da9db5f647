package types

import "time"

// Approval is a pending or decided gate tied to a run and a specific step.
// At most one approval may be pending per (runID, stepID); a decision is
// recorded exactly once.
type Approval struct {
	ID          string     `json:"id" gorm:"primaryKey;size:64"`
	RunID       string     `json:"runId" gorm:"size:64;index:idx_approvals_run_step"`
	StepID      string     `json:"stepId,omitempty" gorm:"size:255;index:idx_approvals_run_step"`
	RequestedBy string     `json:"requestedBy,omitempty" gorm:"size:255"`
	Decision    Decision   `json:"decision" gorm:"size:32"`
	Comment     string     `json:"comment,omitempty" gorm:"type:text"`
	ApproverID  string     `json:"approverId,omitempty" gorm:"size:64"`
	CreatedAt   time.Time  `json:"createdAt"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
}

// TableName sets the approvals table name.
func (Approval) TableName() string { return "approvals" }
