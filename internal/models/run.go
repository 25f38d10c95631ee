package models

import "time"

type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
)

// Run is one named execution attempt over an expanded configuration set.
// The ID is supplied by the operator and binds a restarted process to its
// previously recorded outcomes.
type Run struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	SpecPath     string     `json:"spec_path"`
	SpecHash     string     `json:"spec_hash"`
	Seed         int64      `json:"seed"`
	Status       RunStatus  `json:"status"`
	TotalPlanned int        `json:"total_planned"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	PID          *int       `json:"pid,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Resolved is the number of configurations that have an outcome.
func (r *Run) Resolved() int {
	return r.Completed + r.Failed
}

// Remaining never goes negative even if the plan shrank between invocations.
func (r *Run) Remaining() int {
	if n := r.TotalPlanned - r.Resolved(); n > 0 {
		return n
	}
	return 0
}
