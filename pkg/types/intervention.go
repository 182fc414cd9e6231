package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks an intervention task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskResolved   TaskStatus = "resolved"
	TaskDismissed  TaskStatus = "dismissed"
	TaskEscalated  TaskStatus = "escalated"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskResolved || s == TaskDismissed
}

// ErrorReport captures the failure an intervention task was raised for.
type ErrorReport struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Component  string    `json:"component"`
	Source     string    `json:"source,omitempty"` // document path or conversation id
	OccurredAt time.Time `json:"occurred_at"`
}

// InterventionTask is a persisted record of a non-recoverable failure that
// needs human attention.
type InterventionTask struct {
	ID              string      `json:"id"`
	Report          ErrorReport `json:"report"`
	Priority        Priority    `json:"priority"`
	Status          TaskStatus  `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	AssignedTo      string      `json:"assigned_to,omitempty"`
	Notes           []string    `json:"notes,omitempty"`
	ResolutionSteps []string    `json:"resolution_steps,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
}

// NewInterventionTask creates a pending task for a failure report.
func NewInterventionTask(report ErrorReport, priority Priority) *InterventionTask {
	return &InterventionTask{
		ID:        uuid.New().String(),
		Report:    report,
		Priority:  priority,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
	}
}
