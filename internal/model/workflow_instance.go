package model

import (
	"time"
)

// WorkflowInstance statuses.
const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
)

// WorkflowInstance is the persisted state row for one durable workflow
// execution. The instance id is chosen deterministically by the caller, so a
// duplicate start lands on the existing row instead of creating a second
// execution. Deadline, when set, wakes the instance via the engine's timer
// sweep. State holds the workflow-specific JSON snapshot. Version is the
// optimistic-concurrency counter: every transition saves conditionally on the
// version it read, so only one transition per instance can ever land.
type WorkflowInstance struct {
	InstanceID string     `json:"instance_id" gorm:"type:varchar(255);primaryKey"`
	Workflow   string     `json:"workflow" gorm:"type:varchar(64);not null"`
	Status     string     `json:"status" gorm:"type:varchar(32);not null;default:running;index:ix_wf_status_deadline,priority:1"`
	State      string     `json:"state" gorm:"type:text"`
	Deadline   *time.Time `json:"deadline" gorm:"index:ix_wf_status_deadline,priority:2"`
	Version    uint       `json:"version" gorm:"not null;default:0"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName specifies the table name for WorkflowInstance
func (WorkflowInstance) TableName() string {
	return "workflow_instances"
}
