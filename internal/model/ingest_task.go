package model

import (
	"time"
)

// IngestTask lifecycle states persisted in the queue table.
const (
	TaskStatusQueued    = "queued"
	TaskStatusLeased    = "leased"
	TaskStatusSucceeded = "succeeded"
	TaskStatusDead      = "dead"
)

// IngestTask is one queued unit of ingestion work: a single fetched message
// waiting to be persisted and dispatched. The queue gives at-least-once
// delivery with bounded retries; the ingestion path itself is idempotent, so
// redelivery is safe.
type IngestTask struct {
	ID          string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	AccountID   string     `json:"account_id" gorm:"type:varchar(64);not null;index"`
	Payload     string     `json:"payload" gorm:"type:mediumtext"`
	Status      string     `json:"status" gorm:"type:varchar(32);not null;default:queued;index:ix_status_next,priority:1"`
	Attempts    int        `json:"attempts" gorm:"default:0"`
	MaxAttempts int        `json:"max_attempts" gorm:"default:5"`
	NextRunAt   time.Time  `json:"next_run_at" gorm:"index:ix_status_next,priority:2"`
	LastError   string     `json:"last_error" gorm:"type:text"`
	LeasedAt    *time.Time `json:"leased_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName specifies the table name for IngestTask
func (IngestTask) TableName() string {
	return "ingest_tasks"
}
