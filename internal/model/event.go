package model

import (
	"time"
)

// Event lifecycle states.
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
)

// Event source types.
const (
	EventSourceEmail = "email"
)

// Event is the canonical business event derived from a RawMessage. The
// idempotency key is a deterministic function of the source and the natural
// message id, so dispatching the same source message twice can never create
// a second Event.
type Event struct {
	ID              string            `json:"id" gorm:"type:varchar(64);primaryKey"`
	IdempotencyKey  string            `json:"idempotency_key" gorm:"type:varchar(320);not null;uniqueIndex"`
	Type            string            `json:"type" gorm:"type:varchar(64);not null"`
	Source          string            `json:"source" gorm:"type:varchar(64);not null"`
	Subject         string            `json:"subject" gorm:"type:varchar(998)"`
	Content         string            `json:"content" gorm:"type:text"`
	Sender          string            `json:"sender" gorm:"type:varchar(255)"`
	Status          string            `json:"status" gorm:"type:varchar(32);not null;default:pending;index"`
	Intent          string            `json:"intent" gorm:"type:varchar(64)"`
	IntentScore     float64           `json:"intent_score"`
	IntentReasoning string            `json:"intent_reasoning" gorm:"type:text"`
	WorkflowRef     string            `json:"workflow_ref" gorm:"type:varchar(255)"`
	Metadata        map[string]string `json:"metadata" gorm:"serializer:json;type:text"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName specifies the table name for Event
func (Event) TableName() string {
	return "events"
}
