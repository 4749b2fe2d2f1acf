package model

import (
	"time"
)

// Suggestion lifecycle states.
const (
	SuggestionStatusPending  = "pending"
	SuggestionStatusApproved = "approved"
	SuggestionStatusRejected = "rejected"
	SuggestionStatusTimeout  = "timeout"
	SuggestionStatusFailed   = "failed"
)

// Suggestion is a proposed entity change that requires human approval before
// it is applied. One Suggestion maps to exactly one approval workflow
// instance, keyed by the suggestion id.
type Suggestion struct {
	ID             string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	Kind           string     `json:"kind" gorm:"type:varchar(64);not null"`
	Payload        string     `json:"payload" gorm:"type:text"`
	Confidence     float64    `json:"confidence"`
	Reasoning      string     `json:"reasoning" gorm:"type:text"`
	TriggerSource  string     `json:"trigger_source" gorm:"type:varchar(64)"`
	TriggerContent string     `json:"trigger_content" gorm:"type:text"`
	Status         string     `json:"status" gorm:"type:varchar(32);not null;default:pending;index"`
	ReviewerID     string     `json:"reviewer_id" gorm:"type:varchar(64)"`
	ReviewNote     string     `json:"review_note" gorm:"type:text"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Suggestion
func (Suggestion) TableName() string {
	return "suggestions"
}
