package model

import (
	"time"
)

// AttachmentRef points at one stored attachment blob.
type AttachmentRef struct {
	Filename   string `json:"filename"`
	MIMEType   string `json:"mime_type"`
	StorageRef string `json:"storage_ref"`
	Size       int    `json:"size"`
}

// RawMessage is the immutable persisted record of one fetched mail message.
// The (account_id, natural_message_id) pair is the correctness boundary for
// dedupe: a message is persisted at most once no matter how often the queue
// redelivers it. Only Processed and EventID are ever mutated.
type RawMessage struct {
	ID               string          `json:"id" gorm:"type:varchar(64);primaryKey"`
	AccountID        string          `json:"account_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_account_natural,priority:1"`
	NaturalMessageID string          `json:"natural_message_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_account_natural,priority:2"`
	Subject          string          `json:"subject" gorm:"type:varchar(998)"`
	Sender           string          `json:"sender" gorm:"type:varchar(255)"`
	Recipients       []string        `json:"recipients" gorm:"serializer:json;type:text"`
	ReceivedAt       time.Time       `json:"received_at"`
	StorageRef       string          `json:"storage_ref" gorm:"type:varchar(255)"`
	Attachments      []AttachmentRef `json:"attachments" gorm:"serializer:json;type:text"`
	Processed        bool            `json:"processed" gorm:"default:false;index"`
	EventID          *string         `json:"event_id" gorm:"type:varchar(64)"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TableName specifies the table name for RawMessage
func (RawMessage) TableName() string {
	return "raw_messages"
}
