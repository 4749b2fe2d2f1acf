package model

import (
	"time"
)

// KVEntry is one row of the shared key/value store backing the per-account
// locks and fetch checkpoints. Atomicity of set-if-absent comes from the
// primary key constraint: a second INSERT for a live key is rejected.
type KVEntry struct {
	Key       string    `json:"key" gorm:"type:varchar(255);primaryKey"`
	Value     string    `json:"value" gorm:"type:varchar(255);not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for KVEntry
func (KVEntry) TableName() string {
	return "kv_entries"
}
