package model

import (
	"time"

	"gorm.io/gorm"
)

// Transport identifies how a mailbox account is fetched.
const (
	TransportIMAP  = "imap"
	TransportGmail = "gmail"
)

// Account represents one mailbox account configuration. Accounts are
// administered externally; the pipeline only reads them.
type Account struct {
	ID           string         `json:"id" gorm:"type:varchar(64);primaryKey"`
	Name         string         `json:"name" gorm:"type:varchar(255);not null;uniqueIndex"`
	Transport    string         `json:"transport" gorm:"type:varchar(32);not null"` // imap, gmail
	IMAPHost     string         `json:"imap_host" gorm:"type:varchar(255)"`
	IMAPPort     int            `json:"imap_port"`
	IMAPUser     string         `json:"imap_user" gorm:"type:varchar(255)"`
	IMAPPassword string         `json:"-" gorm:"type:varchar(255)"`
	GmailUser    string         `json:"gmail_user" gorm:"type:varchar(255)"`
	RefreshToken string         `json:"-" gorm:"type:text"`
	Folder       string         `json:"folder" gorm:"type:varchar(255);default:INBOX"`
	Enabled      bool           `json:"enabled" gorm:"default:true"`
	MarkAsRead   bool           `json:"mark_as_read" gorm:"default:false"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for Account
func (Account) TableName() string {
	return "accounts"
}
