package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EmailType categorizes a failed send for retry-budget purposes. Disclosure
// emails carry the highest retry ceiling since a missed one defeats the
// whole point of the service.
type EmailType string

const (
	EmailTypeReminder   EmailType = "reminder"
	EmailTypeDisclosure EmailType = "disclosure"
	EmailTypeVerify     EmailType = "verification"
	EmailTypeAdmin      EmailType = "admin_notification"
)

// EmailFailure is a dead-letter record: a delivery that failed and awaits
// either automated retry, operator retry, or operator resolution. ResolvedAt
// set means the record is history; unresolved records are the active queue.
type EmailFailure struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	EmailType    EmailType `gorm:"size:20;not null;index" json:"email_type"`
	Provider     string    `gorm:"size:30;not null;index" json:"provider"`
	Recipient    string    `gorm:"size:255;not null" json:"recipient"`
	Subject      string    `gorm:"size:255;not null" json:"subject"`
	ErrorMessage string    `gorm:"type:text;not null" json:"error_message"`
	// Classification is stamped from the structured send result when the
	// failure is recorded. Retry gating reads it back instead of re-parsing
	// provider error text, which may carry no recognizable keyword.
	Classification string         `gorm:"size:16" json:"classification,omitempty"`
	RetryCount     int            `gorm:"not null;default:0" json:"retry_count"`
	SecretID       string         `gorm:"size:36;index:idx_failure_logical" json:"secret_id,omitempty"`
	Kind           ReminderKind   `gorm:"size:16;index:idx_failure_logical" json:"kind,omitempty"`
	Details        datatypes.JSON `gorm:"type:json" json:"details,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	ResolvedAt     *time.Time     `gorm:"index" json:"resolved_at,omitempty"`
}

// OpenFailureIndex keeps at most one unresolved record per logical send, so
// concurrent recordings of the same failure collapse into a single row
// rather than forking the retry history. Resolved rows fall out of the
// index and stay behind for audit.
const OpenFailureIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_email_failure_open
ON email_failure (email_type, secret_id, kind, recipient, provider, subject)
WHERE resolved_at IS NULL`

// BeforeCreate hook assigns an ID
func (f *EmailFailure) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}

// Resolved reports whether the failure has been closed out.
func (f *EmailFailure) Resolved() bool {
	return f.ResolvedAt != nil
}
