package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recipient is a person a secret is disclosed to when its owner stops
// checking in.
type Recipient struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

// Secret is a check-in subject. The reminder subsystem only reads the
// scheduling fields (CheckInDays, LastCheckIn, NextCheckIn); the payload is
// owned by the secret store and is encrypted before it ever reaches the
// database.
type Secret struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	OwnerName        string         `gorm:"size:100;not null" json:"owner_name"`
	OwnerEmail       string         `gorm:"size:255;not null;index" json:"owner_email"`
	Recipients       datatypes.JSON `gorm:"type:json;not null" json:"recipients"`
	EncryptedPayload string         `gorm:"type:text;not null" json:"-"`
	CheckInDays      int            `gorm:"not null" json:"check_in_days"`
	LastCheckIn      time.Time      `gorm:"not null" json:"last_check_in"`
	NextCheckIn      time.Time      `gorm:"not null;index" json:"next_check_in"`
	CreatedAt        time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null" json:"updated_at"`
}

// BeforeCreate hook assigns an ID and derives the first deadline
func (s *Secret) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.LastCheckIn.IsZero() {
		s.LastCheckIn = now
	}
	if s.NextCheckIn.IsZero() {
		s.NextCheckIn = s.LastCheckIn.Add(time.Duration(s.CheckInDays) * 24 * time.Hour)
	}
	return nil
}

// CheckIn advances the check-in window from the given instant. The next
// deadline is a fixed-duration offset, not calendar days, so a period is
// always CheckInDays*24h long regardless of DST transitions.
func (s *Secret) CheckIn(now time.Time) {
	s.LastCheckIn = now
	s.NextCheckIn = now.Add(time.Duration(s.CheckInDays) * 24 * time.Hour)
}

// PeriodStart returns the start of the current check-in period. Reminder
// dedup history before this instant is void: a fresh check-in moves the
// boundary forward and prior sends no longer count.
func (s *Secret) PeriodStart() time.Time {
	return s.LastCheckIn
}

// PeriodLength returns the full length of the check-in period.
func (s *Secret) PeriodLength() time.Duration {
	return time.Duration(s.CheckInDays) * 24 * time.Hour
}
