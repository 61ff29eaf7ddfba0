package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReminderKind identifies when a reminder fires relative to the check-in
// deadline. Fixed kinds are a constant duration before the deadline;
// proportional kinds are a fraction of the subject's full period.
type ReminderKind string

const (
	Reminder7Day  ReminderKind = "7day"
	Reminder3Day  ReminderKind = "3day"
	Reminder24Hr  ReminderKind = "24hour"
	Reminder1Hr   ReminderKind = "1hour"
	Reminder50Pct ReminderKind = "50percent" // fires halfway through the period
	Reminder25Pct ReminderKind = "25percent" // fires a quarter of the way through the period
)

// AllReminderKinds is ordered farthest-from-deadline first, which is the
// order the worker evaluates them in.
var AllReminderKinds = []ReminderKind{
	Reminder25Pct,
	Reminder50Pct,
	Reminder7Day,
	Reminder3Day,
	Reminder24Hr,
	Reminder1Hr,
}

// ReminderStatus is the delivery state of a ReminderJob.
type ReminderStatus string

const (
	ReminderPending ReminderStatus = "pending"
	ReminderSent    ReminderStatus = "sent"
	ReminderFailed  ReminderStatus = "failed"
)

// validTransitions: a job is created pending and moves exactly once, to
// sent or failed. Everything else is a bug in the caller.
var validTransitions = map[ReminderStatus][]ReminderStatus{
	ReminderPending: {ReminderSent, ReminderFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to ReminderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// ReminderJob is one attempted-or-completed reminder notification. The
// partial unique index over (secret_id, kind, period_start) for rows still
// in pending/sent status is the serialization point for the whole delivery
// subsystem: concurrent workers racing to create the same logical reminder
// are arbitrated by the database, not by application reads.
type ReminderJob struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	SecretID     string         `gorm:"size:36;not null;index:idx_reminder_secret" json:"secret_id"`
	Kind         ReminderKind   `gorm:"size:16;not null;index:idx_reminder_secret" json:"kind"`
	PeriodStart  time.Time      `gorm:"not null" json:"period_start"`
	ScheduledFor time.Time      `gorm:"not null" json:"scheduled_for"`
	Status       ReminderStatus `gorm:"size:10;not null" json:"status"`
	SentAt       *time.Time     `gorm:"index" json:"sent_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

// Transition validates and applies a status change. SentAt is only ever set
// on the transition to sent.
func (j *ReminderJob) Transition(to ReminderStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid reminder status transition %s -> %s", j.Status, to)
	}
	j.Status = to
	if to == ReminderSent {
		j.SentAt = &now
	}
	return nil
}

// ActiveReminderIndex is the partial unique index backing the at-most-once
// guarantee. AutoMigrate does not create partial indexes, so database init
// applies it explicitly. Failed rows fall out of the index, which is what
// lets an automated retry create a fresh record for the same period.
const ActiveReminderIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_reminder_job_active
ON reminder_job (secret_id, kind, period_start)
WHERE status IN ('pending','sent')`

// BeforeCreate assigns an ID and rejects jobs created in any status but pending
func (j *ReminderJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = ReminderPending
	}
	if j.Status != ReminderPending {
		return fmt.Errorf("reminder jobs must be created pending, got %s", j.Status)
	}
	return nil
}
