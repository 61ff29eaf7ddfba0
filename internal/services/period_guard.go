package services

import (
	"fmt"
	"time"

	"lastwill/internal/models"

	"gorm.io/gorm"
)

// PeriodGuard answers whether a reminder of a given kind has already gone
// out during a subject's current check-in period. The period boundary is
// recomputed by the caller from the subject's live lastCheckIn on every
// evaluation, so a fresh check-in immediately voids prior send history.
type PeriodGuard struct {
	db *gorm.DB
}

func NewPeriodGuard(db *gorm.DB) *PeriodGuard {
	return &PeriodGuard{db: db}
}

// HasBeenSentInCurrentPeriod reports whether a sent reminder exists for
// (secretID, kind) with sentAt at or after periodStart. The boundary is
// inclusive: a reminder sent exactly at the period start belongs to the new
// period.
//
// On a read failure the guard fails closed: it reports true ("already
// sent") and returns the error for the caller's logging path. Suppressing a
// reminder during a transient outage is recoverable on the next tick; a
// duplicate email is not.
func (g *PeriodGuard) HasBeenSentInCurrentPeriod(secretID string, kind models.ReminderKind, periodStart time.Time) (bool, error) {
	var count int64
	err := g.db.Model(&models.ReminderJob{}).
		Where("secret_id = ? AND kind = ? AND status = ? AND sent_at >= ?",
			secretID, kind, models.ReminderSent, periodStart).
		Count(&count).Error
	if err != nil {
		return true, fmt.Errorf("period guard read failed for secret %s kind %s: %w", secretID, kind, err)
	}
	return count > 0, nil
}

// HasActiveAttempt extends the sent check with in-flight pending records for
// the same period: a committed pending row means another worker (or a
// crashed prior invocation) owns this reminder, and a concurrent attempt
// must stand down. Same fail-closed behavior on read errors.
func (g *PeriodGuard) HasActiveAttempt(secretID string, kind models.ReminderKind, periodStart time.Time) (bool, error) {
	var count int64
	err := g.db.Model(&models.ReminderJob{}).
		Where("secret_id = ? AND kind = ?", secretID, kind).
		Where("(status = ? AND sent_at >= ?) OR (status = ? AND period_start = ?)",
			models.ReminderSent, periodStart, models.ReminderPending, periodStart).
		Count(&count).Error
	if err != nil {
		return true, fmt.Errorf("period guard read failed for secret %s kind %s: %w", secretID, kind, err)
	}
	return count > 0, nil
}
