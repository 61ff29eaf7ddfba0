package services

import (
	"encoding/json"
	"log"
	"time"

	"lastwill/internal/database"
	"lastwill/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReminderTransport is the slice of the email service the worker needs.
type ReminderTransport interface {
	SendCheckInReminder(secret models.Secret, kind models.ReminderKind) SendResult
}

// ReminderWorker is the periodic driver of the reminder subsystem. It is
// stateless across ticks: every decision is recomputed from the database,
// so overlapping invocations (several workers, or a slow tick overrunning
// the next) are safe, since the coordinator's unique index is
// the only mutual exclusion in play, never in-process state.
type ReminderWorker struct {
	db          *gorm.DB
	transport   ReminderTransport
	guard       *PeriodGuard
	coordinator *DeliveryCoordinator
	policy      *RetryPolicy
	deadLetters *DeadLetterStore

	interval        time.Duration
	cleanupInterval time.Duration
	retentionDays   int
	staleAfter      time.Duration
}

func NewReminderWorker() *ReminderWorker {
	return NewReminderWorkerWith(database.GetDB(), NewEmailService())
}

// NewReminderWorkerWith wires a worker over an explicit database handle and
// transport.
func NewReminderWorkerWith(db *gorm.DB, transport ReminderTransport) *ReminderWorker {
	policy := NewRetryPolicy()
	return &ReminderWorker{
		db:              db,
		transport:       transport,
		guard:           NewPeriodGuard(db),
		coordinator:     NewDeliveryCoordinator(db),
		policy:          policy,
		deadLetters:     NewDeadLetterStore(db, policy),
		interval:        time.Minute * 5, // Check every 5 minutes
		cleanupInterval: time.Hour * 24,
		retentionDays:   30,
		staleAfter:      time.Minute * 30,
	}
}

func (w *ReminderWorker) Start() {
	go w.run()
}

func (w *ReminderWorker) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	cleanup := time.NewTicker(w.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ticker.C:
			w.ProcessDueReminders(time.Now().UTC())
		case <-cleanup.C:
			w.runCleanup(time.Now().UTC())
		}
	}
}

// ProcessDueReminders runs one full evaluation pass at the given instant:
// enumerate subjects still ahead of their deadline and attempt every
// reminder kind that is due but unhandled.
func (w *ReminderWorker) ProcessDueReminders(now time.Time) {
	var secrets []models.Secret
	if err := w.db.Where("next_check_in > ?", now).Find(&secrets).Error; err != nil {
		log.Printf("Error: reminder poll failed: %v", err)
		return
	}

	for _, secret := range secrets {
		w.processSecret(secret, now)
	}
}

func (w *ReminderWorker) processSecret(secret models.Secret, now time.Time) {
	periodStart := secret.PeriodStart()

	for _, kind := range models.AllReminderKinds {
		scheduledFor := ComputeScheduledFor(kind, secret.NextCheckIn, secret.CheckInDays)

		if scheduledFor.After(now) {
			continue // not yet due
		}
		if scheduledFor.Before(periodStart) {
			continue // kind does not apply: offset is longer than the period
		}

		active, err := w.guard.HasActiveAttempt(secret.ID, kind, periodStart)
		if err != nil {
			// Fail closed: the guard already reported "active" above.
			log.Printf("Error: %v", err)
		}
		if active {
			continue
		}

		failure, err := w.deadLetters.ActiveFailure(secret.ID, kind)
		if err != nil {
			log.Printf("Error: %v", err)
			continue
		}
		if failure != nil && !w.retryEligible(failure, now) {
			continue
		}

		w.attempt(secret, kind, periodStart, scheduledFor, now, failure)
	}
}

// retryEligible gates automated retries: permanent and exhausted failures
// wait for an operator, transient ones wait out their backoff. The delay is
// honored by re-checking on later ticks, never by sleeping; no lock or
// transaction spans it.
func (w *ReminderWorker) retryEligible(failure *models.EmailFailure, now time.Time) bool {
	if w.policy.ClassifyFailure(failure) == FailurePermanent {
		return false
	}
	if w.policy.Exhausted(failure.EmailType, failure.RetryCount) {
		return false
	}
	nextEligible := failure.UpdatedAt.Add(w.policy.BackoffDelay(failure.RetryCount + 1))
	return !now.Before(nextEligible)
}

func (w *ReminderWorker) attempt(secret models.Secret, kind models.ReminderKind, periodStart, scheduledFor, now time.Time, failure *models.EmailFailure) {
	result, err := w.coordinator.AttemptSend(secret.ID, kind, periodStart, scheduledFor, now, func() SendResult {
		return w.transport.SendCheckInReminder(secret, kind)
	})
	if err != nil {
		// Persistence failures must never pass as success; the next tick
		// re-evaluates from whatever state actually committed.
		log.Printf("Error: %v", err)
		return
	}

	switch result.Outcome {
	case OutcomeSent:
		log.Printf("Sent %s reminder for secret %s", kind, secret.ID)
		if failure != nil {
			if _, err := w.deadLetters.MarkResolved(failure.ID); err != nil {
				log.Printf("Error: could not resolve failure %s after successful retry: %v", failure.ID, err)
			}
		}
	case OutcomeDuplicate:
		// Another invocation owns it; already logged at low severity.
	case OutcomeTransportFailure:
		w.recordFailure(secret, kind, result.Send)
	}
}

func (w *ReminderWorker) recordFailure(secret models.Secret, kind models.ReminderKind, send SendResult) {
	errMsg := "send failed"
	if send.Err != nil {
		errMsg = send.Err.Error()
	}

	details, _ := json.Marshal(map[string]interface{}{
		"status_code": send.StatusCode,
		"retryable":   send.Retryable,
	})
	class := w.policy.ClassifySend(send)

	recorded, err := w.deadLetters.Record(models.EmailFailure{
		EmailType:      models.EmailTypeReminder,
		Provider:       ProviderSendGrid,
		Recipient:      secret.OwnerEmail,
		Subject:        ReminderSubject(kind, secret.NextCheckIn),
		ErrorMessage:   errMsg,
		Classification: string(class),
		SecretID:       secret.ID,
		Kind:           kind,
		Details:        datatypes.JSON(details),
	})
	if err != nil {
		log.Printf("Error: could not dead-letter %s reminder for secret %s: %v", kind, secret.ID, err)
		return
	}

	switch {
	case class == FailurePermanent:
		log.Printf("Permanent send failure for secret %s kind %s, dead-lettered without retry: %s", secret.ID, kind, errMsg)
	case w.policy.Exhausted(recorded.EmailType, recorded.RetryCount):
		log.Printf("Retry budget exhausted for secret %s kind %s after %d attempts", secret.ID, kind, recorded.RetryCount)
	default:
		log.Printf("Transient send failure for secret %s kind %s (attempt %d): %s", secret.ID, kind, recorded.RetryCount+1, errMsg)
	}
}

// runCleanup prunes resolved dead letters past retention and releases
// pending jobs abandoned by a crashed invocation so their reminders can be
// retried.
func (w *ReminderWorker) runCleanup(now time.Time) {
	if deleted, err := w.deadLetters.Cleanup(w.retentionDays); err != nil {
		log.Printf("Error: dead-letter cleanup failed: %v", err)
	} else if deleted > 0 {
		log.Printf("Cleaned up %d resolved email failures", deleted)
	}

	if released, err := w.ReleaseStalePending(now); err != nil {
		log.Printf("Error: stale pending release failed: %v", err)
	} else if released > 0 {
		log.Printf("Released %d stale pending reminder jobs", released)
	}
}

// ReleaseStalePending marks pending jobs failed once they have sat
// unconfirmed well past any transport timeout. A crash between committing
// the pending row and recording the send result leaves such rows behind;
// until released they correctly block concurrent duplicates, and once
// released the normal retry path takes over.
func (w *ReminderWorker) ReleaseStalePending(now time.Time) (int64, error) {
	cutoff := now.Add(-w.staleAfter)
	res := w.db.Model(&models.ReminderJob{}).
		Where("status = ? AND updated_at < ?", models.ReminderPending, cutoff).
		Update("status", models.ReminderFailed)
	return res.RowsAffected, res.Error
}
