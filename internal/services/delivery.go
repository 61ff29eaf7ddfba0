package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"lastwill/internal/models"

	"gorm.io/gorm"
)

// AttemptOutcome is what a single delivery attempt amounted to.
type AttemptOutcome string

const (
	// OutcomeSent: the transport confirmed delivery and the job is recorded sent.
	OutcomeSent AttemptOutcome = "sent"
	// OutcomeDuplicate: another attempt already owns this logical reminder.
	// Expected under concurrent invocation, logged at low severity, not an error.
	OutcomeDuplicate AttemptOutcome = "duplicate"
	// OutcomeTransportFailure: the pending record was committed but the send
	// failed; the job is marked failed and the caller routes to retry policy.
	OutcomeTransportFailure AttemptOutcome = "transport_failure"
)

// ErrPersistence marks a failure to record pending/sent state. Fatal for
// the attempt: the coordinator must never report success it could not
// durably record.
var ErrPersistence = errors.New("delivery state persistence failed")

// AttemptResult carries the outcome of one AttemptSend plus the transport
// result when a send was actually attempted.
type AttemptResult struct {
	Outcome AttemptOutcome
	Job     *models.ReminderJob
	Send    SendResult
}

// DeliveryCoordinator owns the pending→sent state machine. Its at-most-once
// guarantee does not come from reading before writing: the insert of the
// pending row is the serialization point, arbitrated by the partial unique
// index on (secret_id, kind, period_start). Losing that race is the normal
// signal that a concurrent caller owns the reminder.
type DeliveryCoordinator struct {
	db *gorm.DB
}

func NewDeliveryCoordinator(db *gorm.DB) *DeliveryCoordinator {
	return &DeliveryCoordinator{db: db}
}

// AttemptSend executes one delivery attempt:
//
//  1. Insert a pending ReminderJob. A unique-index conflict means someone
//     else is handling this reminder: return OutcomeDuplicate, no send.
//  2. Only after the pending row is durably committed, invoke the transport.
//     If the process dies between these steps the orphaned pending row is
//     itself the dedup signal for the next invocation.
//  3. Record the result: pending→sent with sentAt on success,
//     pending→failed on transport failure.
//
// Ordering within a logical reminder is enforced here, never by caller
// discipline. now is the driver's evaluation instant and becomes SentAt on
// success.
func (c *DeliveryCoordinator) AttemptSend(secretID string, kind models.ReminderKind, periodStart, scheduledFor, now time.Time, send SendFunc) (AttemptResult, error) {
	job := models.ReminderJob{
		SecretID:     secretID,
		Kind:         kind,
		PeriodStart:  periodStart,
		ScheduledFor: scheduledFor,
		Status:       models.ReminderPending,
	}

	if err := c.db.Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			log.Printf("Reminder %s/%s already claimed for this period, standing down", secretID, kind)
			return AttemptResult{Outcome: OutcomeDuplicate}, nil
		}
		return AttemptResult{}, fmt.Errorf("%w: creating pending record for %s/%s: %v", ErrPersistence, secretID, kind, err)
	}

	result := send()

	if !result.Success {
		if err := c.markFailed(&job); err != nil {
			// The failed transition is advisory; the pending row still blocks
			// concurrent duplicates, so log and carry on with the transport
			// outcome.
			log.Printf("Error: could not mark reminder job %s failed: %v", job.ID, err)
		}
		return AttemptResult{Outcome: OutcomeTransportFailure, Job: &job, Send: result}, nil
	}

	if err := c.markSent(&job, now); err != nil {
		return AttemptResult{Job: &job, Send: result},
			fmt.Errorf("%w: reminder %s/%s was delivered but could not be recorded sent: %v", ErrPersistence, secretID, kind, err)
	}

	return AttemptResult{Outcome: OutcomeSent, Job: &job, Send: result}, nil
}

func (c *DeliveryCoordinator) markSent(job *models.ReminderJob, now time.Time) error {
	if err := job.Transition(models.ReminderSent, now); err != nil {
		return err
	}
	return c.db.Model(job).
		Updates(map[string]interface{}{"status": models.ReminderSent, "sent_at": now}).Error
}

func (c *DeliveryCoordinator) markFailed(job *models.ReminderJob) error {
	if err := job.Transition(models.ReminderFailed, time.Now().UTC()); err != nil {
		return err
	}
	return c.db.Model(job).Update("status", models.ReminderFailed).Error
}
