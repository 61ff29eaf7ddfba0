package services

import (
	"errors"
	"fmt"
	"time"

	"lastwill/internal/models"

	"gorm.io/gorm"
)

// ErrFailureResolved is returned when an operator retries a failure that
// has already been closed out.
var ErrFailureResolved = errors.New("email failure is already resolved")

// ResendFunc recomposes and sends the email a failure record describes.
// The store decides whether it may be invoked; it never retries implicitly.
type ResendFunc func(failure models.EmailFailure) SendResult

// RetryOutcome is the result of one operator-triggered retry.
type RetryOutcome struct {
	Success   bool `json:"success"`
	Permanent bool `json:"permanent,omitempty"`
	Exhausted bool `json:"exhausted,omitempty"`
}

// BatchRetryError pairs a failure id with whatever went wrong retrying it.
type BatchRetryError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchRetryResult summarizes a batch of independent manual retries.
type BatchRetryResult struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Errors     []BatchRetryError `json:"errors,omitempty"`
}

// FailureQuery filters the dead-letter queue for the operator surface.
type FailureQuery struct {
	EmailType      models.EmailType
	Provider       string
	UnresolvedOnly bool
}

// DeadLetterStore is the durable queue of exhausted and unretryable send
// failures. All its side effects are confined to the email_failure table
// plus, for explicit retries, the transport.
type DeadLetterStore struct {
	db     *gorm.DB
	policy *RetryPolicy
}

func NewDeadLetterStore(db *gorm.DB, policy *RetryPolicy) *DeadLetterStore {
	return &DeadLetterStore{db: db, policy: policy}
}

// Record persists a failed delivery attempt. If an unresolved failure for
// the same logical send already exists its retry count is incremented (up
// to the email type's ceiling) and the error text refreshed; otherwise a
// new record is created with a zero retry count.
func (s *DeadLetterStore) Record(failure models.EmailFailure) (*models.EmailFailure, error) {
	existing, err := s.findUnresolved(failure)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		err := s.db.Create(&failure).Error
		if err == nil {
			return &failure, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("failed to record email failure: %w", err)
		}
		// Lost an insert race to a concurrent recording of the same logical
		// send; the open-failure index arbitrated, fold into the winner.
		if existing, err = s.findUnresolved(failure); err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("failed to record email failure: open record vanished mid-recording")
		}
	}

	updates := map[string]interface{}{
		"error_message": failure.ErrorMessage,
	}
	if failure.Classification != "" {
		updates["classification"] = failure.Classification
		existing.Classification = failure.Classification
	}
	if failure.Details != nil {
		updates["details"] = failure.Details
	}
	if existing.RetryCount < s.policy.RetryLimit(existing.EmailType) {
		updates["retry_count"] = existing.RetryCount + 1
		existing.RetryCount++
	}
	if err := s.db.Model(existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update email failure %s: %w", existing.ID, err)
	}
	existing.ErrorMessage = failure.ErrorMessage
	return existing, nil
}

// findUnresolved locates an open failure for the same logical send: by
// (secret, kind) for reminder-bound failures, by (recipient, subject,
// provider) otherwise.
func (s *DeadLetterStore) findUnresolved(failure models.EmailFailure) (*models.EmailFailure, error) {
	query := s.db.Where("email_type = ? AND resolved_at IS NULL", failure.EmailType)
	if failure.SecretID != "" && failure.Kind != "" {
		query = query.Where("secret_id = ? AND kind = ?", failure.SecretID, failure.Kind)
	} else {
		query = query.Where("recipient = ? AND subject = ? AND provider = ?",
			failure.Recipient, failure.Subject, failure.Provider)
	}

	var existing models.EmailFailure
	if err := query.First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up existing email failure: %w", err)
	}
	return &existing, nil
}

// ActiveFailure returns the open failure for a reminder's logical send, or
// nil if the reminder has no failure history this cycle cares about.
func (s *DeadLetterStore) ActiveFailure(secretID string, kind models.ReminderKind) (*models.EmailFailure, error) {
	var failure models.EmailFailure
	err := s.db.Where("secret_id = ? AND kind = ? AND resolved_at IS NULL", secretID, kind).
		First(&failure).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up active failure for %s/%s: %w", secretID, kind, err)
	}
	return &failure, nil
}

// Query lists failures matching the given filters, newest first.
func (s *DeadLetterStore) Query(q FailureQuery) ([]models.EmailFailure, error) {
	query := s.db.Model(&models.EmailFailure{})
	if q.EmailType != "" {
		query = query.Where("email_type = ?", q.EmailType)
	}
	if q.Provider != "" {
		query = query.Where("provider = ?", q.Provider)
	}
	if q.UnresolvedOnly {
		query = query.Where("resolved_at IS NULL")
	}

	var failures []models.EmailFailure
	if err := query.Order("created_at DESC").Find(&failures).Error; err != nil {
		return nil, fmt.Errorf("failed to query email failures: %w", err)
	}
	return failures, nil
}

// ManualRetry runs one operator-triggered retry, synchronously and outside
// the backoff schedule. Failures classified permanent, or already at their
// retry ceiling, are rejected without touching the transport; the operator
// is told which gate closed.
func (s *DeadLetterStore) ManualRetry(id string, resend ResendFunc) (RetryOutcome, error) {
	var failure models.EmailFailure
	if err := s.db.First(&failure, "id = ?", id).Error; err != nil {
		return RetryOutcome{}, err
	}
	if failure.Resolved() {
		return RetryOutcome{}, ErrFailureResolved
	}

	if s.policy.ClassifyFailure(&failure) == FailurePermanent {
		return RetryOutcome{Permanent: true}, nil
	}
	if s.policy.Exhausted(failure.EmailType, failure.RetryCount) {
		return RetryOutcome{Exhausted: true}, nil
	}

	result := resend(failure)
	if result.Success {
		// Success with a non-nil error means the email went out but the
		// record could not be closed. Callers must not treat that as a
		// failed retry: retrying again would send a duplicate.
		if _, err := s.MarkResolved(failure.ID); err != nil {
			return RetryOutcome{Success: true}, err
		}
		return RetryOutcome{Success: true}, nil
	}

	errMsg := "send failed"
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	updates := map[string]interface{}{
		"retry_count":    failure.RetryCount + 1,
		"error_message":  errMsg,
		"classification": string(s.policy.ClassifySend(result)),
	}
	if err := s.db.Model(&failure).Updates(updates).Error; err != nil {
		return RetryOutcome{}, fmt.Errorf("failed to record retry attempt for %s: %w", failure.ID, err)
	}
	return RetryOutcome{}, nil
}

// BatchRetry applies ManualRetry to each id independently: one id failing
// does not abort the rest.
func (s *DeadLetterStore) BatchRetry(ids []string, resend ResendFunc) BatchRetryResult {
	result := BatchRetryResult{Total: len(ids)}
	for _, id := range ids {
		outcome, err := s.ManualRetry(id, resend)
		switch {
		case outcome.Success:
			// Counts as sent even if resolution failed afterwards; the
			// leftover error is surfaced so the operator closes the record
			// by hand instead of retrying into a duplicate send.
			result.Successful++
			if err != nil {
				result.Errors = append(result.Errors, BatchRetryError{
					ID: id, Error: "sent, but the record could not be marked resolved: " + err.Error()})
			}
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, BatchRetryError{ID: id, Error: err.Error()})
		case outcome.Permanent:
			result.Failed++
			result.Errors = append(result.Errors, BatchRetryError{ID: id, Error: "failure is classified permanent"})
		case outcome.Exhausted:
			result.Failed++
			result.Errors = append(result.Errors, BatchRetryError{ID: id, Error: "retry budget exhausted"})
		default:
			result.Failed++
			result.Errors = append(result.Errors, BatchRetryError{ID: id, Error: "send failed"})
		}
	}
	return result
}

// MarkResolved closes a failure without attempting delivery, for operators
// who fixed the underlying issue out of band. Idempotent: resolving a
// resolved failure leaves its ResolvedAt untouched.
func (s *DeadLetterStore) MarkResolved(id string) (*models.EmailFailure, error) {
	var failure models.EmailFailure
	if err := s.db.First(&failure, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if failure.Resolved() {
		return &failure, nil
	}

	now := time.Now().UTC()
	if err := s.db.Model(&failure).Update("resolved_at", now).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve email failure %s: %w", id, err)
	}
	failure.ResolvedAt = &now
	return &failure, nil
}

// Cleanup deletes resolved failures older than the retention window and
// returns how many rows went away.
func (s *DeadLetterStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res := s.db.Where("resolved_at IS NOT NULL AND resolved_at < ?", cutoff).
		Delete(&models.EmailFailure{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up resolved failures: %w", res.Error)
	}
	return res.RowsAffected, nil
}
