package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"lastwill/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	result SendResult
	calls  []models.ReminderKind
}

func (f *fakeTransport) SendCheckInReminder(secret models.Secret, kind models.ReminderKind) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	return f.result
}

func (f *fakeTransport) kinds() []models.ReminderKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ReminderKind(nil), f.calls...)
}

func (f *fakeTransport) setResult(r SendResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = r
}

func TestWorkerSendsDueKindsOnce(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{Success: true, MessageID: "m"}}
	worker := NewReminderWorkerWith(db, transport)

	// 28h into a 48h period: 25percent (12h), 50percent (24h) and the
	// 24-hours-before offset (also 24h in) are due; 1hour and the multi-day
	// offsets are not.
	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	lastCheckIn := now.Add(-28 * time.Hour)
	secret := newTestSecret(t, db, 2, lastCheckIn)

	worker.ProcessDueReminders(now)
	assert.ElementsMatch(t,
		[]models.ReminderKind{models.Reminder25Pct, models.Reminder50Pct, models.Reminder24Hr},
		transport.kinds())

	// Overlapping or repeated invocations must not resend.
	worker.ProcessDueReminders(now)
	worker.ProcessDueReminders(now.Add(time.Minute))
	assert.Len(t, transport.kinds(), 3)

	var sentCount int64
	require.NoError(t, db.Model(&models.ReminderJob{}).
		Where("secret_id = ? AND status = ?", secret.ID, models.ReminderSent).
		Count(&sentCount).Error)
	assert.Equal(t, int64(3), sentCount)
}

func TestWorkerSkipsSubjectsPastDeadline(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{Success: true}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	newTestSecret(t, db, 2, now.Add(-72*time.Hour)) // deadline already passed

	worker.ProcessDueReminders(now)
	assert.Empty(t, transport.kinds(), "reminders stop once the deadline governs")
}

// A check-in starts a fresh period: prior sends stop counting, and nothing
// is due again until the new period's offsets arrive.
func TestWorkerCheckInResetsPeriod(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{Success: true}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	secret := newTestSecret(t, db, 2, now.Add(-13*time.Hour))

	worker.ProcessDueReminders(now)
	require.Equal(t, []models.ReminderKind{models.Reminder25Pct}, transport.kinds())

	checkedInAt := now.Add(time.Minute)
	secret.CheckIn(checkedInAt)
	require.NoError(t, db.Model(&secret).Updates(map[string]interface{}{
		"last_check_in": secret.LastCheckIn,
		"next_check_in": secret.NextCheckIn,
	}).Error)

	worker.ProcessDueReminders(checkedInAt.Add(time.Minute))
	assert.Len(t, transport.kinds(), 1, "fresh period, nothing due yet")

	// 13h into the new period the 25percent reminder is due again, and the
	// prior period's sent row must not block it.
	worker.ProcessDueReminders(checkedInAt.Add(13 * time.Hour))
	assert.Equal(t, []models.ReminderKind{models.Reminder25Pct, models.Reminder25Pct}, transport.kinds())
}

func TestWorkerDeadLettersTransportFailures(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{
		StatusCode: 503,
		Err:        errors.New("sendgrid returned status 503: service unavailable"),
		Retryable:  true,
	}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	secret := newTestSecret(t, db, 2, now.Add(-13*time.Hour))

	worker.ProcessDueReminders(now)
	require.Len(t, transport.kinds(), 1)

	var failure models.EmailFailure
	require.NoError(t, db.First(&failure, "secret_id = ?", secret.ID).Error)
	assert.Equal(t, models.EmailTypeReminder, failure.EmailType)
	assert.Equal(t, ProviderSendGrid, failure.Provider)
	assert.Equal(t, secret.OwnerEmail, failure.Recipient)
	assert.Equal(t, models.Reminder25Pct, failure.Kind)
	assert.Equal(t, 0, failure.RetryCount)

	var job models.ReminderJob
	require.NoError(t, db.First(&job, "secret_id = ?", secret.ID).Error)
	assert.Equal(t, models.ReminderFailed, job.Status)
}

func TestWorkerHonorsBackoffBetweenRetries(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{
		StatusCode: 500,
		Err:        errors.New("sendgrid returned status 500"),
		Retryable:  true,
	}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	secret := newTestSecret(t, db, 2, now.Add(-13*time.Hour))

	worker.ProcessDueReminders(now)
	require.Len(t, transport.kinds(), 1)

	// Immediately after a failure the retry is not yet eligible.
	worker.ProcessDueReminders(now.Add(time.Second))
	assert.Len(t, transport.kinds(), 1, "retry before backoff elapsed")

	// Backdate the failure well past any backoff and let the retry succeed.
	require.NoError(t, db.Model(&models.EmailFailure{}).
		Where("secret_id = ?", secret.ID).
		UpdateColumn("updated_at", now.Add(-2*time.Hour)).Error)
	transport.setResult(SendResult{Success: true, MessageID: "m"})

	worker.ProcessDueReminders(now.Add(time.Minute))
	require.Len(t, transport.kinds(), 2)

	var failure models.EmailFailure
	require.NoError(t, db.First(&failure, "secret_id = ?", secret.ID).Error)
	assert.NotNil(t, failure.ResolvedAt, "a successful retry resolves the dead letter")
}

func TestWorkerStopsRetryingWhenExhausted(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{
		StatusCode: 500,
		Err:        errors.New("sendgrid returned status 500"),
		Retryable:  true,
	}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	secret := newTestSecret(t, db, 2, now.Add(-13*time.Hour))

	worker.ProcessDueReminders(now)
	require.Len(t, transport.kinds(), 1)

	limit := worker.policy.RetryLimit(models.EmailTypeReminder)
	require.NoError(t, db.Model(&models.EmailFailure{}).
		Where("secret_id = ?", secret.ID).
		UpdateColumns(map[string]interface{}{
			"retry_count": limit,
			"updated_at":  now.Add(-24 * time.Hour),
		}).Error)

	worker.ProcessDueReminders(now.Add(time.Minute))
	assert.Len(t, transport.kinds(), 1, "exhausted failures wait for an operator")
}

func TestWorkerSkipsPermanentFailures(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{
		StatusCode: 400,
		Err:        errors.New("sendgrid returned status 400: bad request"),
	}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	secret := newTestSecret(t, db, 2, now.Add(-13*time.Hour))

	worker.ProcessDueReminders(now)
	require.Len(t, transport.kinds(), 1)

	require.NoError(t, db.Model(&models.EmailFailure{}).
		Where("secret_id = ?", secret.ID).
		UpdateColumn("updated_at", now.Add(-24*time.Hour)).Error)

	worker.ProcessDueReminders(now.Add(time.Minute))
	assert.Len(t, transport.kinds(), 1, "permanent failures are never auto-retried")
}

// A 4xx whose error text carries no recognizable keyword must still be held
// back: the classification recorded from the status code governs retry
// gating, not a re-parse of the message.
func TestWorkerSkipsPermanentStatusCodeWithOpaqueMessage(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{result: SendResult{
		StatusCode: 418,
		Err:        errors.New("sendgrid returned an unexpected response"),
	}}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Date(2025, 2, 2, 4, 0, 0, 0, time.UTC)
	secret := newTestSecret(t, db, 2, now.Add(-13*time.Hour))

	worker.ProcessDueReminders(now)
	require.Len(t, transport.kinds(), 1)

	var failure models.EmailFailure
	require.NoError(t, db.First(&failure, "secret_id = ?", secret.ID).Error)
	assert.Equal(t, string(FailurePermanent), failure.Classification)

	// Well past any conceivable backoff: an eligibility check that falls
	// back to the opaque message would retry here.
	require.NoError(t, db.Model(&failure).
		UpdateColumn("updated_at", now.Add(-24*time.Hour)).Error)

	worker.ProcessDueReminders(now.Add(time.Minute))
	assert.Len(t, transport.kinds(), 1, "status-code classification outlives the error text")
}

func TestReleaseStalePending(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	worker := NewReminderWorkerWith(db, transport)

	now := time.Now().UTC()
	job := models.ReminderJob{
		SecretID:     "s-1",
		Kind:         models.Reminder24Hr,
		PeriodStart:  now.Add(-24 * time.Hour),
		ScheduledFor: now.Add(-time.Hour),
	}
	require.NoError(t, db.Create(&job).Error)
	require.NoError(t, db.Model(&job).UpdateColumn("updated_at", now.Add(-2*time.Hour)).Error)

	fresh := models.ReminderJob{
		SecretID:     "s-2",
		Kind:         models.Reminder24Hr,
		PeriodStart:  now.Add(-24 * time.Hour),
		ScheduledFor: now.Add(-time.Hour),
	}
	require.NoError(t, db.Create(&fresh).Error)

	released, err := worker.ReleaseStalePending(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	var reloaded models.ReminderJob
	require.NoError(t, db.First(&reloaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.ReminderFailed, reloaded.Status)

	var reloadedFresh models.ReminderJob
	require.NoError(t, db.First(&reloadedFresh, "id = ?", fresh.ID).Error)
	assert.Equal(t, models.ReminderPending, reloadedFresh.Status, "recent pending rows still own their send")
}
