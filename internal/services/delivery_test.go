package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lastwill/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okSend() SendResult {
	return SendResult{Success: true, MessageID: "msg-1", StatusCode: 202}
}

func TestAttemptSendHappyPath(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	scheduledFor := periodStart.Add(29 * 24 * time.Hour)

	result, err := coordinator.AttemptSend("s-1", models.Reminder24Hr, periodStart, scheduledFor, scheduledFor, okSend)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
	assert.Equal(t, "msg-1", result.Send.MessageID)

	var job models.ReminderJob
	require.NoError(t, db.First(&job, "secret_id = ?", "s-1").Error)
	assert.Equal(t, models.ReminderSent, job.Status)
	require.NotNil(t, job.SentAt)
	assert.True(t, job.ScheduledFor.Equal(scheduledFor))
}

// The pending record must be durably committed before the transport is
// invoked: a crash mid-send leaves the row behind as the dedup signal.
func TestAttemptSendCommitsPendingBeforeTransport(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	sawPending := false
	send := func() SendResult {
		var count int64
		require.NoError(t, db.Model(&models.ReminderJob{}).
			Where("secret_id = ? AND kind = ? AND status = ?", "s-1", models.Reminder1Hr, models.ReminderPending).
			Count(&count).Error)
		sawPending = count == 1
		return okSend()
	}

	result, err := coordinator.AttemptSend("s-1", models.Reminder1Hr, periodStart, periodStart.Add(time.Hour), periodStart.Add(time.Hour), send)
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, result.Outcome)
	assert.True(t, sawPending, "transport ran before the pending record was committed")
}

func TestAttemptSendConcurrentCallersExactlyOneWins(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	scheduledFor := periodStart.Add(29 * 24 * time.Hour)

	const workers = 8
	var sends atomic.Int64
	send := func() SendResult {
		sends.Add(1)
		return okSend()
	}

	outcomes := make([]AttemptOutcome, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := coordinator.AttemptSend("s-1", models.Reminder24Hr, periodStart, scheduledFor, scheduledFor, send)
			outcomes[i] = result.Outcome
			errs[i] = err
		}(i)
	}
	wg.Wait()

	var won, duplicates int
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		switch outcomes[i] {
		case OutcomeSent:
			won++
		case OutcomeDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected outcome %q", outcomes[i])
		}
	}

	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, duplicates)
	assert.Equal(t, int64(1), sends.Load(), "transport must be invoked exactly once")
}

func TestAttemptSendRapidSequentialDuplicates(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	var sends int
	send := func() SendResult {
		sends++
		return okSend()
	}

	var won int
	for i := 0; i < 5; i++ {
		result, err := coordinator.AttemptSend("s-1", models.Reminder1Hr, periodStart, periodStart.Add(time.Hour), periodStart.Add(time.Hour), send)
		require.NoError(t, err)
		if result.Outcome == OutcomeSent {
			won++
		} else {
			assert.Equal(t, OutcomeDuplicate, result.Outcome)
		}
	}

	assert.Equal(t, 1, won)
	assert.Equal(t, 1, sends)
}

// Different kinds, subjects, and periods are independent logical reminders.
func TestAttemptSendIndependentAcrossKindsAndPeriods(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	nextPeriod := periodStart.Add(30 * 24 * time.Hour)

	for _, attempt := range []struct {
		secretID    string
		kind        models.ReminderKind
		periodStart time.Time
	}{
		{"s-1", models.Reminder24Hr, periodStart},
		{"s-1", models.Reminder1Hr, periodStart},
		{"s-2", models.Reminder24Hr, periodStart},
		{"s-1", models.Reminder24Hr, nextPeriod},
	} {
		result, err := coordinator.AttemptSend(attempt.secretID, attempt.kind, attempt.periodStart, attempt.periodStart.Add(time.Hour), attempt.periodStart.Add(time.Hour), okSend)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, result.Outcome,
			"%s/%s@%v should not collide", attempt.secretID, attempt.kind, attempt.periodStart)
	}
}

func TestAttemptSendTransportFailureMarksJobFailed(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	send := func() SendResult {
		return SendResult{StatusCode: 500, Err: errors.New("sendgrid returned status 500"), Retryable: true}
	}

	result, err := coordinator.AttemptSend("s-1", models.Reminder24Hr, periodStart, periodStart.Add(time.Hour), periodStart.Add(time.Hour), send)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransportFailure, result.Outcome)
	assert.NotNil(t, result.Send.Err)

	var job models.ReminderJob
	require.NoError(t, db.First(&job, "secret_id = ?", "s-1").Error)
	assert.Equal(t, models.ReminderFailed, job.Status)
	assert.Nil(t, job.SentAt)

	// The failed row is out of the unique index: a retry can claim the period.
	retry, err := coordinator.AttemptSend("s-1", models.Reminder24Hr, periodStart, periodStart.Add(time.Hour), periodStart.Add(time.Hour), okSend)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, retry.Outcome)
}

func TestAttemptSendPersistenceFailureIsFatal(t *testing.T) {
	db := newTestDB(t)
	coordinator := NewDeliveryCoordinator(db)

	require.NoError(t, db.Migrator().DropTable(&models.ReminderJob{}))

	var sends int
	send := func() SendResult {
		sends++
		return okSend()
	}

	_, err := coordinator.AttemptSend("s-1", models.Reminder24Hr, time.Now().UTC(), time.Now().UTC(), time.Now().UTC(), send)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Zero(t, sends, "no send may happen without a committed pending record")
}

func TestReminderJobTransitions(t *testing.T) {
	assert.True(t, models.CanTransition(models.ReminderPending, models.ReminderSent))
	assert.True(t, models.CanTransition(models.ReminderPending, models.ReminderFailed))
	assert.False(t, models.CanTransition(models.ReminderSent, models.ReminderPending))
	assert.False(t, models.CanTransition(models.ReminderSent, models.ReminderFailed))
	assert.False(t, models.CanTransition(models.ReminderFailed, models.ReminderSent))

	job := models.ReminderJob{Status: models.ReminderPending}
	now := time.Now().UTC()
	require.NoError(t, job.Transition(models.ReminderSent, now))
	require.NotNil(t, job.SentAt)
	assert.True(t, job.SentAt.Equal(now))

	assert.Error(t, job.Transition(models.ReminderFailed, now), "sent is terminal")
}
