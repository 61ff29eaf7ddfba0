package services

import (
	"testing"
	"time"

	"lastwill/internal/database"
	"lastwill/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// newTestDB opens an in-memory database with the production schema,
// including the partial unique index the delivery coordinator depends on.
// The pool is pinned to one connection so concurrent test goroutines
// serialize at the database exactly like transactions on a shared server.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get underlying database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// newTestSecret creates a persisted subject whose current period started at
// lastCheckIn and runs checkInDays.
func newTestSecret(t *testing.T, db *gorm.DB, checkInDays int, lastCheckIn time.Time) models.Secret {
	t.Helper()

	secret := models.Secret{
		OwnerName:        "Ada",
		OwnerEmail:       "ada@example.com",
		Recipients:       []byte(`[{"name":"Grace","email":"grace@example.com"}]`),
		EncryptedPayload: "ciphertext",
		CheckInDays:      checkInDays,
		LastCheckIn:      lastCheckIn,
		NextCheckIn:      lastCheckIn.Add(time.Duration(checkInDays) * 24 * time.Hour),
	}
	if err := db.Create(&secret).Error; err != nil {
		t.Fatalf("failed to create test secret: %v", err)
	}
	return secret
}

// insertSentJob seeds a sent reminder with the given sentAt.
func insertSentJob(t *testing.T, db *gorm.DB, secretID string, kind models.ReminderKind, periodStart, sentAt time.Time) models.ReminderJob {
	t.Helper()

	job := models.ReminderJob{
		SecretID:     secretID,
		Kind:         kind,
		PeriodStart:  periodStart,
		ScheduledFor: sentAt,
		Status:       models.ReminderPending,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("failed to create test job: %v", err)
	}
	if err := db.Model(&job).Updates(map[string]interface{}{
		"status":  models.ReminderSent,
		"sent_at": sentAt,
	}).Error; err != nil {
		t.Fatalf("failed to mark test job sent: %v", err)
	}
	job.Status = models.ReminderSent
	job.SentAt = &sentAt
	return job
}
