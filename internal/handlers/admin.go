package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"lastwill/internal/database"
	"lastwill/internal/models"
	"lastwill/internal/services"
	"lastwill/internal/utils"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MaxBatchRetrySize bounds a single batch-retry request.
const MaxBatchRetrySize = 100

func deadLetterStore() *services.DeadLetterStore {
	return services.NewDeadLetterStore(database.GetDB(), services.NewRetryPolicy())
}

// resendFunc recomposes the email a failure record describes. Reminder
// failures are rebuilt from the live secret so the deadline in the message
// is current; anything else is resent from the recorded envelope.
func resendFunc(emailService *services.EmailService) services.ResendFunc {
	return func(failure models.EmailFailure) services.SendResult {
		if failure.SecretID != "" && failure.Kind != "" {
			var secret models.Secret
			if err := database.GetDB().First(&secret, "id = ?", failure.SecretID).Error; err != nil {
				return services.SendResult{Err: fmt.Errorf("secret %s no longer exists: %w", failure.SecretID, err)}
			}
			return emailService.SendCheckInReminder(secret, failure.Kind)
		}

		body := fmt.Sprintf("This is a redelivery of an earlier notification: %s", failure.Subject)
		return emailService.Send(failure.Recipient, failure.Recipient, failure.Subject, body, "<p>"+body+"</p>")
	}
}

// ListEmailFailures returns dead letters matching the query filters
func ListEmailFailures(c *gin.Context) {
	query := services.FailureQuery{
		EmailType:      models.EmailType(c.Query("email_type")),
		Provider:       c.Query("provider"),
		UnresolvedOnly: c.Query("unresolved") == "true",
	}

	failures, err := deadLetterStore().Query(query)
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to query email failures", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

// RetryEmailFailure triggers one synchronous retry of a dead letter
func RetryEmailFailure(c *gin.Context) {
	id := c.Param("id")
	log.Printf("Operator %s requested retry of email failure %s", utils.GetRealClientIP(c), id)

	outcome, err := deadLetterStore().ManualRetry(id, resendFunc(services.NewEmailService()))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			handleError(c, http.StatusNotFound, "Email failure not found", err)
			return
		}
		if errors.Is(err, services.ErrFailureResolved) {
			handleError(c, http.StatusConflict, "Email failure is already resolved", err)
			return
		}
		if outcome.Success {
			// The email went out but the record is still open. Reporting
			// this as a failed retry would invite the operator to retry
			// into a duplicate send, so report the send and the leftover.
			log.Printf("Warning: email failure %s resent but not marked resolved: %v", id, err)
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"warning": "email sent, but the failure record could not be marked resolved; resolve it manually",
			})
			return
		}
		handleError(c, http.StatusInternalServerError, "Retry failed", err)
		return
	}

	status := http.StatusOK
	if !outcome.Success {
		// The retry was rejected or the send failed; the record remains
		// actionable either way.
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, outcome)
}

// BatchRetryRequest represents the ids to retry in one batch
type BatchRetryRequest struct {
	FailureIDs []string `json:"failureIds" binding:"required,min=1"`
}

// BatchRetryEmailFailures retries up to MaxBatchRetrySize dead letters
// independently; per-id failures are reported, not fatal to the batch
func BatchRetryEmailFailures(c *gin.Context) {
	var request BatchRetryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleError(c, http.StatusBadRequest, "Invalid input: "+err.Error(), err)
		return
	}
	if len(request.FailureIDs) > MaxBatchRetrySize {
		handleError(c, http.StatusBadRequest,
			fmt.Sprintf("Batch size exceeds maximum of %d", MaxBatchRetrySize),
			fmt.Errorf("batch of %d rejected", len(request.FailureIDs)))
		return
	}

	log.Printf("Operator %s requested batch retry of %d email failures", utils.GetRealClientIP(c), len(request.FailureIDs))

	result := deadLetterStore().BatchRetry(request.FailureIDs, resendFunc(services.NewEmailService()))
	c.JSON(http.StatusOK, result)
}

// ResolveEmailFailure marks a dead letter resolved without sending anything
func ResolveEmailFailure(c *gin.Context) {
	id := c.Param("id")
	log.Printf("Operator %s resolved email failure %s", utils.GetRealClientIP(c), id)

	failure, err := deadLetterStore().MarkResolved(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			handleError(c, http.StatusNotFound, "Email failure not found", err)
			return
		}
		handleError(c, http.StatusInternalServerError, "Failed to resolve email failure", err)
		return
	}

	c.JSON(http.StatusOK, failure)
}
