package services

import (
	"fmt"
	"os"
	"time"

	"lastwill/internal/models"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// ProviderSendGrid is recorded on dead-letter rows so operators can tell
// which transport produced a failure.
const ProviderSendGrid = "sendgrid"

// SendResult is the outcome of one transport call. Failures are expected
// and frequent, so they travel as values with retry metadata instead of
// plain errors.
type SendResult struct {
	Success    bool
	MessageID  string
	StatusCode int
	Err        error
	Retryable  bool // transport's own hint; retry policy has the final word
}

// SendFunc is the transport capability handed to the delivery coordinator
// and the dead-letter store: one fully-composed send, no arguments.
type SendFunc func() SendResult

type EmailService struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

func NewEmailService() *EmailService {
	apiKey := os.Getenv("SENDGRID_API_KEY")
	fromEmail := os.Getenv("SENDGRID_NOTIFICATIONS_FROM_EMAIL")
	fromName := os.Getenv("SENDGRID_FROM_NAME")

	client := sendgrid.NewSendClient(apiKey)

	return &EmailService{
		client:    client,
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

// Send performs a single delivery and normalizes the SendGrid response into
// a SendResult. 429 and 5xx responses are flagged retryable; other non-2xx
// statuses are left for the retry policy to classify from the error text.
func (s *EmailService) Send(toName, toEmail, subject, plainContent, htmlContent string) SendResult {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(toName, toEmail)
	message := mail.NewSingleEmail(from, subject, to, plainContent, htmlContent)

	response, err := s.client.Send(message)
	if err != nil {
		// Transport-level failure (DNS, connection, timeout): no response to
		// inspect, assume retryable and let classification decide.
		return SendResult{Err: err, Retryable: true}
	}

	if response.StatusCode >= 400 {
		return SendResult{
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("sendgrid returned status %d: %s", response.StatusCode, response.Body),
			Retryable:  response.StatusCode == 429 || response.StatusCode >= 500,
		}
	}

	messageID := ""
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}

	return SendResult{
		Success:    true,
		StatusCode: response.StatusCode,
		MessageID:  messageID,
	}
}

// ReminderSubject builds the subject line for a check-in reminder.
func ReminderSubject(kind models.ReminderKind, deadline time.Time) string {
	switch kind {
	case models.Reminder1Hr:
		return "Check in now: your deadline is in 1 hour"
	case models.Reminder24Hr:
		return "Reminder: check in within 24 hours"
	case models.Reminder3Day:
		return "Reminder: your check-in deadline is in 3 days"
	case models.Reminder7Day:
		return "Reminder: your check-in deadline is in 7 days"
	default:
		return fmt.Sprintf("Reminder: check in before %s", deadline.Format("Mon Jan 2, 3:04 PM"))
	}
}

// SendCheckInReminder emails the secret's owner that their deadline is
// approaching. Content stays deliberately simple; what matters downstream
// is the structured result.
func (s *EmailService) SendCheckInReminder(secret models.Secret, kind models.ReminderKind) SendResult {
	subject := ReminderSubject(kind, secret.NextCheckIn)

	plainContent := fmt.Sprintf("Hello %s, your check-in deadline is %s. Check in before then or your secret will be disclosed to your recipients.",
		secret.OwnerName, secret.NextCheckIn.Format("Mon Jan 2, 3:04 PM"))

	htmlContent := fmt.Sprintf("<p>Hello %s,</p><p>Your check-in deadline is <strong>%s</strong>.</p><p>Check in before then or your secret will be disclosed to your recipients.</p>",
		secret.OwnerName, secret.NextCheckIn.Format("Mon Jan 2, 3:04 PM"))

	return s.Send(secret.OwnerName, secret.OwnerEmail, subject, plainContent, htmlContent)
}
