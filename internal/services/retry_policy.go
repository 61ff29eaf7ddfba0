package services

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"lastwill/internal/models"
)

// FailureClass is what the retry policy makes of a transport failure.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// Default backoff parameters for automated retries.
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 4 * time.Hour
)

// retryLimits are per email type, ordered by business consequence: a missed
// disclosure defeats the service, a missed admin notification is noise.
var retryLimits = map[models.EmailType]int{
	models.EmailTypeDisclosure: 10,
	models.EmailTypeReminder:   5,
	models.EmailTypeVerify:     3,
	models.EmailTypeAdmin:      2,
}

// Failures matching these are worth retrying: the next attempt can land on
// a healthy path.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"too many requests",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporarily",
	"temporary failure",
	"unavailable",
	"status 5",
}

// Failures matching these will fail the same way every time; retrying just
// burns budget.
var permanentMarkers = []string{
	"invalid address",
	"invalid email",
	"invalid recipient",
	"does not exist",
	"no such host",
	"domain not found",
	"unauthorized",
	"authorization",
	"forbidden",
	"invalid api key",
	"bad request",
	"payload too large",
}

// RetryPolicy classifies transport failures and spaces out retries with
// exponential backoff plus jitter. Randomness sits behind a seedable source
// so backoff bounds can be asserted deterministically in tests.
type RetryPolicy struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryPolicy() *RetryPolicy {
	return NewRetryPolicyWithSeed(time.Now().UnixNano())
}

func NewRetryPolicyWithSeed(seed int64) *RetryPolicy {
	return &RetryPolicy{
		base: DefaultBackoffBase,
		max:  DefaultBackoffMax,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Classify buckets a failure as transient or permanent from its error text.
// Anything unrecognized defaults to transient: optimistic retry beats
// silently dropping a failure mode nobody anticipated.
func (p *RetryPolicy) Classify(errorMessage string) FailureClass {
	msg := strings.ToLower(errorMessage)
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return FailureTransient
		}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return FailurePermanent
		}
	}
	return FailureTransient
}

// ClassifyFailure classifies a persisted dead letter. The classification
// stamped at record time wins, since it was derived from the structured
// send result (status code included); records predating the column fall
// back to keyword matching on the stored error text.
func (p *RetryPolicy) ClassifyFailure(failure *models.EmailFailure) FailureClass {
	if failure.Classification != "" {
		return FailureClass(failure.Classification)
	}
	return p.Classify(failure.ErrorMessage)
}

// ClassifySend classifies a structured transport result. Status codes win
// over keyword matching when present: 429 and 5xx are transient, other 4xx
// are permanent.
func (p *RetryPolicy) ClassifySend(result SendResult) FailureClass {
	if result.StatusCode == 429 || result.StatusCode >= 500 {
		return FailureTransient
	}
	if result.StatusCode >= 400 {
		return FailurePermanent
	}
	if result.Err != nil {
		return p.Classify(result.Err.Error())
	}
	return FailureTransient
}

// BackoffDelay returns the wait before the given attempt (1-based):
// base·2^(n-1) plus a uniform jitter in [0, half the pre-jitter term). The
// pre-jitter term is capped at max, so no delay exceeds 1.5·max. Jitter
// keeps a fleet of subjects that failed together from retrying in
// lockstep.
func (p *RetryPolicy) BackoffDelay(attempt int) time.Duration {
	return p.BackoffDelayWith(attempt, p.base, p.max)
}

// BackoffDelayWith is BackoffDelay with explicit base and cap.
func (p *RetryPolicy) BackoffDelayWith(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	pre := base
	for i := 1; i < attempt; i++ {
		pre *= 2
		if pre >= max {
			pre = max
			break
		}
	}
	if pre > max {
		pre = max
	}

	var jitter time.Duration
	if half := pre / 2; half > 0 {
		p.mu.Lock()
		jitter = time.Duration(p.rng.Int63n(int64(half)))
		p.mu.Unlock()
	}

	return pre + jitter
}

// RetryLimit returns the retry ceiling for an email type.
func (p *RetryPolicy) RetryLimit(emailType models.EmailType) int {
	if limit, ok := retryLimits[emailType]; ok {
		return limit
	}
	return retryLimits[models.EmailTypeVerify]
}

// Exhausted reports whether a failure has used up its retry budget.
func (p *RetryPolicy) Exhausted(emailType models.EmailType, retryCount int) bool {
	return retryCount >= p.RetryLimit(emailType)
}
