package retry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRetryAfter caps server-provided backoff hints.
const maxRetryAfter = time.Hour

// maxIORetries bounds retries of local filesystem failures.
const maxIORetries = 2

// Action is the outcome of a retry decision.
type Action int

const (
	// ActionRetry schedules another attempt after Decision.After.
	ActionRetry Action = iota
	// ActionFail makes the failure terminal.
	ActionFail
)

// Decision is the per-attempt verdict of the policy.
type Decision struct {
	Action Action
	After  time.Duration
}

// Policy computes retry decisions from error classification, the
// attempt count, and any server-provided backoff hint.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewPolicy returns a policy with maxAttempts and the default
// exponential backoff window (1 s doubling up to 60 s).
func NewPolicy(maxAttempts int) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// Decide returns the verdict for a failed attempt. attempt is the
// number of attempts already made, including the one that just failed.
func (p *Policy) Decide(err error, attempt int) Decision {
	if !Transient(err) {
		return Decision{Action: ActionFail}
	}

	budget := p.MaxAttempts
	if Classify(err) == KindIO && budget > maxIORetries+1 {
		budget = maxIORetries + 1
	}
	if attempt >= budget {
		return Decision{Action: ActionFail}
	}

	delay := p.BackoffFor(attempt)
	if hint, ok := retryAfterHint(err); ok && hint > delay {
		delay = hint
	}
	return Decision{Action: ActionRetry, After: delay}
}

// BackoffFor computes the exponential backoff delay after `attempt`
// failed attempts (attempt >= 1).
func (p *Policy) BackoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	// Reset so the current interval starts at the configured
	// InitialInterval rather than the library default.
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func retryAfterHint(err error) (time.Duration, bool) {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.RetryAfter == "" {
		return 0, false
	}
	return ParseRetryAfter(statusErr.RetryAfter, time.Now())
}

// ParseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP-date, capped at one hour.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return capRetryAfter(time.Duration(secs) * time.Second), true
	}
	if when, err := http.ParseTime(value); err == nil {
		d := when.Sub(now)
		if d < 0 {
			d = 0
		}
		return capRetryAfter(d), true
	}
	return 0, false
}

func capRetryAfter(d time.Duration) time.Duration {
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
