package retry

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestDecideRetriesTransientWithinBudget(t *testing.T) {
	p := NewPolicy(3)
	err := &StatusError{URL: "https://example.com/x", Status: 503}

	d := p.Decide(err, 1)
	if d.Action != ActionRetry {
		t.Fatal("first failure of a transient error should retry")
	}
	if d.After <= 0 {
		t.Error("retry decision should carry a positive backoff")
	}

	d = p.Decide(err, 3)
	if d.Action != ActionFail {
		t.Error("attempts at the budget must fail terminally")
	}
}

func TestDecideNeverRetriesPermanentErrors(t *testing.T) {
	p := NewPolicy(5)
	for _, status := range []int{400, 401, 403, 404, 407, 410} {
		err := &StatusError{URL: "https://example.com/x", Status: status}
		if d := p.Decide(err, 1); d.Action != ActionFail {
			t.Errorf("HTTP %d should fail without retry", status)
		}
	}
}

func TestDecideBoundsIORetries(t *testing.T) {
	p := NewPolicy(10)
	err := &IOError{Op: "write", Err: errors.New("no space left on device")}

	if d := p.Decide(err, 1); d.Action != ActionRetry {
		t.Error("first io failure should retry")
	}
	if d := p.Decide(err, 3); d.Action != ActionFail {
		t.Error("io failures retry only a small bounded number of times")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := NewPolicy(10)

	first := p.BackoffFor(1)
	if first < 500*time.Millisecond || first > 2*time.Second {
		t.Errorf("first backoff %v outside the expected ~1s window", first)
	}

	later := p.BackoffFor(9)
	if later > 75*time.Second {
		t.Errorf("backoff %v exceeds the cap", later)
	}
	if later < first {
		t.Errorf("backoff should not shrink: first %v, later %v", first, later)
	}
}

func TestRetryAfterHintOverridesSmallerBackoff(t *testing.T) {
	p := NewPolicy(3)
	err := &StatusError{URL: "https://example.com/x", Status: 429, RetryAfter: "30"}

	d := p.Decide(err, 1)
	if d.Action != ActionRetry {
		t.Fatal("429 should retry")
	}
	if d.After < 30*time.Second {
		t.Errorf("Retry-After of 30s must floor the delay, got %v", d.After)
	}
}

func TestParseRetryAfterDeltaSeconds(t *testing.T) {
	d, ok := ParseRetryAfter("120", time.Now())
	if !ok || d != 2*time.Minute {
		t.Errorf("ParseRetryAfter(120) = %v, %t", d, ok)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	value := now.Add(90 * time.Second).Format(http.TimeFormat)

	d, ok := ParseRetryAfter(value, now)
	if !ok {
		t.Fatal("HTTP-date should parse")
	}
	if d < 89*time.Second || d > 91*time.Second {
		t.Errorf("expected ~90s, got %v", d)
	}
}

func TestParseRetryAfterCapsAtOneHour(t *testing.T) {
	d, ok := ParseRetryAfter("7200", time.Now())
	if !ok || d != time.Hour {
		t.Errorf("2h hint should cap at 1h, got %v", d)
	}
}

func TestParseRetryAfterRejectsGarbage(t *testing.T) {
	if _, ok := ParseRetryAfter("soon", time.Now()); ok {
		t.Error("unparseable value should be ignored")
	}
	if _, ok := ParseRetryAfter("-5", time.Now()); ok {
		t.Error("negative delta should be ignored")
	}
	if _, ok := ParseRetryAfter("", time.Now()); ok {
		t.Error("empty value should be ignored")
	}
}

func TestPastHTTPDateMeansImmediateRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	value := now.Add(-time.Minute).Format(http.TimeFormat)

	d, ok := ParseRetryAfter(value, now)
	if !ok || d != 0 {
		t.Errorf("past date should yield zero delay, got %v, %t", d, ok)
	}
}
