// Package ratelimit paces outbound requests per target domain so batch
// downloads stay polite to any single host.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// cumulativeWarnThreshold is the total imposed delay per domain after
// which a warning is emitted. Operational signal only.
const cumulativeWarnThreshold = 30 * time.Second

// Limiter enforces a minimum interval between consecutive requests to
// the same domain, with optional uniform-random jitter on top.
// Requests to different domains proceed independently. The zero delay
// disables pacing entirely.
type Limiter struct {
	logger *slog.Logger
	delay  time.Duration
	jitter time.Duration

	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	limiter    *rate.Limiter
	cumulative time.Duration
	warned     bool
}

// New builds a limiter with the given base delay between same-domain
// requests and a maximum jitter added to each reservation. A delay of 0
// returns a disabled limiter whose AwaitSlot is a no-op.
func New(logger *slog.Logger, delay, jitter time.Duration) *Limiter {
	return &Limiter{
		logger:  logger,
		delay:   delay,
		jitter:  jitter,
		domains: make(map[string]*domainState),
	}
}

// Enabled reports whether pacing is active.
func (l *Limiter) Enabled() bool {
	return l != nil && l.delay > 0
}

// AwaitSlot blocks until the next permitted request instant for domain,
// then advances the domain's next-allowed instant. Same-domain callers
// serialize through the per-domain token; the caller's context aborts
// the wait.
func (l *Limiter) AwaitSlot(ctx context.Context, domain string) error {
	if !l.Enabled() {
		return nil
	}

	state := l.stateFor(domain)

	start := time.Now()
	if err := state.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.jitter > 0 {
		extra := time.Duration(rand.Int63n(int64(l.jitter) + 1))
		if err := sleepCtx(ctx, extra); err != nil {
			return err
		}
	}

	l.account(domain, state, time.Since(start))
	return nil
}

// CumulativeDelay returns the total delay imposed on a domain so far.
func (l *Limiter) CumulativeDelay(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.domains[domain]; ok {
		return state.cumulative
	}
	return 0
}

func (l *Limiter) stateFor(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.domains[domain]
	if !ok {
		state = &domainState{
			limiter: rate.NewLimiter(rate.Every(l.delay), 1),
		}
		l.domains[domain] = state
	}
	return state
}

func (l *Limiter) account(domain string, state *domainState, waited time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state.cumulative += waited
	if !state.warned && state.cumulative >= cumulativeWarnThreshold {
		state.warned = true
		if l.logger != nil {
			l.logger.Warn("Rate limiting has delayed this domain significantly",
				"domain", domain,
				"cumulative_delay", state.cumulative.Round(time.Millisecond))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
