// Package ratelimit implements the Rate Limiter & Back-pressure Bridge of
// spec §4.9/§6: three HTTP-facing token buckets (general, email ops, auth)
// whose 429s also arm the Admission Queue's cooldown. None of the example
// repositories import a token-bucket library (see DESIGN.md), so this
// generalizes the Admission Queue's own rolling-window accounting
// (internal/app/queue/admission.go) into a standalone refillable bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Result carries the header values the HTTP Edge emits on every limited
// response (spec §6): X-RateLimit-Limit/Remaining/Reset, and on denial,
// Retry-After.
type Result struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a single token bucket refilled continuously at limit/minute.
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Limiter allowing perMinute requests per minute, starting
// full.
func New(perMinute int) *Limiter {
	return &Limiter{
		capacity:   float64(perMinute),
		tokens:     float64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		now:        time.Now,
	}
}

// Allow consumes one token if available, returning the decision and the
// header values describing it.
func (l *Limiter) Allow() (bool, Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)

	if l.tokens >= 1 {
		l.tokens--
		return true, Result{
			Limit:     int(l.capacity),
			Remaining: int(l.tokens),
			ResetAt:   now.Add(l.secondsToFullLocked()),
		}
	}

	retryAfter := time.Duration((1 - l.tokens) / l.refillRate * float64(time.Second))
	return false, Result{
		Limit:      int(l.capacity),
		Remaining:  0,
		ResetAt:    now.Add(l.secondsToFullLocked()),
		RetryAfter: retryAfter,
	}
}

func (l *Limiter) refillLocked(now time.Time) {
	// The bucket starts full, so the first call only starts the clock.
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}

	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.refillRate)
	l.lastRefill = now
}

func (l *Limiter) secondsToFullLocked() time.Duration {
	missing := l.capacity - l.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / l.refillRate * float64(time.Second))
}

// Bridge groups the three named limiters of spec §6 and wires the email-
// ops limiter's denials into the Admission Queue cooldown.
type Bridge struct {
	General  *Limiter
	EmailOps *Limiter
	Auth     *Limiter

	onEmailOpsLimited func(seconds float64)
}

// NewBridge builds the three limiters from RuntimeConfig. onEmailOpsLimited
// is called with the Retry-After duration (seconds) whenever the email-ops
// limiter denies a request — the hook into Service.SetRateLimited.
func NewBridge(generalPerMin, emailOpsPerMin, authPerMin int, onEmailOpsLimited func(seconds float64)) *Bridge {
	return &Bridge{
		General:           New(generalPerMin),
		EmailOps:          New(emailOpsPerMin),
		Auth:              New(authPerMin),
		onEmailOpsLimited: onEmailOpsLimited,
	}
}

// CheckEmailOps applies the email-ops limiter and, on denial, propagates
// the back-pressure signal into the Admission Queue.
func (b *Bridge) CheckEmailOps() (bool, Result) {
	ok, res := b.EmailOps.Allow()
	if !ok && b.onEmailOpsLimited != nil {
		b.onEmailOpsLimited(res.RetryAfter.Seconds())
	}
	return ok, res
}
