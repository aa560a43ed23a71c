// Package ratelimit throttles outbound LLM calls: two global token
// buckets (requests and tokens per minute) composed with per-caller
// minute and daily counters.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gcodecheck/internal/config"
	"gcodecheck/internal/logging"
)

// safetyFactor derates the configured capacities so the provider-side
// limit is never hit exactly.
const safetyFactor = 0.9

// Code identifies which limit was exhausted.
type Code string

const (
	CodeDailyLimit Code = "daily_limit_exceeded"
	CodeRPMLimit   Code = "rpm_limit_exceeded"
	CodeServerBusy Code = "server_busy"
	CodeTokenLimit Code = "token_limit_exceeded"
)

// RateLimitError reports an exhausted limit. RetryAfter is in seconds.
// It is surfaced to the caller without internal retrying.
type RateLimitError struct {
	Code       Code
	RetryAfter float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s (retry after %.1fs)", e.Code, e.RetryAfter)
}

// bucket is a continuous-refill token bucket. Not self-locking; the
// limiter's mutex guards it.
type bucket struct {
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
}

func newBucket(perMinute float64, now time.Time) bucket {
	c := perMinute * safetyFactor
	return bucket{capacity: c, tokens: c, perSec: c / 60, last: now}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.perSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// take removes n tokens if available, otherwise reports the wait in
// seconds until they would be.
func (b *bucket) take(n float64, now time.Time) (float64, bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return 0, true
	}
	return (n - b.tokens) / b.perSec, false
}

// callerState is the rolling per-caller quota window.
type callerState struct {
	minuteStart time.Time
	minuteCount int
	dayStart    time.Time
	dayCount    int
}

// Limiter is the process-wide rate limiter.
type Limiter struct {
	mu       sync.Mutex
	requests bucket
	tokens   bucket
	callers  map[string]*callerState

	userRPM        int
	userDailyLimit int
	acquireTimeout time.Duration

	now func() time.Time // swapped in tests
}

// New builds a limiter from configuration.
func New(cfg *config.Config) *Limiter {
	if cfg == nil {
		cfg = config.Load()
	}
	now := time.Now()
	l := &Limiter{
		requests:       newBucket(float64(cfg.GlobalRPM), now),
		tokens:         newBucket(float64(cfg.GlobalTPM), now),
		callers:        make(map[string]*callerState),
		userRPM:        cfg.UserRPM,
		userDailyLimit: cfg.UserDailyLimit,
		acquireTimeout: cfg.AcquireTimeout,
		now:            time.Now,
	}
	if l.acquireTimeout <= 0 {
		l.acquireTimeout = 30 * time.Second
	}
	return l
}

var (
	defaultLimiter *Limiter
	defaultOnce    sync.Once
)

// Default returns the process-wide limiter, built from the environment
// configuration on first use.
func Default() *Limiter {
	defaultOnce.Do(func() {
		defaultLimiter = New(config.Load())
	})
	return defaultLimiter
}

// Acquire blocks until one request slot and estTokens tokens are
// available, or fails with a RateLimitError. Per-caller quota violations
// fail immediately; global bucket exhaustion waits up to the acquire
// timeout (or the context deadline, whichever is sooner). Context
// cancellation during the wait returns ctx.Err(), not a RateLimitError.
func (l *Limiter) Acquire(ctx context.Context, callerID string, estTokens int) error {
	if err := l.reserveCaller(callerID); err != nil {
		return err
	}

	deadline := l.now().Add(l.acquireTimeout)
	for {
		wait, code, ok := l.tryTake(estTokens)
		if ok {
			return nil
		}

		now := l.now()
		retryAfter := wait
		if now.Add(time.Duration(wait * float64(time.Second))).After(deadline) {
			l.releaseCaller(callerID)
			logging.Limiter("acquire timed out for %s: %s, retry in %.1fs", callerID, code, retryAfter)
			return &RateLimitError{Code: code, RetryAfter: retryAfter}
		}

		sleep := time.Duration(wait * float64(time.Second))
		if sleep < 10*time.Millisecond {
			sleep = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			l.releaseCaller(callerID)
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// tryTake attempts both global buckets atomically.
func (l *Limiter) tryTake(estTokens int) (wait float64, code Code, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	reqWait, reqOK := l.requests.take(1, now)
	if !reqOK {
		return reqWait, CodeServerBusy, false
	}
	tokWait, tokOK := l.tokens.take(float64(estTokens), now)
	if !tokOK {
		// Undo the request slot so a retry does not double-spend.
		l.requests.tokens++
		return tokWait, CodeTokenLimit, false
	}
	return 0, "", true
}

// reserveCaller checks and consumes one unit of the caller's minute and
// daily quotas in a single critical section, so concurrent acquires from
// one caller can never overshoot the quota between check and commit.
func (l *Limiter) reserveCaller(callerID string) error {
	if callerID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	st := l.caller(callerID, now)

	if l.userDailyLimit > 0 && st.dayCount >= l.userDailyLimit {
		retry := st.dayStart.Add(24 * time.Hour).Sub(now).Seconds()
		return &RateLimitError{Code: CodeDailyLimit, RetryAfter: retry}
	}
	if l.userRPM > 0 && st.minuteCount >= l.userRPM {
		retry := st.minuteStart.Add(time.Minute).Sub(now).Seconds()
		return &RateLimitError{Code: CodeRPMLimit, RetryAfter: retry}
	}
	st.minuteCount++
	st.dayCount++
	return nil
}

// releaseCaller returns a reservation whose global acquire did not
// complete.
func (l *Limiter) releaseCaller(callerID string) {
	if callerID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.callers[callerID]
	if !ok {
		return
	}
	if st.minuteCount > 0 {
		st.minuteCount--
	}
	if st.dayCount > 0 {
		st.dayCount--
	}
}

// caller returns the caller's state with expired windows rolled over.
// Caller must hold l.mu.
func (l *Limiter) caller(callerID string, now time.Time) *callerState {
	st, ok := l.callers[callerID]
	if !ok {
		st = &callerState{minuteStart: now, dayStart: now}
		l.callers[callerID] = st
	}
	if now.Sub(st.minuteStart) >= time.Minute {
		st.minuteStart = now
		st.minuteCount = 0
	}
	if now.Sub(st.dayStart) >= 24*time.Hour {
		st.dayStart = now
		st.dayCount = 0
	}
	return st
}
