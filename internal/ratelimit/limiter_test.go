package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gcodecheck/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock drives the limiter deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(rpm, tpm, userRPM, daily int) (*Limiter, *fakeClock) {
	cfg := config.Load()
	cfg.GlobalRPM = rpm
	cfg.GlobalTPM = tpm
	cfg.UserRPM = userRPM
	cfg.UserDailyLimit = daily
	cfg.AcquireTimeout = 50 * time.Millisecond
	l := New(cfg)
	clk := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	l.now = clk.Now
	// Rebuild buckets against the fake clock epoch.
	l.requests = newBucket(float64(rpm), clk.now)
	l.tokens = newBucket(float64(tpm), clk.now)
	return l, clk
}

func TestEffectiveCapacityIsDerated(t *testing.T) {
	l, _ := newTestLimiter(100, 10000, 0, 0)
	assert.InDelta(t, 90.0, l.requests.capacity, 0.001)
	assert.InDelta(t, 9000.0, l.tokens.capacity, 0.001)
}

func TestAcquireWithinCapacity(t *testing.T) {
	l, _ := newTestLimiter(60, 100000, 0, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background(), "u1", 500))
	}
}

func TestGlobalRequestExhaustion(t *testing.T) {
	l, _ := newTestLimiter(2, 100000, 0, 0)
	// Capacity 1.8 requests: the first passes, the second must wait
	// longer than the 50ms acquire timeout allows.
	require.NoError(t, l.Acquire(context.Background(), "", 10))

	err := l.Acquire(context.Background(), "", 10)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, CodeServerBusy, rle.Code)
	assert.Greater(t, rle.RetryAfter, 0.0)
}

func TestTokenExhaustion(t *testing.T) {
	l, _ := newTestLimiter(1000, 1000, 0, 0)
	// Token capacity 900: a 2000-token request can never fit the window.
	err := l.Acquire(context.Background(), "", 2000)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, CodeTokenLimit, rle.Code)
}

func TestTokenExhaustionDoesNotLeakRequestSlot(t *testing.T) {
	l, _ := newTestLimiter(60, 1000, 0, 0)
	before := l.requests.tokens
	_ = l.Acquire(context.Background(), "", 5000)
	assert.InDelta(t, before, l.requests.tokens, 0.1,
		"failed token acquisition must return the request slot")
}

func TestPerCallerRPM(t *testing.T) {
	l, clk := newTestLimiter(1000, 100000, 2, 100)
	require.NoError(t, l.Acquire(context.Background(), "caller", 10))
	require.NoError(t, l.Acquire(context.Background(), "caller", 10))

	err := l.Acquire(context.Background(), "caller", 10)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, CodeRPMLimit, rle.Code)
	assert.InDelta(t, 60.0, rle.RetryAfter, 1.0)

	// Other callers are unaffected.
	require.NoError(t, l.Acquire(context.Background(), "other", 10))

	// The window rolls over after a minute.
	clk.Advance(61 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), "caller", 10))
}

func TestPerCallerDailyLimit(t *testing.T) {
	l, clk := newTestLimiter(100000, 10000000, 0, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), "caller", 10))
	}
	err := l.Acquire(context.Background(), "caller", 10)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, CodeDailyLimit, rle.Code)

	clk.Advance(25 * time.Hour)
	require.NoError(t, l.Acquire(context.Background(), "caller", 10))
}

func TestBucketRefills(t *testing.T) {
	l, clk := newTestLimiter(60, 100000, 0, 0)
	// Drain the request bucket (capacity 54).
	for i := 0; i < 54; i++ {
		require.NoError(t, l.Acquire(context.Background(), "", 1))
	}
	wait, _, ok := l.tryTake(1)
	assert.False(t, ok)
	assert.Greater(t, wait, 0.0)

	clk.Advance(10 * time.Second) // refills 9 request slots
	_, _, ok = l.tryTake(1)
	assert.True(t, ok)
}

func TestAcquireHonorsContext(t *testing.T) {
	l, _ := newTestLimiter(2, 100000, 0, 0)
	l.acquireTimeout = 10 * time.Second
	require.NoError(t, l.Acquire(context.Background(), "", 1))

	// The second slot needs several seconds of refill; a cancelled
	// context must abort the wait immediately and report the
	// cancellation itself, not a rate-limit failure.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	var rle *RateLimitError
	assert.False(t, errors.As(err, &rle))
}

func TestConcurrentAcquiresRespectCallerQuota(t *testing.T) {
	l, _ := newTestLimiter(100000, 10000000, 5, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Acquire(context.Background(), "u1", 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
				return
			}
			var rle *RateLimitError
			if assert.ErrorAs(t, err, &rle) {
				assert.Equal(t, CodeRPMLimit, rle.Code)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, granted)
}

func TestFailedGlobalAcquireReleasesCallerQuota(t *testing.T) {
	l, clk := newTestLimiter(2, 100000, 1, 0)
	// Drain the 1.8-slot request bucket with an anonymous caller.
	require.NoError(t, l.Acquire(context.Background(), "", 1))

	// The caller's reservation must be returned when the global acquire
	// times out.
	err := l.Acquire(context.Background(), "caller", 1)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, CodeServerBusy, rle.Code)

	// 40s refills the request bucket but stays inside the quota minute:
	// a leaked reservation would now fail with rpm_limit_exceeded.
	clk.Advance(40 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), "caller", 1))
}

func TestCancelledAcquireReleasesCallerQuota(t *testing.T) {
	l, clk := newTestLimiter(2, 100000, 1, 0)
	l.acquireTimeout = 10 * time.Second
	require.NoError(t, l.Acquire(context.Background(), "", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "caller", 1)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)

	clk.Advance(40 * time.Second)
	require.NoError(t, l.Acquire(context.Background(), "caller", 1))
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
