package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/metrics"
)

// TokenClass selects which bucket an outbound broker call draws from.
// Order placement has its own, tighter budget.
type TokenClass string

const (
	ClassGeneral TokenClass = "general"
	ClassOrder   TokenClass = "order"
)

// RateLimiterConfig holds the limiter's tunables.
type RateLimiterConfig struct {
	GeneralBurst   int
	OrderBurst     int
	RefillInterval time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

type bucket struct {
	capacity int
	tokens   int
	windowAt time.Time // start of the current refill window

	consecutiveThrottles int
	backoffUntil         time.Time
}

// RateLimiter throttles outbound broker calls with one token bucket per
// class, refilled to capacity once per interval. On throttling it opens an
// exponential backoff window with jitter during which all acquisitions for
// that class block. Acquire suspends the caller cooperatively (timer +
// ctx.Done), never busy-spins.
type RateLimiter struct {
	cfg RateLimiterConfig

	// isThrottle classifies an error as throttling; injected so the engine
	// layer does not depend on the broker package.
	isThrottle func(error) bool

	mu      sync.Mutex
	buckets map[TokenClass]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter with both buckets full.
func NewRateLimiter(cfg RateLimiterConfig, isThrottle func(error) bool) *RateLimiter {
	if cfg.GeneralBurst < 1 {
		cfg.GeneralBurst = 1
	}
	if cfg.OrderBurst < 1 {
		cfg.OrderBurst = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	now := time.Now()
	return &RateLimiter{
		cfg:        cfg,
		isThrottle: isThrottle,
		buckets: map[TokenClass]*bucket{
			ClassGeneral: {capacity: cfg.GeneralBurst, tokens: cfg.GeneralBurst, windowAt: now},
			ClassOrder:   {capacity: cfg.OrderBurst, tokens: cfg.OrderBurst, windowAt: now},
		},
		now: time.Now,
	}
}

// Acquire blocks until a token for the class is granted or ctx is done.
func (l *RateLimiter) Acquire(ctx context.Context, class TokenClass) error {
	for {
		wait, ok := l.tryTake(class)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryTake attempts to take a token. On failure it returns how long the
// caller should wait before trying again: until the backoff window closes,
// or until the next refill.
func (l *RateLimiter) tryTake(class TokenClass) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(class)
	now := l.now()

	if now.Before(b.backoffUntil) {
		return b.backoffUntil.Sub(now), false
	}

	l.refill(b, now)
	if b.tokens > 0 {
		b.tokens--
		return 0, true
	}

	next := b.windowAt.Add(l.cfg.RefillInterval)
	wait := next.Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// refill resets the bucket to capacity when a refill boundary has passed.
func (l *RateLimiter) refill(b *bucket, now time.Time) {
	if elapsed := now.Sub(b.windowAt); elapsed >= l.cfg.RefillInterval {
		windows := elapsed / l.cfg.RefillInterval
		b.windowAt = b.windowAt.Add(windows * l.cfg.RefillInterval)
		b.tokens = b.capacity
	}
}

// NoteThrottled records a throttling response for the class and opens a
// backoff window of min(base·2^(k-1), cap) plus up to 10% jitter, where k
// is the consecutive-throttle count.
func (l *RateLimiter) NoteThrottled(class TokenClass) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(class)
	b.consecutiveThrottles++

	window := l.cfg.BackoffBase << (b.consecutiveThrottles - 1)
	if window <= 0 || window > l.cfg.BackoffCap {
		window = l.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(window)/10 + 1))
	b.backoffUntil = l.now().Add(window + jitter)
	metrics.ThrottleBackoffs.Inc()
}

// NoteSuccess resets the consecutive-throttle counter for the class.
func (l *RateLimiter) NoteSuccess(class TokenClass) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(class)
	b.consecutiveThrottles = 0
	b.backoffUntil = time.Time{}
}

// BackoffDelay returns the backoff window for the k-th consecutive failure
// (k starting at 1): min(base·2^(k-1), cap) plus up to 10% jitter. The
// cancel-retry path uses this to sleep between attempts under the same
// contract the throttle backoff follows.
func (l *RateLimiter) BackoffDelay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	window := l.cfg.BackoffBase << (k - 1)
	if window <= 0 || window > l.cfg.BackoffCap {
		window = l.cfg.BackoffCap
	}
	return window + time.Duration(rand.Int63n(int64(window)/10+1))
}

// ExecuteWithRetry runs fn under the class's token budget, retrying only
// throttling-classified failures up to maxRetries. A non-throttling failure
// returns immediately. Exhausting retries returns ErrRateLimitExhausted,
// distinct from any business rejection.
func (l *RateLimiter) ExecuteWithRetry(ctx context.Context, class TokenClass, maxRetries int, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := l.Acquire(ctx, class); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			l.NoteSuccess(class)
			return nil
		}
		if !l.isThrottle(err) {
			return err
		}

		lastErr = err
		l.NoteThrottled(class)
	}
	return fmt.Errorf("%w after %d retries: %v", domain.ErrRateLimitExhausted, maxRetries, lastErr)
}

func (l *RateLimiter) bucketFor(class TokenClass) *bucket {
	b, ok := l.buckets[class]
	if !ok {
		b = l.buckets[ClassGeneral]
	}
	return b
}
