package slidingwindow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ava-labs/devnode/pkg/jsonrpc"
)

// ErrRateLimitExceeded is returned when a governed action would exceed the budget.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitError reports a rejected reservation and when to try again.
type RateLimitError struct {
	Limit      uint64
	Estimate   float64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: estimated %.2f of %d requests per window, retry after %s",
		ErrRateLimitExceeded, e.Estimate, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// ErrorCode maps the rejection to the JSON-RPC limit exceeded code.
func (e *RateLimitError) ErrorCode() int {
	return jsonrpc.CodeLimitExceeded
}

// Usage is a snapshot of the limiter state.
type Usage struct {
	Current  uint64
	Previous uint64
	Estimate float64
	Limit    uint64
}

// Limiter bounds the number of events per sliding window on top of a WindowCounter.
type Limiter struct {
	counter *WindowCounter
	clock   clock.Clock
	limit   uint64 // requests per window; 0 disables limiting.

	// Held across the budget check and the increment in Reserve.
	mu sync.Mutex
}

// NewLimiter returns a limiter allowing limit events per window of windowLength.
// A limit of 0 disables limiting. A nil clock uses the wall clock.
func NewLimiter(clk clock.Clock, windowLength time.Duration, limit uint64) (*Limiter, error) {
	if windowLength.Milliseconds() <= 0 {
		return nil, fmt.Errorf("invalid window length %s: must be at least 1ms", windowLength)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		counter: NewWindowCounter(windowLength.Milliseconds()),
		clock:   clk,
		limit:   limit,
	}, nil
}

// Window returns the window index containing t.
func (l *Limiter) Window(t time.Time) int64 {
	return floorDiv(t.UnixMilli(), l.counter.WindowLength())
}

// Usage returns the raw counts and the blended estimate at the current time.
func (l *Limiter) Usage() Usage {
	now := l.clock.Now()
	cur, prev, estimate := l.estimate(now)
	return Usage{Current: cur, Previous: prev, Estimate: estimate, Limit: l.limit}
}

// Reserve records one event when it fits the budget. Otherwise it records nothing
// and returns a *RateLimitError wrapping ErrRateLimitExceeded.
func (l *Limiter) Reserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	current := l.Window(now)
	if l.limit == 0 {
		l.counter.Increment(current)
		return nil
	}

	cur, prev, estimate := l.estimate(now)
	if estimate+1 <= float64(l.limit) {
		l.counter.Increment(current)
		return nil
	}
	return &RateLimitError{
		Limit:      l.limit,
		Estimate:   estimate,
		RetryAfter: l.retryAfter(now, cur, prev),
	}
}

// Wait blocks until an event can be recorded or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		err := l.Reserve()
		if err == nil {
			return nil
		}
		var rle *RateLimitError
		if !errors.As(err, &rle) {
			return err
		}
		timer := l.clock.Timer(rle.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// estimate reads the two buckets around now and blends them.
func (l *Limiter) estimate(now time.Time) (uint64, uint64, float64) {
	current := l.Window(now)
	cur, prev := l.counter.Get(current, current-1)
	weight := 1 - float64(l.elapsed(now, current))/float64(l.counter.WindowLength())
	return cur, prev, float64(prev)*weight + float64(cur)
}

// elapsed returns the milliseconds spent in window w at time now.
func (l *Limiter) elapsed(now time.Time, w int64) int64 {
	return now.UnixMilli() - w*l.counter.WindowLength()
}

// retryAfter computes how long until one more event fits the budget, assuming no
// other events are recorded meanwhile.
func (l *Limiter) retryAfter(now time.Time, cur, prev uint64) time.Duration {
	length := l.counter.WindowLength()
	remaining := length - l.elapsed(now, l.Window(now))

	// The current bucket alone fills the budget: wait for it to become the previous
	// bucket, then for enough of it to slide out.
	if cur+1 > l.limit {
		share := 1 - float64(l.limit-1)/float64(cur)
		return time.Duration(remaining+int64(math.Ceil(share*float64(length)))) * time.Millisecond
	}

	// Otherwise the previous bucket must slide out until prev*(1-f)+cur+1 <= limit.
	free := float64(l.limit - cur - 1)
	f := 1 - free/float64(prev)
	wait := int64(math.Ceil(f*float64(length))) - l.elapsed(now, l.Window(now))
	if wait < 1 {
		wait = 1
	}
	return time.Duration(wait) * time.Millisecond
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
