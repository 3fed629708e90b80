package embeddings

import (
	"context"
	"sync"
	"time"
)

// defaultRequestsPerMinute backstops a zero or negative configured rate.
// It mirrors the default for openai.rate_limit_rpm in internal/config.
const defaultRequestsPerMinute = 60

// RateLimiter is a token bucket guarding outbound OpenAI calls. Tokens
// accrue continuously at rate/interval rather than in whole-interval
// bursts, so a caller blocked in Wait wakes as soon as the next token is
// due instead of at the interval boundary.
type RateLimiter struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perToken time.Duration
	last     time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per interval.
// The bucket starts full.
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	if rate <= 0 {
		rate = defaultRequestsPerMinute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RateLimiter{
		capacity: float64(rate),
		tokens:   float64(rate),
		perToken: interval / time.Duration(rate),
		last:     time.Now(),
	}
}

// Allow consumes a token when one is available without blocking
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token can be consumed or the context is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.perToken):
		}
	}
}

func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.last)
	if elapsed <= 0 {
		return
	}
	rl.tokens += float64(elapsed) / float64(rl.perToken)
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.last = now
}
