package openai

import (
	"context"
	"sync"
	"time"
)

// A simple rate limiter that uses the token bucket algorithm.
type rateLimiter struct {
	mu       sync.Mutex // protect access to lastTime and tokens
	lastTime time.Time
	tokens   int

	window time.Duration
	rate   int

	now func() time.Time
}

// newRateLimiter creates a new rate limiter for the given number of tokens
// over the provided time window. E.g. newRateLimiter(10, time.Minute) will
// allow 10 captions over a minute.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:   window,
		rate:     rate,
		lastTime: time.Now(),
		tokens:   rate,
		now:      time.Now,
	}
}

// Acquire returns nil if work can proceed. If the provided context is Done
// Acquire will return context.Err(). If the bucket is empty, Acquire will sleep
// until at least one token is available.
func (rl *rateLimiter) Acquire(ctx context.Context) error {
	for {
		if ok := rl.tryAcquire(); ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.window / time.Duration(rl.rate)):
			// The bucket is empty. Assuming an even distribution of tokens
			// across the window, 1/Nth of the window is enough for at least
			// one token to accumulate.
		}
	}
}

func (rl *rateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastTime)

	// Refill proportionally to elapsed time. lastTime only advances by the
	// time that produced whole tokens so fractional progress is not lost
	// between frequent calls.
	refill := int(elapsed.Nanoseconds() * int64(rl.rate) / rl.window.Nanoseconds())
	if refill > 0 {
		rl.tokens = min(rl.tokens+refill, rl.rate)
		rl.lastTime = rl.lastTime.Add(time.Duration(int64(refill) * rl.window.Nanoseconds() / int64(rl.rate)))
	}
	if rl.tokens >= rl.rate {
		rl.lastTime = now
	}

	if rl.tokens <= 0 {
		return false
	}

	rl.tokens--
	return true
}
