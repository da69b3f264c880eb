package remote

import (
	"context"
	"sync"
	"time"
)

// Throttle is an in-memory token bucket keyed per backend action. Callers
// wait for a token instead of being rejected.
type Throttle struct {
	capacity float64
	rate     float64 // tokens per second
	mu       sync.Mutex
	state    map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewThrottle allows perMinute calls per action with a burst of the same
// size. A non-positive rate disables throttling.
func NewThrottle(perMinute int) *Throttle {
	return &Throttle{
		capacity: float64(perMinute),
		rate:     float64(perMinute) / 60,
		state:    make(map[string]*bucket),
		now:      time.Now,
	}
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Throttle) Wait(ctx context.Context, key string) error {
	if l == nil || l.rate <= 0 {
		return ctx.Err()
	}
	for {
		delay := l.reserve(key)
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until one refills.
func (l *Throttle) reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.state[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}
