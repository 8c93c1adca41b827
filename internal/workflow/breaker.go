package workflow

import (
	"sync"
	"time"
)

// breakerState is the state of a cacheBreaker.
type breakerState int

const (
	// breakerClosed sends every call to Redis. Failures are counted.
	breakerClosed breakerState = iota
	// breakerOpen bypasses Redis until the cooldown elapses.
	breakerOpen
	// breakerHalfOpen lets a single probe through.
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// cacheBreaker stops cache reads from waiting on an unreachable Redis. It
// trips after threshold consecutive failures, bypasses Redis for cooldown
// and then lets one probe decide whether to close again. It is safe for
// concurrent use.
type cacheBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	probing   bool
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
}

func newCacheBreaker(threshold int, cooldown time.Duration) *cacheBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &cacheBreaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether the next cache read may go to Redis.
func (b *cacheBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case breakerOpen:
		return false
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

// record feeds the outcome of a Redis call. Any success closes the
// breaker; a failed probe reopens it.
func (b *cacheBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		b.probing = false
		return
	}

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	case breakerHalfOpen:
		b.trip()
	}
}

func (b *cacheBreaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// trip opens the breaker. Must be called with lock held.
func (b *cacheBreaker) trip() {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.probing = false
}

// advanceLocked moves an expired open breaker to half-open.
func (b *cacheBreaker) advanceLocked() {
	if b.state == breakerOpen && time.Since(b.openedAt) >= b.cooldown {
		b.state = breakerHalfOpen
		b.probing = false
	}
}
