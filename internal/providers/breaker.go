package providers

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker. After Threshold
// failures it opens for Cooldown; while open, calls short-circuit. After
// the cooldown a single half-open probe is allowed.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures  int
	openedAt  time.Time
	halfOpen  bool
	now       func() time.Time
}

// NewBreaker creates a breaker. Threshold <= 0 defaults to 5 and
// cooldown <= 0 defaults to 60s.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. At most one probe passes while
// the breaker is half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	if b.halfOpen {
		return false
	}
	b.halfOpen = true
	return true
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpen = false
}

// Failure records a failed call, opening the breaker at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.halfOpen = false
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.cooldown
}
