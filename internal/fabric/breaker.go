package fabric

import (
	"sync"
	"time"
)

// breaker is a per-subject circuit breaker. It opens after a run of
// consecutive failures inside the failure window and rejects calls until the
// cooldown passes; the first call after cooldown probes the subject again.
type breaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cooldown  time.Duration

	failures   int
	firstFail  time.Time
	openedAt   time.Time
	open       bool
	now        func() time.Time
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open, it returns false
// until the cooldown elapses; then it half-opens and lets one probe through.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		// Half-open: the probe's outcome decides what happens next.
		b.open = false
		b.failures = b.threshold - 1
		b.firstFail = b.now()
		return true
	}
	return false
}

// Success resets the failure run.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// Failure records one failed call and opens the breaker when the run reaches
// the threshold within the window.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.failures == 0 || now.Sub(b.firstFail) > b.window {
		b.failures = 0
		b.firstFail = now
	}
	b.failures++

	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = now
	}
}

// IsOpen reports the current state without the half-open transition.
func (b *breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < b.cooldown
}
