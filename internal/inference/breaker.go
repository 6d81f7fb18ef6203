package inference

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

// breaker guards a single backend, generalizing the teacher's
// CaptainSupervisor crash-loop counter (respawnCount/respawnWindow, reset on
// a rolling time window) to "N consecutive failures opens the circuit for a
// fixed cooldown, one probe allowed on the way back."
type breaker struct {
	mu            sync.Mutex
	consecutive   int
	state         breakerState
	openedAt      time.Time
	probeInFlight bool

	failureThreshold int
	resetTimeout     time.Duration
}

func newBreaker(failureThreshold int, resetTimeout time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &breaker{state: breakerClosed, failureThreshold: failureThreshold, resetTimeout: resetTimeout}
}

// allow reports whether a call may proceed. While open, the backend is
// treated as absent per spec.md §4.4.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.probeInFlight = true
		return true
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.probeInFlight = false
	b.state = breakerClosed
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		// Probe failed: reopen for a fresh cooldown window.
		b.probeInFlight = false
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutive++
	if b.consecutive >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
