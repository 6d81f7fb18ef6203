// Package schedule consolidates the scattered callback/ticker timers the
// teacher keeps one-per-concern (internal/server/heartbeat.go's
// HeartbeatCheckInterval ticker, internal/captain/supervisor.go's
// respawn-window tracking, internal/events/bus.go's retry-delay sleeps)
// into the single deadline-driven scheduler the spec's design notes call
// for: one goroutine that sleeps until the nearest pending event, driven by
// an injectable clock so lock TTL and heartbeat behavior is
// deterministically testable. The inference circuit breaker does not use
// it; it times its own reset with time.Since.
package schedule

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts time so tests can advance it deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock is the default Clock, backed by the standard library.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// Func is run when a scheduled deadline fires.
type Func func()

type entry struct {
	at    time.Time
	fn    Func
	index int
	id    uint64
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a single goroutine that fires Funcs at their deadline, in
// order, without one timer per concern.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	pending entryHeap
	nextID  uint64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

// New creates a Scheduler and starts its driving goroutine.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	s := &Scheduler{
		clock: clock,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	heap.Init(&s.pending)
	go s.run()
	return s
}

// Cancel is returned by At/After so callers can deschedule a pending Func.
type Cancel func()

// At schedules fn to run at the given time.
func (s *Scheduler) At(at time.Time, fn Func) Cancel {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	e := &entry{at: at, fn: fn, id: id}
	heap.Push(&s.pending, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, pe := range s.pending {
			if pe.id == id {
				heap.Remove(&s.pending, i)
				return
			}
		}
	}
}

// After schedules fn to run after the given duration, relative to the
// scheduler's clock.
func (s *Scheduler) After(d time.Duration, fn Func) Cancel {
	return s.At(s.clock.Now().Add(d), fn)
}

// Stop halts the driving goroutine. Pending Funcs are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		var wait <-chan time.Time
		if s.pending.Len() == 0 {
			wait = nil
		} else {
			d := s.pending[0].at.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			wait = s.clock.After(d)
		}
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-waitOrBlock(wait):
			s.fireDue()
		}
	}
}

// waitOrBlock turns a nil channel into one that never fires, so a select
// with no pending entries blocks on stop/wake only.
func waitOrBlock(c <-chan time.Time) <-chan time.Time {
	if c == nil {
		return make(chan time.Time)
	}
	return c
}

func (s *Scheduler) fireDue() {
	now := s.clock.Now()
	var due []Func
	s.mu.Lock()
	for s.pending.Len() > 0 && !s.pending[0].at.After(now) {
		e := heap.Pop(&s.pending).(*entry)
		due = append(due, e.fn)
	}
	s.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}
