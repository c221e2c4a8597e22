// Package normtimer implements the timer collaborator described in
// spec.md §6 ("Clock and timers: monotonic time source with µs resolution;
// schedulable one-shot callbacks") and §5 ("Timer semantics"). It is a
// direct generalization of the teacher package's timers.go: the same
// heap-of-timedFunc worker design, extended with the Cancel and Reschedule
// operations the NORM engine's GRTT probe, NACK backoff, and watermark
// round timers all need.
package normtimer

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts the time source so tests can control it deterministically
// (spec.md §6 "Clock and timers"). The zero value of realClock below is the
// production implementation.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Cancelable
}

// Cancelable is returned by Clock.AfterFunc; Stop is idempotent.
type Cancelable interface {
	Stop() bool
}

type realClock struct{}

// Real is the production Clock backed by time.AfterFunc.
var Real Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Cancelable {
	return time.AfterFunc(d, f)
}

// Service manages scheduled callback execution with a heap-based priority
// queue, generalizing the teacher's Timer type (timers.go) with explicit
// per-task handles so callers can Cancel (spec.md §5: "cancellation is
// immediate and idempotent. On rescheduling, the previously scheduled fire
// is discarded").
type Service struct {
	mu     sync.Mutex
	clock  Clock
	tasks  taskHeap
	timer  Cancelable
	nextID uint64
}

// Handle identifies one scheduled task for Cancel.
type Handle uint64

type task struct {
	id       uint64
	ts       time.Time
	execute  func()
	canceled bool
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].ts.Before(h[j].ts) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// NewService creates a Service driven by clock. Pass Real for production
// use, or a fake Clock in tests.
func NewService(clock Clock) *Service {
	return &Service{clock: clock}
}

// At schedules f to run at ts, returning a Handle that Cancel accepts.
func (s *Service) At(ts time.Time, f func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &task{id: s.nextID, ts: ts, execute: f}
	heap.Push(&s.tasks, t)
	s.rearm()
	return Handle(t.id)
}

// After schedules f to run after d elapses.
func (s *Service) After(d time.Duration, f func()) Handle {
	return s.At(s.clock.Now().Add(d), f)
}

// Cancel stops the task identified by h if it has not already fired.
// Idempotent: canceling an unknown or already-fired handle is a no-op.
func (s *Service) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.id == uint64(h) {
			t.canceled = true
			return
		}
	}
}

// Reschedule cancels h (if still pending) and schedules f at the new time,
// matching spec.md §5: "On rescheduling, the previously scheduled fire is
// discarded."
func (s *Service) Reschedule(h Handle, d time.Duration, f func()) Handle {
	s.Cancel(h)
	return s.After(d, f)
}

// rearm resets the underlying clock timer to fire at the next pending
// task's deadline. Must be called with s.mu held.
func (s *Service) rearm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for s.tasks.Len() > 0 && s.tasks[0].canceled {
		heap.Pop(&s.tasks)
	}
	if s.tasks.Len() == 0 {
		return
	}
	next := s.tasks[0]
	delay := next.ts.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timer = s.clock.AfterFunc(delay, s.fire)
}

// fire runs every task whose deadline has passed, then rearms for the next.
func (s *Service) fire() {
	s.mu.Lock()
	now := s.clock.Now()
	var ready []*task
	for s.tasks.Len() > 0 {
		top := s.tasks[0]
		if top.canceled {
			heap.Pop(&s.tasks)
			continue
		}
		if top.ts.After(now) {
			break
		}
		ready = append(ready, heap.Pop(&s.tasks).(*task))
	}
	s.rearm()
	s.mu.Unlock()

	for _, t := range ready {
		t.execute()
	}
}

// Stop cancels all pending tasks and the underlying clock timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.tasks = nil
}
