package render

import (
	"sync"
	"time"
)

// DefaultFrameInterval is one display frame at 60 Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler runs a render callback at the next frame.
type Scheduler interface {
	// Schedule arranges for fn to run once. The returned function cancels
	// the call if it has not started yet.
	Schedule(fn func()) (cancel func())
}

// FrameScheduler runs callbacks after a fixed frame interval.
type FrameScheduler struct {
	Interval time.Duration
}

// NewFrameScheduler returns a scheduler with the given interval, or the
// default frame interval when it is not positive.
func NewFrameScheduler(interval time.Duration) FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return FrameScheduler{Interval: interval}
}

func (s FrameScheduler) Schedule(fn func()) func() {
	timer := time.AfterFunc(s.Interval, fn)
	return func() { timer.Stop() }
}

// ManualScheduler queues callbacks until Tick is called.
type ManualScheduler struct {
	mu      sync.Mutex
	pending map[uint64]func()
	order   []uint64
	next    uint64
}

// NewManualScheduler returns an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[uint64]func())}
}

func (s *ManualScheduler) Schedule(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.pending[id] = fn
	s.order = append(s.order, id)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.pending, id)
	}
}

// Pending returns the number of queued callbacks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Tick runs every queued callback in schedule order and returns how many ran.
func (s *ManualScheduler) Tick() int {
	s.mu.Lock()
	var fns []func()
	for _, id := range s.order {
		if fn, ok := s.pending[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.pending = make(map[uint64]func())
	s.order = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
