package nativethread

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultResignalInterval is how long [Set.SignalAndWait] waits for the
	// set to drain before signalling again.
	DefaultResignalInterval = 50 * time.Millisecond

	defaultCapacity = 2
)

// Set is a slot table of the threads currently inside a blocking native call
// on behalf of one resource. The zero value is not usable, see [NewSet].
type Set struct {
	// drained is closed (and cleared) when used reaches 0, if non-nil.
	drained  chan struct{}
	elts     []slot
	used     int
	resignal time.Duration
	mu       sync.Mutex
}

type slot struct {
	thread Thread
	used   bool
}

// Option configures a [Set].
type Option func(s *Set)

// WithResignalInterval overrides [DefaultResignalInterval].
func WithResignalInterval(d time.Duration) Option {
	return func(s *Set) {
		if d > 0 {
			s.resignal = d
		}
	}
}

// NewSet constructs a set with the given initial capacity.
func NewSet(capacity int, opts ...Option) *Set {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s := &Set{
		elts:     make([]slot, capacity),
		resignal: DefaultResignalInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers t, returning the slot index that must later be passed to
// [Set.Remove].
func (s *Set) Add(t Thread) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if s.used >= len(s.elts) {
		// full: double the table, and the first free slot is the first new one
		start = len(s.elts)
		s.elts = append(s.elts, make([]slot, max(len(s.elts), 1))...)
	}

	for i := start; i < len(s.elts); i++ {
		if !s.elts[i].used {
			s.elts[i] = slot{thread: t, used: true}
			s.used++
			return i
		}
	}

	panic("nativethread: no free slot")
}

// Remove clears the slot returned by [Set.Add].
// It panics if the slot is not in use, which indicates unbalanced calls.
func (s *Set) Remove(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.elts) || !s.elts[i].used {
		panic("nativethread: remove of unused slot")
	}

	s.elts[i] = slot{}
	s.used--

	if s.used == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// Len returns the number of registered threads.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Signal interrupts every registered thread that has an interrupter,
// returning the number signalled.
func (s *Set) Signal() int {
	s.mu.Lock()
	threads := s.snapshotLocked()
	s.mu.Unlock()
	return signalAll(threads)
}

// SignalAndWait signals every registered thread, repeatedly, until the set
// is empty, or ctx is done. Interrupters are invoked without holding the
// set's lock, so they may safely call back into it.
func (s *Set) SignalAndWait(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.Lock()
		if s.used == 0 {
			s.mu.Unlock()
			return nil
		}
		threads := s.snapshotLocked()
		if s.drained == nil {
			s.drained = make(chan struct{})
		}
		drained := s.drained
		s.mu.Unlock()

		signalAll(threads)

		if timer == nil {
			timer = time.NewTimer(s.resignal)
		} else {
			timer.Reset(s.resignal)
		}

		select {
		case <-drained:
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// must be called with s.mu held
func (s *Set) snapshotLocked() []Thread {
	if s.used == 0 {
		return nil
	}
	threads := make([]Thread, 0, s.used)
	for _, e := range s.elts {
		if e.used {
			threads = append(threads, e.thread)
			if len(threads) == s.used {
				break
			}
		}
	}
	return threads
}

func signalAll(threads []Thread) (n int) {
	for _, t := range threads {
		if t.Signal() {
			n++
		}
	}
	return n
}
