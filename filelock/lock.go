package filelock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ToEOF may be passed as the size of a lock to cover the rest of the file,
// however far it grows. A size of 0 has the same meaning.
const ToEOF int64 = math.MaxInt64

var (
	// ErrOverlappingLock is returned when a lock would overlap one already
	// held within the same table scope.
	ErrOverlappingLock = errors.New("filelock: overlapping lock")

	// ErrInvalidRange is returned for negative positions or sizes, or ranges
	// that overflow.
	ErrInvalidRange = errors.New("filelock: invalid range")
)

// Owner is the channel a lock was acquired through.
type Owner interface {
	// ReleaseLock releases l, typically via [Lock.ReleaseFunc].
	ReleaseLock(l *Lock) error
}

// Lock is an advisory lock over a byte range of a file.
type Lock struct {
	owner    Owner
	position int64
	size     int64
	mu       sync.Mutex
	valid    atomic.Bool
	shared   bool
}

// New constructs a valid lock. It does not add it to any table.
func New(owner Owner, position, size int64, shared bool) (*Lock, error) {
	if position < 0 || size < 0 {
		return nil, fmt.Errorf("%w: position=%d size=%d", ErrInvalidRange, position, size)
	}
	if size != ToEOF && position > math.MaxInt64-size {
		return nil, fmt.Errorf("%w: position+size overflows", ErrInvalidRange)
	}
	l := &Lock{
		owner:    owner,
		position: position,
		size:     size,
		shared:   shared,
	}
	l.valid.Store(true)
	return l, nil
}

// Owner returns the channel the lock was acquired through.
func (l *Lock) Owner() Owner { return l.owner }

// Position returns the first byte of the range.
func (l *Lock) Position() int64 { return l.position }

// Size returns the length of the range, 0 or [ToEOF] meaning unbounded.
func (l *Lock) Size() int64 { return l.size }

// IsShared reports whether the lock is shared, as opposed to exclusive.
func (l *Lock) IsShared() bool { return l.shared }

// IsValid reports whether the lock has not been released or invalidated.
func (l *Lock) IsValid() bool { return l.valid.Load() }

// Invalidate marks the lock invalid, returning false if it already was.
func (l *Lock) Invalidate() bool { return l.valid.CompareAndSwap(true, false) }

// Release releases the lock through its owner.
func (l *Lock) Release() error { return l.owner.ReleaseLock(l) }

// ReleaseFunc calls fn with the lock's monitor held, if the lock is still
// valid, invalidating it once fn succeeds. Concurrent releases are therefore
// serialized, and fn runs at most once per successful release.
func (l *Lock) ReleaseFunc(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.valid.Load() {
		return nil
	}
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	l.valid.Store(false)
	return nil
}

// Overlaps reports whether the range [position, position+size) intersects
// this lock's range. A size of 0 is unbounded.
func (l *Lock) Overlaps(position, size int64) bool {
	if size < 0 {
		return false
	}
	// this is below that
	if end, bounded := rangeEnd(l.position, l.size); bounded && end <= position {
		return false
	}
	// that is below this
	if end, bounded := rangeEnd(position, size); bounded && end <= l.position {
		return false
	}
	return true
}

func (l *Lock) String() string {
	kind := "exclusive"
	if l.shared {
		kind = "shared"
	}
	valid := "valid"
	if !l.IsValid() {
		valid = "invalid"
	}
	return fmt.Sprintf("filelock.Lock[%d:%d %s %s]", l.position, l.size, kind, valid)
}

func rangeEnd(position, size int64) (int64, bool) {
	if size == 0 || position > math.MaxInt64-size {
		return 0, false
	}
	return position + size, true
}

// Table tracks the locks of one scope, rejecting overlaps.
type Table interface {
	// Add adds l, or returns [ErrOverlappingLock], leaving the table
	// unchanged.
	Add(l *Lock) error
	// Remove removes l, if present.
	Remove(l *Lock)
	// Replace substitutes to for from, e.g. when a lock requested as shared
	// was granted exclusive.
	Replace(from, to *Lock)
	// RemoveAll removes and invalidates every lock acquired through the
	// table's channel, calling release for each still valid lock. All locks
	// are removed even if release fails, the failures being joined.
	RemoveAll(release func(l *Lock) error) ([]*Lock, error)
	// Locks returns a snapshot of the locks acquired through the table's
	// channel.
	Locks() []*Lock
}

func releaseAndInvalidate(l *Lock, release func(l *Lock) error) (err error) {
	if release != nil && l.IsValid() {
		err = release(l)
	}
	l.Invalidate()
	return err
}

func checkOverlap(l *Lock, locks func(yield func(*Lock) bool)) error {
	for other := range locks {
		if other.IsValid() && other.Overlaps(l.position, l.size) {
			return fmt.Errorf("%w: %s conflicts with %s", ErrOverlappingLock, l, other)
		}
	}
	return nil
}
