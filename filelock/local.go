package filelock

import (
	"errors"
	"slices"
	"sync"
)

type localTable struct {
	locks []*Lock
	mu    sync.Mutex
}

var _ Table = (*localTable)(nil)

// NewLocal returns a table private to a single channel.
func NewLocal() Table {
	return &localTable{locks: make([]*Lock, 0, 2)}
}

func (x *localTable) Add(l *Lock) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := checkOverlap(l, slices.Values(x.locks)); err != nil {
		return err
	}
	x.locks = append(x.locks, l)
	return nil
}

func (x *localTable) Remove(l *Lock) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(l)
}

func (x *localTable) Replace(from, to *Lock) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(from)
	x.locks = append(x.locks, to)
}

func (x *localTable) RemoveAll(release func(l *Lock) error) ([]*Lock, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	result := x.locks
	x.locks = make([]*Lock, 0, 2)
	var errs []error
	for _, l := range result {
		if err := releaseAndInvalidate(l, release); err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

func (x *localTable) Locks() []*Lock {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.locks)
}

func (x *localTable) removeLocked(l *Lock) {
	if i := slices.Index(x.locks, l); i >= 0 {
		x.locks = slices.Delete(x.locks, i, i+1)
	}
}
