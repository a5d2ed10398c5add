package filelock

import (
	"errors"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"weak"
)

// Registry holds the shared lock tables of every file open in the process,
// keyed by [FileKey].
//
// Entries hold their locks weakly. A lock dropped without being released is
// eventually pruned, see [Registry.Scavenge].
type Registry struct {
	// lists maps FileKey to *lockList
	lists sync.Map

	// stale is filled by runtime cleanups, and drained by Add
	stale   []staleEntry
	staleMu sync.Mutex

	nextID atomic.Uint64
}

type lockList struct {
	entries []*lockEntry
	mu      sync.Mutex
}

type lockEntry struct {
	ref     weak.Pointer[Lock]
	cleanup runtime.Cleanup
	id      uint64
}

type staleEntry struct {
	key FileKey
	id  uint64
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// NewRegistry returns an empty registry. Most callers want [Default].
func NewRegistry() *Registry { return new(Registry) }

// Table returns the view of the shared table for key, as seen by owner.
// Overlap checks span every owner, while [Table.RemoveAll] and
// [Table.Locks] only consider owner's locks.
func (r *Registry) Table(owner Owner, key FileKey) Table {
	return &sharedTable{registry: r, owner: owner, key: key}
}

// Locks returns a snapshot of every live lock on the file identified by key.
func (r *Registry) Locks(key FileKey) []*Lock {
	list := r.load(key)
	if list == nil {
		return nil
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	return list.snapshotLocked(nil)
}

// Len returns the number of files with at least one entry.
func (r *Registry) Len() (n int) {
	r.lists.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Scavenge sweeps every list, removing the entries of locks that were
// garbage collected without being released, and returns the number removed.
// Add performs the same pruning incrementally.
func (r *Registry) Scavenge() (removed int) {
	r.lists.Range(func(k, v any) bool {
		key, list := k.(FileKey), v.(*lockList)
		list.mu.Lock()
		before := len(list.entries)
		list.entries = slices.DeleteFunc(list.entries, func(e *lockEntry) bool {
			return e.ref.Value() == nil
		})
		removed += before - len(list.entries)
		r.removeKeyIfEmptyLocked(key, list)
		list.mu.Unlock()
		return true
	})
	return removed
}

func (r *Registry) load(key FileKey) *lockList {
	if v, ok := r.lists.Load(key); ok {
		return v.(*lockList)
	}
	return nil
}

func (r *Registry) newEntry(key FileKey, l *Lock) *lockEntry {
	id := r.nextID.Add(1)
	return &lockEntry{
		ref:     weak.Make(l),
		cleanup: runtime.AddCleanup(l, r.enqueueStale, staleEntry{key: key, id: id}),
		id:      id,
	}
}

// runs on the cleanup goroutine, must not block on list locks
func (r *Registry) enqueueStale(e staleEntry) {
	r.staleMu.Lock()
	r.stale = append(r.stale, e)
	r.staleMu.Unlock()
}

func (r *Registry) removeStaleEntries() {
	r.staleMu.Lock()
	stale := r.stale
	r.stale = nil
	r.staleMu.Unlock()

	for _, s := range stale {
		list := r.load(s.key)
		if list == nil {
			continue
		}
		list.mu.Lock()
		list.entries = slices.DeleteFunc(list.entries, func(e *lockEntry) bool {
			return e.id == s.id
		})
		r.removeKeyIfEmptyLocked(s.key, list)
		list.mu.Unlock()
	}
}

// must be called with list.mu held
func (r *Registry) removeKeyIfEmptyLocked(key FileKey, list *lockList) {
	if len(list.entries) == 0 {
		r.lists.CompareAndDelete(key, list)
	}
}

// must be called with x.mu held
func (x *lockList) snapshotLocked(owner Owner) []*Lock {
	locks := make([]*Lock, 0, len(x.entries))
	for _, e := range x.entries {
		if l := e.ref.Value(); l != nil && (owner == nil || l.owner == owner) {
			locks = append(locks, l)
		}
	}
	return locks
}

// must be called with x.mu held
func (x *lockList) indexLocked(l *Lock) int {
	return slices.IndexFunc(x.entries, func(e *lockEntry) bool {
		return e.ref.Value() == l
	})
}

// must be called with x.mu held
func (x *lockList) removeLocked(i int) {
	x.entries[i].cleanup.Stop()
	x.entries = slices.Delete(x.entries, i, i+1)
}

type sharedTable struct {
	registry *Registry
	owner    Owner
	key      FileKey
}

var _ Table = (*sharedTable)(nil)

func (x *sharedTable) Add(l *Lock) error {
	r := x.registry
	for {
		list := r.load(x.key)
		if list == nil {
			fresh := &lockList{}
			fresh.mu.Lock()
			v, loaded := r.lists.LoadOrStore(x.key, fresh)
			if !loaded {
				fresh.entries = append(fresh.entries, r.newEntry(x.key, l))
				fresh.mu.Unlock()
				break
			}
			fresh.mu.Unlock()
			list = v.(*lockList)
		}

		list.mu.Lock()
		if current := r.load(x.key); current != list {
			// emptied and removed (or replaced) since it was loaded
			list.mu.Unlock()
			continue
		}
		if err := checkOverlap(l, slices.Values(list.snapshotLocked(nil))); err != nil {
			list.mu.Unlock()
			return err
		}
		list.entries = append(list.entries, r.newEntry(x.key, l))
		list.mu.Unlock()
		break
	}

	r.removeStaleEntries()
	return nil
}

func (x *sharedTable) Remove(l *Lock) {
	list := x.registry.load(x.key)
	if list == nil {
		return
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	if i := list.indexLocked(l); i >= 0 {
		list.removeLocked(i)
		x.registry.removeKeyIfEmptyLocked(x.key, list)
	}
}

func (x *sharedTable) Replace(from, to *Lock) {
	list := x.registry.load(x.key)
	if list == nil {
		return
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	if i := list.indexLocked(from); i >= 0 {
		list.entries[i].cleanup.Stop()
		list.entries[i] = x.registry.newEntry(x.key, to)
	}
}

func (x *sharedTable) RemoveAll(release func(l *Lock) error) ([]*Lock, error) {
	list := x.registry.load(x.key)
	if list == nil {
		return nil, nil
	}
	list.mu.Lock()
	defer list.mu.Unlock()

	var (
		result []*Lock
		errs   []error
	)
	for i := 0; i < len(list.entries); {
		l := list.entries[i].ref.Value()
		if l == nil || l.owner != x.owner {
			i++
			continue
		}
		if err := releaseAndInvalidate(l, release); err != nil {
			errs = append(errs, err)
		}
		list.removeLocked(i)
		result = append(result, l)
	}
	x.registry.removeKeyIfEmptyLocked(x.key, list)

	return result, errors.Join(errs...)
}

func (x *sharedTable) Locks() []*Lock {
	list := x.registry.load(x.key)
	if list == nil {
		return nil
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	return list.snapshotLocked(x.owner)
}
