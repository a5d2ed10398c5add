package filelock

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockView struct {
	Position int64
	Size     int64
	Shared   bool
	Valid    bool
}

func views(locks []*Lock) []lockView {
	out := make([]lockView, len(locks))
	for i, l := range locks {
		out[i] = lockView{Position: l.Position(), Size: l.Size(), Shared: l.IsShared(), Valid: l.IsValid()}
	}
	return out
}

// every table implementation must pass these
func tableFactories() map[string]func(owner Owner) Table {
	return map[string]func(owner Owner) Table{
		"local": func(Owner) Table { return NewLocal() },
		"shared": func(owner Owner) Table {
			return NewRegistry().Table(owner, FileKey{Dev: 1, Ino: 2})
		},
	}
}

func TestTable_overlap(t *testing.T) {
	for name, factory := range tableFactories() {
		t.Run(name, func(t *testing.T) {
			owner := &testOwner{}
			table := factory(owner)

			require.NoError(t, table.Add(mustLock(t, owner, 0, 10, false)))

			err := table.Add(mustLock(t, owner, 5, 10, false))
			require.ErrorIs(t, err, ErrOverlappingLock)
			assert.Len(t, table.Locks(), 1)

			require.NoError(t, table.Add(mustLock(t, owner, 10, 10, true)))
			if diff := cmp.Diff([]lockView{
				{Position: 0, Size: 10, Valid: true},
				{Position: 10, Size: 10, Shared: true, Valid: true},
			}, views(table.Locks())); diff != "" {
				t.Errorf("locks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTable_invalidLocksIgnored(t *testing.T) {
	for name, factory := range tableFactories() {
		t.Run(name, func(t *testing.T) {
			owner := &testOwner{}
			table := factory(owner)
			a := mustLock(t, owner, 0, 10, false)
			require.NoError(t, table.Add(a))
			a.Invalidate()
			require.NoError(t, table.Add(mustLock(t, owner, 0, 10, false)))
		})
	}
}

func TestTable_RemoveReplace(t *testing.T) {
	for name, factory := range tableFactories() {
		t.Run(name, func(t *testing.T) {
			owner := &testOwner{}
			table := factory(owner)
			a := mustLock(t, owner, 0, 10, true)
			require.NoError(t, table.Add(a))

			// granted exclusive
			b := mustLock(t, owner, 0, 10, false)
			table.Replace(a, b)
			assert.Equal(t, []*Lock{b}, table.Locks())

			table.Remove(a)
			assert.Equal(t, []*Lock{b}, table.Locks())
			table.Remove(b)
			assert.Empty(t, table.Locks())
			require.NoError(t, table.Add(mustLock(t, owner, 5, 1, false)))
		})
	}
}

func TestTable_RemoveAll(t *testing.T) {
	for name, factory := range tableFactories() {
		t.Run(name, func(t *testing.T) {
			owner := &testOwner{}
			table := factory(owner)
			a := mustLock(t, owner, 0, 10, false)
			b := mustLock(t, owner, 20, 10, false)
			c := mustLock(t, owner, 40, 10, false)
			for _, l := range []*Lock{a, b, c} {
				require.NoError(t, table.Add(l))
			}
			require.NoError(t, b.Release())

			boom := errors.New("boom")
			var released []*Lock
			removed, err := table.RemoveAll(func(l *Lock) error {
				released = append(released, l)
				if l == c {
					return boom
				}
				return nil
			})
			assert.ErrorIs(t, err, boom)
			assert.ElementsMatch(t, []*Lock{a, b, c}, removed)
			assert.ElementsMatch(t, []*Lock{a, c}, released)
			for _, l := range removed {
				assert.False(t, l.IsValid())
			}
			assert.Empty(t, table.Locks())
		})
	}
}

func TestRegistry_sharedAcrossOwners(t *testing.T) {
	r := NewRegistry()
	key := FileKey{Dev: 7, Ino: 8}
	ownerA, ownerB := &testOwner{name: "a"}, &testOwner{name: "b"}
	tableA, tableB := r.Table(ownerA, key), r.Table(ownerB, key)

	a := mustLock(t, ownerA, 0, 10, false)
	require.NoError(t, tableA.Add(a))
	assert.ErrorIs(t, tableB.Add(mustLock(t, ownerB, 9, 1, true)), ErrOverlappingLock)

	// other files are independent
	require.NoError(t, r.Table(ownerB, FileKey{Dev: 7, Ino: 9}).Add(mustLock(t, ownerB, 0, 10, false)))

	b := mustLock(t, ownerB, 10, 10, false)
	require.NoError(t, tableB.Add(b))
	assert.Equal(t, []*Lock{a}, tableA.Locks())
	assert.Equal(t, []*Lock{b}, tableB.Locks())
	assert.ElementsMatch(t, []*Lock{a, b}, r.Locks(key))

	removed, err := tableA.RemoveAll(func(l *Lock) error { return l.Release() })
	require.NoError(t, err)
	assert.Equal(t, []*Lock{a}, removed)
	assert.Equal(t, []*Lock{b}, r.Locks(key))
	assert.True(t, b.IsValid())
	assert.Equal(t, int32(1), ownerA.releases.Load())
	assert.Equal(t, 2, r.Len())

	tableB.Remove(b)
	assert.Empty(t, r.Locks(key))
	assert.Equal(t, 1, r.Len(), "empty lists are deleted")
}

func TestRegistry_concurrentAdd(t *testing.T) {
	r := NewRegistry()
	key := FileKey{Dev: 1, Ino: 1}

	const (
		owners  = 8
		regions = 32
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = make(map[int64]int)
	)
	for i := range owners {
		owner := &testOwner{name: fmt.Sprint(i)}
		table := r.Table(owner, key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range int64(regions) {
				l, err := New(owner, pos, 1, false)
				if err != nil {
					panic(err)
				}
				if err := table.Add(l); err == nil {
					mu.Lock()
					granted[pos]++
					mu.Unlock()
				} else if !errors.Is(err, ErrOverlappingLock) {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, granted, regions)
	for pos, n := range granted {
		assert.Equal(t, 1, n, "region %d granted more than once", pos)
	}
	assert.Len(t, r.Locks(key), regions)
}

// adds and removes racing on an initially empty key, exercising the retry
// when a list is deleted between load and lock
func TestRegistry_concurrentAddRemove(t *testing.T) {
	r := NewRegistry()
	key := FileKey{Dev: 3, Ino: 3}

	var wg sync.WaitGroup
	for i := range 8 {
		owner := &testOwner{name: fmt.Sprint(i)}
		table := r.Table(owner, key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				l, err := New(owner, int64(i), 1, false)
				if err != nil {
					panic(err)
				}
				if err := table.Add(l); err != nil {
					panic(err)
				}
				table.Remove(l)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, r.Locks(key))
	assert.Zero(t, r.Len())
}

func TestRegistry_staleEntries(t *testing.T) {
	r := NewRegistry()
	key := FileKey{Dev: 4, Ino: 4}
	owner := &testOwner{}
	table := r.Table(owner, key)

	keep := mustLock(t, owner, 0, 1, false)
	require.NoError(t, table.Add(keep))

	// simulates the cleanup of a collected lock
	l := mustLock(t, owner, 10, 1, false)
	require.NoError(t, table.Add(l))
	list := r.load(key)
	list.mu.Lock()
	id := list.entries[1].id
	list.mu.Unlock()
	r.enqueueStale(staleEntry{key: key, id: id})

	require.NoError(t, table.Add(mustLock(t, owner, 20, 1, false)))
	if diff := cmp.Diff([]lockView{
		{Position: 0, Size: 1, Valid: true},
		{Position: 20, Size: 1, Valid: true},
	}, views(r.Locks(key))); diff != "" {
		t.Errorf("locks mismatch (-want +got):\n%s", diff)
	}
	runtime.KeepAlive(l)
	runtime.KeepAlive(keep)
}

func TestRegistry_Scavenge(t *testing.T) {
	r := NewRegistry()
	key := FileKey{Dev: 5, Ino: 5}
	owner := &testOwner{}
	table := r.Table(owner, key)

	keep := mustLock(t, owner, 0, 1, false)
	require.NoError(t, table.Add(keep))

	func() {
		// dropped without being released
		for i := range 10 {
			l, err := New(owner, int64(i+1), 1, false)
			require.NoError(t, err)
			require.NoError(t, table.Add(l))
		}
	}()

	// collection is best-effort, so only the invariants are asserted
	var removed int
	for range 5 {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		removed += r.Scavenge()
		if removed == 10 {
			break
		}
	}
	t.Logf("scavenged %d of 10 dropped locks", removed)

	locks := r.Locks(key)
	assert.Contains(t, locks, keep)
	assert.Len(t, locks, 11-removed)
	runtime.KeepAlive(keep)
}
