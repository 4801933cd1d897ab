package incremental

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLRU_capacityBoundsRetainedValues: with a capacity of 2, reading a
// third key evicts the least recently used value (keeping its dependency
// record).
func TestLRU_capacityBoundsRetainedValues(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	a := NewInput[int, int](g, "a")
	q := NewDerived(g, "q", func(db *DB, key int) int {
		return a.Get(db, key)
	})
	q.SetLRUCapacity(2)

	for i := 0; i < 3; i++ {
		a.Set(db, i, i*10)
	}

	require.Equal(t, 0, q.Get(db, 0))
	require.Equal(t, 10, q.Get(db, 1))
	require.Equal(t, 20, q.Get(db, 2)) // evicts key 0

	_, ok := q.Peek(db, 0)
	require.False(t, ok, "least recently used value must be evicted")
	_, ok = q.Peek(db, 1)
	require.True(t, ok)
	_, ok = q.Peek(db, 2)
	require.True(t, ok)

	// the dependency record survives eviction
	slot, _ := q.existingSlot(0)
	slot.mu.RLock()
	require.Equal(t, stateMemoized, slot.state)
	require.Equal(t, inputsTracked, slot.memo.inputs.kind)
	slot.mu.RUnlock()

	// re-reading key 0 recomputes it and evicts the now-oldest key 1
	require.Equal(t, 0, q.Get(db, 0))
	_, ok = q.Peek(db, 1)
	require.False(t, ok)
}

func TestLRU_recordUseRefreshesPosition(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	a := NewInput[int, int](g, "a")
	q := NewDerived(g, "q", func(db *DB, key int) int {
		return a.Get(db, key)
	})
	q.SetLRUCapacity(2)

	for i := 0; i < 3; i++ {
		a.Set(db, i, i)
	}

	require.Equal(t, 0, q.Get(db, 0))
	require.Equal(t, 1, q.Get(db, 1))
	require.Equal(t, 0, q.Get(db, 0)) // refresh 0; 1 becomes the oldest
	require.Equal(t, 2, q.Get(db, 2)) // evicts 1

	_, ok := q.Peek(db, 0)
	require.True(t, ok)
	_, ok = q.Peek(db, 1)
	require.False(t, ok)
}

func TestLRU_shrinkEvictsExcess(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	a := NewInput[int, int](g, "a")
	q := NewDerived(g, "q", func(db *DB, key int) int {
		return a.Get(db, key)
	})
	q.SetLRUCapacity(4)

	for i := 0; i < 4; i++ {
		a.Set(db, i, i)
		require.Equal(t, i, q.Get(db, i))
	}

	q.SetLRUCapacity(1)

	var retained int
	for i := 0; i < 4; i++ {
		if _, ok := q.Peek(db, i); ok {
			retained++
		}
	}
	require.Equal(t, 1, retained)
}

func TestLRU_zeroCapacityRetainsEverything(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	a := NewInput[int, int](g, "a")
	q := NewDerived(g, "q", func(db *DB, key int) int {
		return a.Get(db, key)
	})

	const n = 64
	for i := 0; i < n; i++ {
		a.Set(db, i, i)
		require.Equal(t, i, q.Get(db, i))
	}
	for i := 0; i < n; i++ {
		v, ok := q.Peek(db, i)
		require.True(t, ok, fmt.Sprintf("key %d", i))
		require.Equal(t, i, v)
	}
}
