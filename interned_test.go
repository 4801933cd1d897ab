package incremental

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestInterned_determinismWithinRevision: every intern of the same key in a
// revision returns the same id, and ids round-trip through Lookup.
func TestInterned_determinismWithinRevision(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	paths := NewInterned[string](g, "paths")

	ids := make(map[string]InternID)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("file%d.go", i)
		ids[key] = paths.Intern(db, key)
	}
	require.Len(t, ids, 10)

	for key, id := range ids {
		require.Equal(t, id, paths.Intern(db, key))
		require.Equal(t, key, paths.Lookup(db, id))
	}
}

func TestInterned_idsAreDense(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewInterned[string](g, "q")

	require.Equal(t, InternID(0), q.Intern(db, "a"))
	require.Equal(t, InternID(1), q.Intern(db, "b"))
	require.Equal(t, InternID(2), q.Intern(db, "c"))
}

func TestInterned_reportsHighDurabilityRead(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	paths := NewInterned[string](g, "paths")
	var executions int
	q := NewDerived(g, "q", func(db *DB, key string) InternID {
		executions++
		return paths.Intern(db, key)
	})
	scratch := NewInput[string, int](g, "scratch")

	id := q.Get(db, "x")
	require.Equal(t, DurabilityHigh, q.Durability(db, "x"))

	// low-durability churn does not disturb queries over interned keys
	scratch.Set(db, "y", 1)
	scratch.Set(db, "y", 2)
	require.Equal(t, id, q.Get(db, "x"))
	require.Equal(t, 1, executions)
}

// TestInterned_sweepCollectsStale: values not accessed since the intern
// durability last changed are collected; their ids go on the free list and
// are recycled.
func TestInterned_sweepCollectsStale(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewInterned[string](g, "q")

	idStale := q.Intern(db, "stale")
	_ = q.Intern(db, "kept")

	// a high-durability synthetic write makes everything interned before it
	// eligible for collection...
	db.SyntheticWrite(DurabilityHigh)

	// ...except values accessed in the current revision
	idKept := q.Intern(db, "kept")

	q.Sweep(db, DiscardOutdated())

	_, ok := q.Peek(db, "stale")
	require.False(t, ok, "stale entry must be collected")
	gotKept, ok := q.Peek(db, "kept")
	require.True(t, ok)
	require.Equal(t, idKept, gotKept)

	// the freed id is recycled for the next intern
	require.Equal(t, idStale, q.Intern(db, "fresh"))
}

// TestInterned_neverCollectsCurrentRevision: interned slots accessed in the
// current revision survive any sweep strategy; collecting them would break
// the determinism of ids assigned later in the revision.
func TestInterned_neverCollectsCurrentRevision(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewInterned[string](g, "q")

	id := q.Intern(db, "live")
	q.Sweep(db, SweepStrategy{}.DiscardEverything().SweepAllRevisions())

	got, ok := q.Peek(db, "live")
	require.True(t, ok)
	require.Equal(t, id, got)
	require.Equal(t, id, q.Intern(db, "live"))
}

// TestInterned_collectedDependencyReadsAsChanged: a derived query that
// depends on a collected interned slot re-executes.
func TestInterned_collectedDependencyReadsAsChanged(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewInterned[string](g, "q")
	var executions int
	user := NewDerived(g, "user", func(db *DB, key string) InternID {
		executions++
		return q.Intern(db, key)
	})

	first := user.Get(db, "x")
	require.Equal(t, 1, executions)

	db.SyntheticWrite(DurabilityHigh)
	// collect everything interned before the write; "x" was not accessed
	// in the current revision
	q.Sweep(db, DiscardOutdated())

	// user's dependency is gone: the read re-executes and re-interns
	again := user.Get(db, "x")
	require.Equal(t, 2, executions)
	require.Equal(t, first, again, "the freed id is recycled deterministically")
}

func TestInterned_lookupCollectedPanics(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewInterned[string](g, "q")

	id := q.Intern(db, "x")
	db.SyntheticWrite(DurabilityHigh)
	q.Sweep(db, DiscardOutdated())

	mustPanic(t, func() { q.Lookup(db, id) })
}

func TestInterned_entriesAndPurge(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewInterned[string](g, "q")

	q.Intern(db, "a")
	q.Intern(db, "b")
	require.Len(t, q.Entries(db), 2)

	q.Purge()
	require.Empty(t, q.Entries(db))
	require.Equal(t, InternID(0), q.Intern(db, "z"))
}
