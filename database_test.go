package incremental

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDB_eventsCarryRuntimeID(t *testing.T) {
	var events eventLog
	db := New(WithEventHandler(events.handle))
	g := db.NewGroup("g")
	a := NewInput[string, int](g, "a")
	q := NewDerived(g, "q", func(db *DB, key string) int {
		return a.Get(db, key)
	})

	a.Set(db, "x", 1)
	_ = q.Get(db, "x")

	all := events.all()
	require.NotEmpty(t, all)
	for _, e := range all {
		require.Equal(t, db.Runtime().ID(), e.RuntimeID)
	}

	// reads through a snapshot report the snapshot's runtime id
	events.reset()
	a.Set(db, "x", 2)
	snap := db.Snapshot()
	defer snap.Close()
	_ = q.Get(snap, "x")
	all = events.all()
	require.NotEmpty(t, all)
	for _, e := range all {
		require.Equal(t, snap.Runtime().ID(), e.RuntimeID)
	}
}

func TestDB_eventSequenceForRead(t *testing.T) {
	var events eventLog
	db := New(WithEventHandler(events.handle))
	g := db.NewGroup("g")
	a := NewInput[string, int](g, "a")
	q := NewDerived(g, "q", func(db *DB, key string) int {
		return a.Get(db, key)
	})

	a.Set(db, "x", 1)
	_ = q.Get(db, "x")
	require.Equal(t, []EventKind{EventWillExecute}, kinds(events.all()))

	events.reset()
	_ = q.Get(db, "x") // same revision: no events at all
	require.Empty(t, events.all())

	events.reset()
	db.SyntheticWrite(DurabilityLow)
	_ = q.Get(db, "x")
	require.Equal(t, []EventKind{EventDidValidateMemoizedValue}, kinds(events.all()))
}

func kinds(events []Event) (out []EventKind) {
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return
}

func TestDB_groupAndQueryIndexes(t *testing.T) {
	db := New()
	g1 := db.NewGroup("one")
	g2 := db.NewGroup("two")

	a := NewInput[string, int](g1, "a")
	b := NewInput[string, int](g1, "b")
	c := NewInput[string, int](g2, "c")

	require.Equal(t, DatabaseKeyIndex{GroupIndex: 0, QueryIndex: 0, KeyIndex: 0}, a.Index("k"))
	require.Equal(t, DatabaseKeyIndex{GroupIndex: 0, QueryIndex: 1, KeyIndex: 0}, b.Index("k"))
	require.Equal(t, DatabaseKeyIndex{GroupIndex: 1, QueryIndex: 0, KeyIndex: 0}, c.Index("k"))
	require.Equal(t, DatabaseKeyIndex{GroupIndex: 0, QueryIndex: 0, KeyIndex: 1}, a.Index("k2"))
}

func TestDB_closeIsIdempotent(t *testing.T) {
	db := New()
	snap := db.Snapshot()
	require.NoError(t, snap.Close())
	require.NoError(t, snap.Close())
	require.NoError(t, db.Close())

	// all shared holds released: a write proceeds
	db.SyntheticWrite(DurabilityLow)
}

func TestDB_activeQuery(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	var observed DatabaseKeyIndex
	var observedOK bool
	q := NewDerived(g, "q", func(db *DB, key string) int {
		observed, observedOK = db.Runtime().ActiveQuery()
		return 0
	})

	_, ok := db.Runtime().ActiveQuery()
	require.False(t, ok)

	_ = q.Get(db, "x")
	require.True(t, observedOK)
	require.Equal(t, q.Index("x"), observed)
}
