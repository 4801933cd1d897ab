package incremental

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInput_setAndGet(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")

	in.Set(db, "x", 1)
	require.Equal(t, 1, in.Get(db, "x"))

	in.Set(db, "x", 2)
	require.Equal(t, 2, in.Get(db, "x"))

	require.Equal(t, DurabilityLow, in.Durability(db, "x"))
	in.SetWithDurability(db, "y", 3, DurabilityMedium)
	require.Equal(t, DurabilityMedium, in.Durability(db, "y"))
}

func TestInput_getUnsetPanics(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")

	v := mustPanic(t, func() { in.Get(db, "missing") })
	require.Contains(t, v.(string), "no value set for in(missing)")
}

func TestInput_peek(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")

	_, ok := in.Peek(db, "x")
	require.False(t, ok)
	in.Set(db, "x", 5)
	v, ok := in.Peek(db, "x")
	require.True(t, ok)
	require.Equal(t, 5, v)
}

func TestInput_maybeChangedSince(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")

	in.Set(db, "x", 1) // R2
	idx := in.Index("x")
	require.True(t, in.maybeChangedSince(db, idx, 1))
	require.False(t, in.maybeChangedSince(db, idx, 2))

	in.Set(db, "x", 2) // R3
	require.True(t, in.maybeChangedSince(db, idx, 2))
}

func TestInput_entries(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")

	in.Set(db, "a", 1)
	in.Set(db, "b", 2)
	entries := in.Entries(db)
	require.Len(t, entries, 2)

	in.Purge()
	require.Empty(t, in.Entries(db))
}
