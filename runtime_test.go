package incremental

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntime_revisionsStartAtOne(t *testing.T) {
	db := New()
	rt := db.Runtime()
	require.Equal(t, revisionStart, rt.CurrentRevision())
	for d := DurabilityLow; d <= DurabilityHigh; d++ {
		require.Equal(t, revisionStart, rt.LastChangedRevision(d))
	}
}

func TestRuntime_lastChangedPerDurability(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")
	rt := db.Runtime()

	// setting a fresh key creates a revision but records no change (there
	// was no pre-existing value)
	in.SetWithDurability(db, "x", 1, DurabilityHigh)
	require.Equal(t, Revision(2), rt.CurrentRevision())
	require.Equal(t, revisionStart, rt.LastChangedRevision(DurabilityHigh))

	// modifying the high-durability value advances every level
	in.SetWithDurability(db, "x", 2, DurabilityHigh)
	require.Equal(t, Revision(3), rt.CurrentRevision())
	require.Equal(t, Revision(3), rt.LastChangedRevision(DurabilityHigh))
	require.Equal(t, Revision(3), rt.LastChangedRevision(DurabilityMedium))

	// modifying a low value leaves the high watermark alone
	in.Set(db, "y", 1)
	in.Set(db, "y", 2)
	require.Equal(t, Revision(5), rt.CurrentRevision())
	require.Equal(t, Revision(3), rt.LastChangedRevision(DurabilityHigh))

	// the invariant: lastChanged[d] >= lastChanged[d+1], and
	// lastChanged[LOW] is the current revision
	require.Equal(t, rt.CurrentRevision(), rt.LastChangedRevision(DurabilityLow))
	require.GreaterOrEqual(t,
		rt.LastChangedRevision(DurabilityMedium),
		rt.LastChangedRevision(DurabilityHigh))
	require.GreaterOrEqual(t,
		rt.LastChangedRevision(DurabilityLow),
		rt.LastChangedRevision(DurabilityMedium))
}

func TestDB_syntheticWrite(t *testing.T) {
	db := New()
	rt := db.Runtime()

	db.SyntheticWrite(DurabilityMedium)
	require.Equal(t, Revision(2), rt.CurrentRevision())
	require.Equal(t, Revision(2), rt.LastChangedRevision(DurabilityMedium))
	require.Equal(t, revisionStart, rt.LastChangedRevision(DurabilityHigh))
}

func TestRuntime_snapshotDuringQueryPanics(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	q := NewDerived(g, "q", func(db *DB, key string) int {
		db.Snapshot()
		return 0
	})
	mustPanic(t, func() { q.Get(db, "x") })
	// the active frame must have been popped despite the panic
	require.False(t, db.Runtime().local.queryInProgress())
}

func TestRuntime_setDuringQueryPanics(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")
	q := NewDerived(g, "q", func(db *DB, key string) int {
		in.Set(db, "x", 1)
		return 0
	})
	mustPanic(t, func() { q.Get(db, "x") })
}

func TestRuntime_setOnSnapshotPanics(t *testing.T) {
	db := New()
	g := db.NewGroup("g")
	in := NewInput[string, int](g, "in")
	in.Set(db, "x", 1)

	snap := db.Snapshot()
	defer snap.Close()
	mustPanic(t, func() { in.Set(snap, "x", 2) })
}

func TestRuntime_snapshotIDsAreDense(t *testing.T) {
	db := New()
	require.Equal(t, RuntimeID(0), db.Runtime().ID())
	s1 := db.Snapshot()
	s2 := db.Snapshot()
	defer s1.Close()
	defer s2.Close()
	require.Equal(t, RuntimeID(1), s1.Runtime().ID())
	require.Equal(t, RuntimeID(2), s2.Runtime().ID())
}

// TestRuntime_anonymousRead: polling cancellation when none is pending
// still pins the active query's changed-at to the pending revision.
func TestRuntime_anonymousRead(t *testing.T) {
	db := New()
	db.SyntheticWrite(DurabilityLow) // current = 2
	rt := db.Runtime()

	frame := rt.local.push(DatabaseKeyIndex{})
	require.False(t, rt.IsCurrentRevisionCanceled())
	require.Equal(t, Revision(2), frame.changedAt)
	require.NotNil(t, frame.dependencies, "anonymous reads do not untrack")
	require.Equal(t, durabilityMax, frame.durability, "anonymous reads do not weaken durability")
	rt.local.pop(frame)
}

func TestRuntime_untrackedReadClearsDependencies(t *testing.T) {
	db := New()
	rt := db.Runtime()

	frame := rt.local.push(DatabaseKeyIndex{})
	frame.addRead(dk(1), DurabilityHigh, 1)
	rt.ReportUntrackedRead()
	require.Nil(t, frame.dependencies)
	require.Equal(t, DurabilityLow, frame.durability)
	require.Equal(t, rt.CurrentRevision(), frame.changedAt)
	rt.local.pop(frame)
}

func TestRuntime_reportedReadsKeepInsertionOrder(t *testing.T) {
	db := New()
	rt := db.Runtime()

	frame := rt.local.push(DatabaseKeyIndex{})
	for _, n := range []uint32{5, 3, 9, 3, 5, 1} {
		frame.addRead(dk(n), DurabilityLow, 1)
	}
	require.Equal(t,
		[]DatabaseKeyIndex{dk(5), dk(3), dk(9), dk(1)},
		frame.dependencies.keys())
	rt.local.pop(frame)
}

func TestQueryLock_recursiveSharedAcquire(t *testing.T) {
	db := New()
	s1 := db.Snapshot()
	// nested snapshot: a second shared acquire on the same goroutine must
	// not deadlock
	s2 := s1.Snapshot()
	require.NoError(t, s2.Close())
	require.NoError(t, s1.Close())

	// with all snapshots closed, writes proceed
	db.SyntheticWrite(DurabilityLow)
	require.Equal(t, Revision(2), db.Runtime().CurrentRevision())
}
