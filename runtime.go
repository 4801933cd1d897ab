package incremental

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

type (
	// sharedState is the state common to every runtime of a database: the
	// revision counters, the global revision lock, and the dependency graph
	// of blocked runtimes. Its lifecycle equals the database's.
	sharedState struct {
		// nextID stores the next id to use for a snapshotted runtime
		// (starts at 1; the master runtime is 0).
		nextID atomic.Uint64

		// queryLock is held in shared mode whenever derived queries may be
		// executing (snapshot/fork handles), and exclusively while a new
		// revision is created. It is not needed to prevent races - the
		// revision counters are atomics - but enforces the higher-level
		// property that no query observes a revision change mid-flight.
		queryLock *queryLock

		// pendingRevision is typically equal to revisions[0]; it is set to
		// revisions[0]+1 while a new revision is pending, which implies
		// that the current revision is canceled.
		pendingRevision atomicRevision

		// revisions stores the "last change" revision for values of each
		// durability. The element at index 0 is the current revision.
		// Invariant: revisions[i] >= revisions[i+1], since modifying a
		// value with durability d implies values of lower durability may
		// have changed too.
		revisions [durabilityLen]atomicRevision

		graphMu sync.Mutex
		graph   *dependencyGraph

		log *logiface.Logger[logiface.Event]
	}

	// Runtime is the per-handle evaluation state: a unique id, the stack of
	// active queries, and a reference to the shared state. Each snapshot or
	// fork gets an independent Runtime with a distinct id. A Runtime (and
	// the DB handle that owns it) must not be used from multiple goroutines
	// concurrently; concurrency is achieved by snapshotting.
	Runtime struct {
		id RuntimeID

		// revisionGuard is true for snapshot/fork runtimes, which hold a
		// shared acquisition of the revision lock until released.
		revisionGuard bool

		released bool

		local localState

		parent *ForkState

		shared *sharedState
	}

	// ForkState tracks a set of forked runtimes sharing a common ancestry,
	// so that deadlocks involving forks can be detected and cycles found by
	// forked children can be handed back to the parent. Obtain one via
	// DB.Forker.
	ForkState struct {
		parents []RuntimeID

		// active counts forked handles not yet closed.
		active atomic.Int64

		mu    sync.Mutex
		cycle []DatabaseKeyIndex
	}
)

func newSharedState(log *logiface.Logger[logiface.Event]) *sharedState {
	x := &sharedState{
		queryLock: newQueryLock(),
		graph:     newDependencyGraph(),
		log:       log,
	}
	x.nextID.Store(1)
	x.pendingRevision.store(revisionStart)
	for i := range x.revisions {
		x.revisions[i].store(revisionStart)
	}
	return x
}

func newRuntime(shared *sharedState) *Runtime {
	return &Runtime{shared: shared}
}

// ID returns the unique identifier attached to this runtime. Each
// snapshotted runtime has a distinct identifier.
func (x *Runtime) ID() RuntimeID {
	return x.id
}

// ids returns the id of this runtime and the ids of its fork parents.
func (x *Runtime) ids() []RuntimeID {
	var out []RuntimeID
	if x.parent != nil {
		out = append(out, x.parent.parents...)
	}
	return append(out, x.id)
}

// ActiveQuery returns the database key for the query this runtime is
// actively executing, if any.
func (x *Runtime) ActiveQuery() (DatabaseKeyIndex, bool) {
	if frame := x.local.top(); frame != nil {
		return frame.key, true
	}
	return DatabaseKeyIndex{}, false
}

// CurrentRevision reads the current value of the revision counter. Never
// blocks.
func (x *Runtime) CurrentRevision() Revision {
	return x.shared.revisions[0].load()
}

// LastChangedRevision returns the revision in which values of durability d
// may have last changed. For DurabilityLow this is just the current
// revision; for higher durabilities it may lag behind, providing a bound
// that allows skipping dependency walks.
func (x *Runtime) LastChangedRevision(d Durability) Revision {
	return x.shared.revisions[d].load()
}

func (x *Runtime) pendingRevision() Revision {
	return x.shared.pendingRevision.load()
}

// snapshot allocates a fresh runtime sharing this runtime's database state,
// holding the revision fixed until the new runtime is released.
func (x *Runtime) snapshot() *Runtime {
	if x.local.queryInProgress() {
		panic(`incremental: it is not legal to snapshot during a query`)
	}

	x.shared.queryLock.rlock()

	if x.parent != nil {
		x.parent.active.Add(1)
	}

	return &Runtime{
		id:            RuntimeID(x.shared.nextID.Add(1) - 1),
		revisionGuard: true,
		shared:        x.shared,
		parent:        x.parent,
	}
}

// fork is like snapshot, but additionally registers a fork edge in the
// dependency graph so that a deadlock involving forked runtimes can be
// detected.
func (x *Runtime) fork(state *ForkState) *Runtime {
	x.shared.queryLock.rlock()

	id := RuntimeID(x.shared.nextID.Add(1) - 1)

	if !x.tryBlockOnFork(id) {
		panic(`incremental: fork edge closed a cycle`)
	}

	state.active.Add(1)

	return &Runtime{
		id:            id,
		revisionGuard: true,
		shared:        x.shared,
		parent:        state,
	}
}

// release gives up this runtime's hold on the database: its fork edges are
// removed and its shared revision lock is dropped. Idempotent.
func (x *Runtime) release() {
	if x.released {
		return
	}
	x.released = true
	if x.parent != nil {
		x.unblockQueriesBlockedOnSelf(nil)
		x.parent.active.Add(-1)
	}
	if x.revisionGuard {
		x.shared.queryLock.runlock()
	}
}

// IsCurrentRevisionCanceled returns true iff a new revision is pending,
// meaning the result of the currently executing query will be ignored and
// it is free to short-circuit and return whatever it likes.
//
// If this method ever returns true, the currently executing query is also
// marked as having an untracked read, so it will be recomputed in the next
// revision regardless of what it returns. If it returns false, an anonymous
// read of the pending revision is recorded instead, which prevents
// back-dating across a cancellation boundary.
func (x *Runtime) IsCurrentRevisionCanceled() bool {
	currentRevision := x.CurrentRevision()
	pendingRevision := x.pendingRevision()
	if pendingRevision > currentRevision {
		x.ReportUntrackedRead()
		return true
	}
	// Subtle: reporting an anonymous read here bumps the active query's
	// changed-at to be at least the last non-canceled revision, which is
	// needed for deterministic reads. Consider queries q3 -> q2 -> q1,
	// where q1 observes cancellation in R1 and returns a sentinel
	// (recording an untracked read), and then recomputes normally in R2
	// from inputs unchanged since R0. Without the anonymous read, q1's R2
	// result would carry changed-at R0, and q3 would wrongly reuse its R1
	// sentinel-derived result. The anonymous read pins q1's changed-at to
	// R2, forcing q2 and q3 to recompute.
	x.reportAnonRead(pendingRevision)
	return false
}

// withIncrementedRevision acquires the global revision lock exclusively
// (ensuring no queries are executing) and increments the current revision;
// op is invoked with the lock still held and the new revision as argument.
// op returns the durability of the pre-existing value it modified, or false
// if no pre-existing value was modified (e.g. setting a key that was never
// set before); in the former case the last-changed records for every
// durability up to and including d are advanced.
//
// Before blocking on the lock, pendingRevision is bumped, signalling to
// in-flight queries that their results are canceled and they should abort
// as expeditiously as possible.
func (x *Runtime) withIncrementedRevision(op func(next Revision) (Durability, bool)) {
	if !x.permitsIncrement() {
		panic(`incremental: revision incremented during a query computation`)
	}

	// let people know the current revision is canceled
	currentRevision := x.shared.pendingRevision.fetchThenIncrement()

	x.shared.queryLock.lock()
	defer x.shared.queryLock.unlock()

	if old := x.shared.revisions[0].fetchThenIncrement(); old != currentRevision {
		panic(`incremental: revision counter out of sync`)
	}

	newRevision := currentRevision + 1

	x.shared.logger().Debug().
		Stringer("revision", newRevision).
		Log("incremented revision")

	if d, ok := op(newRevision); ok {
		for i := 1; i <= int(d); i++ {
			x.shared.revisions[i].store(newRevision)
		}
	}
}

func (x *Runtime) permitsIncrement() bool {
	return !x.revisionGuard && !x.local.queryInProgress()
}

// reportQueryRead notes that the currently active query read the result of
// another query, with the given durability, last changed at changedAt.
func (x *Runtime) reportQueryRead(input DatabaseKeyIndex, durability Durability, changedAt Revision) {
	if frame := x.local.top(); frame != nil {
		frame.addRead(input, durability, changedAt)
	}
}

// ReportUntrackedRead notes that the currently active query depends on some
// state unknown to the engine. Queries which report untracked reads will be
// re-executed in the next revision.
func (x *Runtime) ReportUntrackedRead() {
	if frame := x.local.top(); frame != nil {
		frame.addUntrackedRead(x.CurrentRevision())
	}
}

// ReportSyntheticRead acts as though the current query had read an input
// with the given durability, forcing the query's durability to be at most d.
// Useful to control the durability of on-demand inputs.
func (x *Runtime) ReportSyntheticRead(d Durability) {
	if frame := x.local.top(); frame != nil {
		frame.addSyntheticRead(d)
	}
}

func (x *Runtime) reportAnonRead(changedAt Revision) {
	if frame := x.local.top(); frame != nil {
		frame.addAnonRead(changedAt)
	}
}

// reportUnexpectedCycle builds the CycleError for a cycle detected while
// reading key, marking the cycle on every participating frame of this
// runtime's stack so each participant can recover independently.
func (x *Runtime) reportUnexpectedCycle(key DatabaseKeyIndex, from, to RuntimeID, changedAt Revision) *CycleError {
	x.shared.logger().Debug().
		Stringer("key", key).
		Stringer("from", from).
		Stringer("to", to).
		Log("cycle detected")

	var cycle []DatabaseKeyIndex
	if from == to {
		// all queries in the cycle are local: the cycle is the slice of
		// our own stack from the most recent frame for key to the top
		start := -1
		for i := len(x.local.stack) - 1; i >= 0; i-- {
			if x.local.stack[i].key == key {
				start = i
				break
			}
		}
		if start < 0 {
			panic(`incremental: query reporting a cycle is not on the stack`)
		}
		participants := x.local.stack[start:]
		cycle = make([]DatabaseKeyIndex, len(participants))
		for i, frame := range participants {
			cycle[i] = frame.key
		}
		for _, frame := range participants {
			frame.cycle = cycle
		}
	} else {
		// part of the cycle is on another thread; reconstruct it from the
		// shared dependency graph
		x.shared.graphMu.Lock()
		cycle = x.shared.graph.cyclePath(key, from, to, x.local.keys())
		x.shared.graphMu.Unlock()
		if len(cycle) == 0 {
			panic(`incremental: empty cycle path`)
		}
		for _, frame := range x.local.stack {
			if containsKey(cycle, frame.key) {
				frame.cycle = cycle
			}
		}
	}

	return &CycleError{Cycle: cycle, ChangedAt: changedAt, Durability: durabilityMax}
}

// markCycleParticipants marks the cycle on the contiguous run of frames at
// the top of the stack that are part of it. Used by runtimes that learn of
// a cycle from a wait result rather than by detecting it themselves.
func (x *Runtime) markCycleParticipants(cycle []DatabaseKeyIndex) {
	for i := len(x.local.stack) - 1; i >= 0; i-- {
		frame := x.local.stack[i]
		if !containsKey(cycle, frame.key) {
			break
		}
		frame.cycle = cycle
	}
	if x.parent != nil {
		x.parent.addCycle(cycle)
	}
}

// tryBlockOn attempts to make this runtime blocked on other, waiting for
// databaseKey. Returns false if the edge would close a cycle.
func (x *Runtime) tryBlockOn(databaseKey DatabaseKeyIndex, other RuntimeID) bool {
	x.shared.graphMu.Lock()
	defer x.shared.graphMu.Unlock()
	return x.shared.graph.addEdge(x.id, &databaseKey, other, x.local.keys())
}

func (x *Runtime) tryBlockOnFork(other RuntimeID) bool {
	x.shared.graphMu.Lock()
	defer x.shared.graphMu.Unlock()
	return x.shared.graph.addEdge(x.id, nil, other, x.local.keys())
}

// unblockQueriesBlockedOnSelf tears down the graph edges of runtimes
// waiting on this one; a nil key removes fork edges.
func (x *Runtime) unblockQueriesBlockedOnSelf(databaseKey *DatabaseKeyIndex) {
	x.shared.graphMu.Lock()
	defer x.shared.graphMu.Unlock()
	x.shared.graph.removeEdge(databaseKey, x.id)
}

func (x *sharedState) logger() *logiface.Logger[logiface.Event] {
	return x.log
}

func (x *ForkState) addCycle(cycle []DatabaseKeyIndex) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cycle = append(x.cycle, cycle...)
}

func containsKey(keys []DatabaseKeyIndex, k DatabaseKeyIndex) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}
