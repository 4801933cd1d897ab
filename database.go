package incremental

import (
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
)

type (
	// Option models optional configuration, for New.
	Option func(c *config)

	config struct {
		log               *logiface.Logger[logiface.Event]
		onEvent           func(Event)
		onPropagatedPanic func()
	}

	// dbShared is the database-wide state shared by all handles: the
	// runtime shared state, the registered query groups, and the hooks.
	dbShared struct {
		state *sharedState

		onEvent           func(Event)
		onPropagatedPanic func()

		mu     sync.Mutex
		groups []*Group
	}

	// DB is a handle to the database. The handle returned by New is the
	// master handle: it is the only one that may assign inputs (and thus
	// create new revisions). Snapshot and Forker return additional handles
	// that hold the database fixed at the current revision until closed.
	//
	// A handle must not be used from multiple goroutines concurrently; to
	// evaluate queries in parallel, give each goroutine its own snapshot.
	DB struct {
		shared  *dbShared
		runtime *Runtime
	}

	// Group is a query group: a named collection of queries sharing a group
	// index. Queries are added to a group via NewDerived, NewInput and
	// NewInterned. All registration must complete before the first query
	// executes.
	Group struct {
		name   string
		index  uint16
		shared *dbShared
		stores []queryStore
	}

	// queryStore is the per-query storage contract used for dispatch by
	// DatabaseKeyIndex, and for the mass operations (sweep, purge).
	queryStore interface {
		queryName() string
		maybeChangedSince(db *DB, key DatabaseKeyIndex, since Revision) bool
		sweep(rt *Runtime, strategy SweepStrategy)
		purge()
		formatIndex(key DatabaseKeyIndex) string
	}

	// Forker forks new DB handles that can query the database
	// concurrently. All forked handles must be closed before Join is
	// called, and Join must be called before the Forker is discarded.
	Forker struct {
		db    *DB
		state *ForkState
	}

	// TableEntry is a debug dump entry for a single key of a query, as
	// returned by the storages' Entries methods.
	TableEntry[K comparable, V any] struct {
		Key K

		// Value is the cached value; only meaningful if Present.
		Value V

		// Present is false if the key is known but its value is not
		// currently cached (in progress, evicted, or not memoized).
		Present bool
	}
)

// WithLogger configures structured logging for the database. The logger may
// be nil (the default), which disables logging.
func WithLogger(log *logiface.Logger[logiface.Event]) Option {
	return func(c *config) { c.log = log }
}

// WithEventHandler installs a hook invoked at key points during execution,
// e.g. to inject logging, metrics, or test instrumentation. The handler is
// called synchronously from whichever runtime triggered the event, so it
// must be safe for concurrent use.
func WithEventHandler(fn func(Event)) Option {
	return func(c *config) { c.onEvent = fn }
}

// WithPropagatedPanicHandler configures the behavior when a query blocked on
// another runtime observes that the other runtime's query function
// panicked. The handler must not return normally; the default panics.
func WithPropagatedPanicHandler(fn func()) Option {
	return func(c *config) { c.onPropagatedPanic = fn }
}

// New constructs a database and returns its master handle.
func New(options ...Option) *DB {
	var c config
	for _, o := range options {
		o(&c)
	}
	shared := &dbShared{
		state:             newSharedState(c.log),
		onEvent:           c.onEvent,
		onPropagatedPanic: c.onPropagatedPanic,
	}
	return &DB{
		shared:  shared,
		runtime: newRuntime(shared.state),
	}
}

// NewGroup registers a query group. Must be called on the master handle,
// before any query executes.
func (x *DB) NewGroup(name string) *Group {
	x.shared.mu.Lock()
	defer x.shared.mu.Unlock()
	if len(x.shared.groups) > int(^uint16(0)) {
		panic(`incremental: too many query groups`)
	}
	g := &Group{
		name:   name,
		index:  uint16(len(x.shared.groups)),
		shared: x.shared,
	}
	x.shared.groups = append(x.shared.groups, g)
	return g
}

// registerStore appends a query storage to the group, returning the indexes
// that identify it.
func (x *Group) registerStore(s queryStore) (group, query uint16) {
	x.shared.mu.Lock()
	defer x.shared.mu.Unlock()
	if len(x.stores) > int(^uint16(0)) {
		panic(`incremental: too many queries in group`)
	}
	query = uint16(len(x.stores))
	x.stores = append(x.stores, s)
	return x.index, query
}

// Name returns the group's name.
func (x *Group) Name() string {
	return x.name
}

// Runtime returns the runtime backing this handle.
func (x *DB) Runtime() *Runtime {
	return x.runtime
}

// IsCurrentRevisionCanceled is shorthand for the Runtime method of the same
// name.
func (x *DB) IsCurrentRevisionCanceled() bool {
	return x.runtime.IsCurrentRevisionCanceled()
}

// SyntheticWrite causes the system to act as though some input of the given
// durability has changed, creating a new revision without modifying any
// value. This is mostly useful for profiling and for garbage-collection
// scenarios: a sweep performed after a synthetic write at DurabilityHigh
// plus a re-execution of a query Q retains exactly what Q used.
//
// Like an ordinary write, this triggers cancellation, and blocks until all
// snapshots are closed - calling it while holding an open snapshot on the
// same goroutine will deadlock.
func (x *DB) SyntheticWrite(durability Durability) {
	x.runtime.withIncrementedRevision(func(Revision) (Durability, bool) {
		return durability, true
	})
}

// Snapshot creates a second handle that holds the database fixed at the
// current revision. So long as the snapshot is open, any attempt to set an
// input will block; close it promptly (typically via defer).
//
// Panics if called during a query.
func (x *DB) Snapshot() *DB {
	return &DB{
		shared:  x.shared,
		runtime: x.runtime.snapshot(),
	}
}

// Forker returns a Forker that forks handles able to query the database
// concurrently, with deadlocks across forks detected. All forked handles
// must be closed, and then Join called, before the Forker is discarded.
func (x *DB) Forker() *Forker {
	return &Forker{
		db: x,
		state: &ForkState{
			parents: x.runtime.ids(),
		},
	}
}

// Close releases this handle's hold on the database (its shared revision
// lock and any fork edges). Required for handles returned by Snapshot and
// Forker.Fork; harmless on the master handle. Idempotent.
func (x *DB) Close() error {
	x.runtime.release()
	return nil
}

// Fork returns a new handle which can be used to run queries concurrently
// with the parent and with other forks.
func (x *Forker) Fork() *DB {
	return &DB{
		shared:  x.db.shared,
		runtime: x.db.runtime.fork(x.state),
	}
}

// Join completes the fork set. Panics if forked handles are still open.
// Any cycle discovered by a forked child is marked on the parent's active
// queries, so the parent's own read observes it.
func (x *Forker) Join() {
	if x.state.active.Load() != 0 {
		panic(`incremental: forker joined before forked databases were closed`)
	}
	x.state.mu.Lock()
	cycle := x.state.cycle
	x.state.cycle = nil
	x.state.mu.Unlock()
	if len(cycle) != 0 {
		x.db.runtime.markCycleParticipants(cycle)
	}
}

// SweepAll discards data from every registered query storage according to
// the strategy. No global lock is taken; each storage sweeps on its own
// (derived storages slot by slot, under each slot's lock).
func (x *DB) SweepAll(strategy SweepStrategy) {
	for _, g := range x.shared.groupList() {
		for _, s := range g.stores {
			s.sweep(x.runtime, strategy)
		}
	}
}

// FormatIndex renders a database key with its query name and key value,
// e.g. `sum("a")`, for debug output.
func (x *DB) FormatIndex(key DatabaseKeyIndex) string {
	if s := x.shared.store(key); s != nil {
		return s.formatIndex(key)
	}
	return key.String()
}

// maybeChangedSince routes to the storage owning the key: true iff the
// value identified by key may have changed since the given revision.
func (x *DB) maybeChangedSince(key DatabaseKeyIndex, since Revision) bool {
	s := x.shared.store(key)
	if s == nil {
		panic(fmt.Sprintf(`incremental: unknown database key %v`, key))
	}
	return s.maybeChangedSince(x, key, since)
}

func (x *DB) event(e Event) {
	if x.shared.onEvent != nil {
		e.RuntimeID = x.runtime.id
		x.shared.onEvent(e)
	}
}

func (x *DB) propagatedPanic() {
	if x.shared.onPropagatedPanic != nil {
		x.shared.onPropagatedPanic()
	}
	panic(`incremental: concurrent query panicked`)
}

func (x *DB) logger() *logiface.Logger[logiface.Event] {
	return x.shared.state.log
}

func (x *dbShared) groupList() []*Group {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.groups
}

func (x *dbShared) store(key DatabaseKeyIndex) queryStore {
	x.mu.Lock()
	defer x.mu.Unlock()
	if int(key.GroupIndex) >= len(x.groups) {
		return nil
	}
	g := x.groups[key.GroupIndex]
	if int(key.QueryIndex) >= len(g.stores) {
		return nil
	}
	return g.stores[key.QueryIndex]
}
