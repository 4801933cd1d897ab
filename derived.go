package incremental

import (
	"fmt"
	"reflect"
	"sync"
)

type (
	// DerivedOption models optional configuration, for NewDerived.
	DerivedOption[K comparable, V any] func(x *DerivedQuery[K, V])

	// DerivedQuery is a memoized query: a pure function from key to value,
	// whose reads of other queries are tracked so that memoized results can
	// be revalidated or recomputed when inputs change. Instances must be
	// created via NewDerived, and are bound to the database whose group
	// they were registered in.
	DerivedQuery[K comparable, V any] struct {
		name          string
		groupIndex    uint16
		queryIndex    uint16
		execute       func(db *DB, key K) V
		recoverFn     func(db *DB, cycle []DatabaseKeyIndex, key K) (V, bool)
		equals        func(old, new V) bool
		shouldMemoize func(key K) bool

		mu     sync.RWMutex
		keyMap map[K]uint32
		slots  []*derivedSlot[K, V]

		lru *lruList[*derivedSlot[K, V]]
	}

	// stampedValue is a value together with the revision metadata observed
	// when it was produced.
	stampedValue[V any] struct {
		value      V
		durability Durability
		changedAt  Revision
	}

	// waitResult is what an in-progress owner hands to registered waiters.
	// A non-empty cycle means the computation closed a cycle; each waiter
	// runs its own recovery.
	waitResult[V any] struct {
		value stampedValue[V]
		cycle []DatabaseKeyIndex
	}

	slotState int

	// inProgressState marks that a runtime is currently computing the
	// slot's value; other readers enqueue promises here. The waiting list
	// has its own mutex because waiters register while holding only the
	// slot's read lock.
	inProgressState[V any] struct {
		owner   RuntimeID
		mu      sync.Mutex
		waiting []promise[waitResult[V]]
	}

	memoInputsKind int

	// memoInputs records what a memo depends on: a tracked,
	// insertion-ordered set of database keys, nothing at all, or an
	// unknown (untracked) quantity, which makes the memo unreusable
	// across revisions.
	memoInputs struct {
		kind    memoInputsKind
		tracked []DatabaseKeyIndex
	}

	// memo is a computed query result plus its revision bookkeeping.
	memo[V any] struct {
		// value is nil if the policy said not to memoize, or if the value
		// was evicted.
		value *V

		// verifiedAt is the last revision when the memo's inputs were
		// checked and found still current (when the memo was created, if
		// never revalidated).
		verifiedAt Revision

		// changedAt is the last revision when the value actually changed.
		changedAt Revision

		// durability is the minimum durability of the memo's inputs.
		durability Durability

		inputs memoInputs
	}

	// derivedSlot holds the state for a single (query, key): not computed,
	// in progress, or memoized.
	derivedSlot[K comparable, V any] struct {
		query    *DerivedQuery[K, V]
		key      K
		keyIndex DatabaseKeyIndex

		mu         sync.RWMutex
		state      slotState
		inProgress *inProgressState[V] // non-nil iff state == stateInProgress
		memo       *memo[V]            // non-nil iff state == stateMemoized

		lru lruIndex
	}

	probeKind int

	probeState[V any] struct {
		kind   probeKind
		value  stampedValue[V] // probeUpToDate, unless err is set
		err    *CycleError     // probeUpToDate only
		future blockingFuture[waitResult[V]]
		other  RuntimeID
	}

	// computedResult is the outcome of running the query function inside an
	// active-query frame.
	computedResult[V any] struct {
		value        V
		durability   Durability
		changedAt    Revision
		dependencies *keySet // nil if there was an untracked read
		cycle        []DatabaseKeyIndex
	}

	// cycleDetected reports who attempted to block on whom.
	cycleDetected struct {
		from RuntimeID
		to   RuntimeID
	}

	// panicGuard ensures the InProgress placeholder is always overwritten,
	// even if the query function panics: waiters are abandoned (their waits
	// become propagated panics) and the slot reverts to not-computed.
	panicGuard[K comparable, V any] struct {
		slot *derivedSlot[K, V]
		db   *DB
		done bool
	}
)

const (
	stateNotComputed slotState = iota
	stateInProgress
	stateMemoized
)

const (
	inputsTracked memoInputsKind = iota
	inputsNone
	inputsUntracked
)

const (
	probeUpToDate probeKind = iota
	probePending
	probeStaleOrAbsent
)

// WithRecover configures a cycle recovery hook: when a read of this query
// participates in a cycle, fn may convert the cycle into an ordinary value
// (returning true) instead of the read failing with a CycleError.
func WithRecover[K comparable, V any](fn func(db *DB, cycle []DatabaseKeyIndex, key K) (V, bool)) DerivedOption[K, V] {
	return func(x *DerivedQuery[K, V]) { x.recoverFn = fn }
}

// WithEquals configures the equality used for back-dating (deciding that a
// recomputed value "didn't really change"). Defaults to reflect.DeepEqual.
func WithEquals[K comparable, V any](fn func(old, new V) bool) DerivedOption[K, V] {
	return func(x *DerivedQuery[K, V]) { x.equals = fn }
}

// WithShouldMemoize configures per-key opt-out of storing values.
// Dependencies are still tracked for keys that opt out; only the value is
// dropped, forcing re-execution on the next read.
func WithShouldMemoize[K comparable, V any](fn func(key K) bool) DerivedOption[K, V] {
	return func(x *DerivedQuery[K, V]) { x.shouldMemoize = fn }
}

// NewDerived registers a derived (memoized) query in the given group. The
// execute function must be pure: given the same key and the same state of
// the queries it reads, it must produce an equal value, and it must not
// mutate inputs. A panic will occur if execute is nil.
func NewDerived[K comparable, V any](g *Group, name string, execute func(db *DB, key K) V, options ...DerivedOption[K, V]) *DerivedQuery[K, V] {
	if execute == nil {
		panic(`incremental: nil execute function`)
	}
	x := &DerivedQuery[K, V]{
		name:    name,
		execute: execute,
		equals:  func(old, new V) bool { return reflect.DeepEqual(old, new) },
		keyMap:  make(map[K]uint32),
		lru:     newLRUList[*derivedSlot[K, V]](),
	}
	for _, opt := range options {
		opt(x)
	}
	x.groupIndex, x.queryIndex = g.registerStore(x)
	return x
}

// Name returns the query's name.
func (x *DerivedQuery[K, V]) Name() string {
	return x.name
}

// Get executes the query on the given key, memoized. Panics on cycle
// errors; use TryGet if this query can participate in cycles without a
// recovery hook.
func (x *DerivedQuery[K, V]) Get(db *DB, key K) V {
	v, err := x.TryGet(db, key)
	if err != nil {
		panic(err)
	}
	return v
}

// TryGet executes the query on the given key, memoized. The only error
// returned is *CycleError.
func (x *DerivedQuery[K, V]) TryGet(db *DB, key K) (V, error) {
	slot := x.slotFor(key)

	v, err := slot.read(db)
	if err != nil {
		var zero V
		return zero, err
	}

	if victim, ok := x.lru.recordUse(slot); ok {
		victim.evict()
	}

	db.runtime.reportQueryRead(slot.keyIndex, v.durability, v.changedAt)
	return v.value, nil
}

// Peek returns the value currently in cache for key, if any, without
// executing anything and without recording a read.
func (x *DerivedQuery[K, V]) Peek(db *DB, key K) (V, bool) {
	var zero V
	slot, ok := x.existingSlot(key)
	if !ok {
		return zero, false
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	if slot.state == stateMemoized && slot.memo.value != nil {
		return *slot.memo.value, true
	}
	return zero, false
}

// Durability returns the durability of the memoized value for key, or
// DurabilityLow if there is none (or it could not be cheaply confirmed
// still valid). Panics if the key is currently being computed.
func (x *DerivedQuery[K, V]) Durability(db *DB, key K) Durability {
	slot, ok := x.existingSlot(key)
	if !ok {
		return DurabilityLow
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	switch slot.state {
	case stateNotComputed:
		return DurabilityLow
	case stateInProgress:
		panic(`incremental: query in progress`)
	default:
		if slot.memo.checkDurability(db.runtime) {
			return slot.memo.durability
		}
		return DurabilityLow
	}
}

// Invalidate marks the computed value for key as outdated, forcing
// re-execution on the next read even if all dependencies are up to date.
// Like a write, it creates a new revision, and must be called outside any
// query (on the master handle). Most commonly used as part of an on-demand
// input pattern.
func (x *DerivedQuery[K, V]) Invalidate(db *DB, key K) {
	slot := x.slotFor(key)
	db.runtime.withIncrementedRevision(func(Revision) (Durability, bool) {
		return slot.invalidate()
	})
}

// SetLRUCapacity bounds how many values this query retains: at most cap
// values are present at the same time, with least recently used values
// evicted (their dependency records are kept, so revalidation stays cheap).
// Zero, the default, retains all values.
func (x *DerivedQuery[K, V]) SetLRUCapacity(cap int) {
	for _, victim := range x.lru.setCapacity(cap) {
		victim.evict()
	}
}

// Sweep discards data for this query per the strategy.
func (x *DerivedQuery[K, V]) Sweep(db *DB, strategy SweepStrategy) {
	x.sweep(db.runtime, strategy)
}

// Entries dumps the current table for debugging: every key that is memoized
// or currently being computed, with its cached value if one is present.
// Keys in the not-computed state are omitted.
func (x *DerivedQuery[K, V]) Entries(db *DB) []TableEntry[K, V] {
	x.mu.RLock()
	slots := x.slots
	x.mu.RUnlock()

	var entries []TableEntry[K, V]
	for _, slot := range slots {
		if e, ok := slot.tableEntry(); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// Index returns the database key for the given query key, allocating a slot
// if needed. Useful for comparing against cycle reports and event payloads.
func (x *DerivedQuery[K, V]) Index(key K) DatabaseKeyIndex {
	return x.slotFor(key).keyIndex
}

// Purge completely clears the storage for this query. It breaks the
// engine's invariants - further reads of dependent queries may return
// nonsense - and exists for debugging only.
func (x *DerivedQuery[K, V]) Purge() {
	x.purge()
}

func (x *DerivedQuery[K, V]) slotFor(key K) *derivedSlot[K, V] {
	x.mu.RLock()
	if i, ok := x.keyMap[key]; ok {
		slot := x.slots[i]
		x.mu.RUnlock()
		return slot
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.keyMap[key]; ok {
		return x.slots[i]
	}
	i := uint32(len(x.slots))
	slot := &derivedSlot[K, V]{
		query: x,
		key:   key,
		keyIndex: DatabaseKeyIndex{
			GroupIndex: x.groupIndex,
			QueryIndex: x.queryIndex,
			KeyIndex:   i,
		},
	}
	x.keyMap[key] = i
	x.slots = append(x.slots, slot)
	return slot
}

func (x *DerivedQuery[K, V]) existingSlot(key K) (*derivedSlot[K, V], bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if i, ok := x.keyMap[key]; ok {
		return x.slots[i], true
	}
	return nil, false
}

func (x *DerivedQuery[K, V]) slotForIndex(keyIndex uint32) *derivedSlot[K, V] {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if int(keyIndex) >= len(x.slots) {
		panic(fmt.Sprintf(`incremental: %s: no slot for key index %d`, x.name, keyIndex))
	}
	return x.slots[keyIndex]
}

func (x *DerivedQuery[K, V]) tryRecover(db *DB, cycle []DatabaseKeyIndex, key K) (V, bool) {
	if x.recoverFn == nil {
		var zero V
		return zero, false
	}
	return x.recoverFn(db, cycle, key)
}

func (x *DerivedQuery[K, V]) memoize(key K) bool {
	return x.shouldMemoize == nil || x.shouldMemoize(key)
}

// queryStore implementation.

func (x *DerivedQuery[K, V]) queryName() string { return x.name }

func (x *DerivedQuery[K, V]) maybeChangedSince(db *DB, key DatabaseKeyIndex, since Revision) bool {
	return x.slotForIndex(key.KeyIndex).maybeChangedSince(db, since)
}

func (x *DerivedQuery[K, V]) sweep(rt *Runtime, strategy SweepStrategy) {
	if strategy.discardIf == discardIfNever {
		return
	}
	x.mu.RLock()
	slots := x.slots
	x.mu.RUnlock()
	revisionNow := rt.CurrentRevision()
	for _, slot := range slots {
		slot.sweep(revisionNow, strategy)
	}
}

func (x *DerivedQuery[K, V]) purge() {
	x.lru.purge()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.keyMap = make(map[K]uint32)
	x.slots = nil
}

func (x *DerivedQuery[K, V]) formatIndex(key DatabaseKeyIndex) string {
	return fmt.Sprintf("%s(%v)", x.name, x.slotForIndex(key.KeyIndex).key)
}

func (x *derivedSlot[K, V]) lruIndex() *lruIndex {
	return &x.lru
}

// read returns the (possibly memoized) value for this slot: reusing the
// memo when it is verified at the current revision, joining an in-progress
// computation, and validating or recomputing otherwise.
func (x *derivedSlot[K, V]) read(db *DB) (stampedValue[V], error) {
	revisionNow := db.runtime.CurrentRevision()

	// first, a shallow check with the read lock
	x.mu.RLock()
	p := x.probe(db, revisionNow)
	x.mu.RUnlock()

	switch p.kind {
	case probeUpToDate:
		if p.err != nil {
			return stampedValue[V]{}, p.err
		}
		return p.value, nil
	case probePending:
		return x.waitForValue(db, p.other, p.future)
	}

	return x.readUpgrade(db, revisionNow)
}

// readUpgrade is the second phase of a read: it installs the in-progress
// placeholder and, as needed, validates whether inputs have changed, and
// recomputes the value. Invoked after a probe shows a potentially out of
// date value.
func (x *derivedSlot[K, V]) readUpgrade(db *DB, revisionNow Revision) (stampedValue[V], error) {
	rt := db.runtime

	// probe again under the write lock; another runtime may have produced
	// a fresh memo, or started its own computation, in the interim
	var oldMemo *memo[V]
	{
		x.mu.Lock()
		p := x.probe(db, revisionNow)
		switch p.kind {
		case probeUpToDate:
			x.mu.Unlock()
			if p.err != nil {
				return stampedValue[V]{}, p.err
			}
			return p.value, nil
		case probePending:
			x.mu.Unlock()
			return x.waitForValue(db, p.other, p.future)
		}
		oldMemo = x.memo
		x.memo = nil
		x.inProgress = &inProgressState[V]{owner: rt.id}
		x.state = stateInProgress
		x.mu.Unlock()
	}

	guard := &panicGuard[K, V]{slot: x, db: db}
	defer guard.release()

	// the old value, if any, may now be stale: walk its recorded inputs
	// and check whether any are out of date
	if oldMemo != nil {
		if value, ok := x.validateMemoizedValue(db, oldMemo, revisionNow); ok {
			db.logger().Debug().
				Stringer("key", x.keyIndex).
				Log("validated old memoized value")
			db.event(Event{Kind: EventDidValidateMemoizedValue, Key: x.keyIndex})
			// the memoized value short-circuited execution before entering
			// any cycle, so there is no cycle to hand to waiters
			guard.proceed(oldMemo, value, nil)
			return value, nil
		}
	}

	// not previously executed, or value is stale or absent: execute
	db.event(Event{Kind: EventWillExecute, Key: x.keyIndex})
	db.logger().Debug().
		Stringer("key", x.keyIndex).
		Log("executing query")

	var result computedResult[V]
	func() {
		frame := rt.local.push(x.keyIndex)
		defer rt.local.pop(frame)
		value := x.query.execute(db, x.key)
		result = computedResult[V]{
			value:        value,
			durability:   frame.durability,
			changedAt:    frame.changedAt,
			dependencies: frame.dependencies,
			cycle:        frame.cycle,
		}
	}()

	if len(result.cycle) != 0 {
		if v, ok := x.query.tryRecover(db, result.cycle, x.key); ok {
			result.value = v
		} else {
			err := &CycleError{
				Cycle:      result.cycle,
				ChangedAt:  result.changedAt,
				Durability: result.durability,
			}
			guard.abortWithCycle(err)
			return stampedValue[V]{}, err
		}
	}

	// queries must be side-effect free; sanity check that the revision did
	// not move under us
	if rt.CurrentRevision() != revisionNow {
		panic(`incremental: revision altered during query execution`)
	}

	// If the new value is equal to the old one, then it didn't really
	// change, even if some of its inputs have, so back-date changed-at to
	// the old value's. Careful: a value becoming less durable than it used
	// to be is a breaking change its consumers must be told about;
	// becoming more durable is not.
	if oldMemo != nil && oldMemo.value != nil &&
		result.durability >= oldMemo.durability &&
		x.query.equals(*oldMemo.value, result.value) {
		if oldMemo.changedAt > result.changedAt {
			panic(`incremental: memo changed-at moved backwards`)
		}
		db.logger().Debug().
			Stringer("key", x.keyIndex).
			Stringer("changedAt", oldMemo.changedAt).
			Log("value is equal, back-dating")
		result.changedAt = oldMemo.changedAt
	}

	newValue := stampedValue[V]{
		value:      result.value,
		durability: result.durability,
		changedAt:  result.changedAt,
	}

	var memoized *V
	if x.query.memoize(x.key) {
		v := newValue.value
		memoized = &v
	}

	inputs := memoInputs{kind: inputsUntracked}
	if result.dependencies != nil {
		if keys := result.dependencies.keys(); len(keys) == 0 {
			inputs = memoInputs{kind: inputsNone}
		} else {
			inputs = memoInputs{kind: inputsTracked, tracked: keys}
		}
	}

	guard.proceed(&memo[V]{
		value:      memoized,
		verifiedAt: revisionNow,
		changedAt:  result.changedAt,
		durability: result.durability,
		inputs:     inputs,
	}, newValue, result.cycle)

	return newValue, nil
}

// probe is the shallow, non-recursive check of the slot state. Must be
// called with the state lock held (read or write); in the probePending
// case, the caller must release the lock before awaiting the future.
func (x *derivedSlot[K, V]) probe(db *DB, revisionNow Revision) probeState[V] {
	switch x.state {
	case stateInProgress:
		ip := x.inProgress
		future, cycle := x.registerWithInProgress(db, ip)
		if cycle == nil {
			return probeState[V]{kind: probePending, future: future, other: ip.owner}
		}
		err := db.runtime.reportUnexpectedCycle(x.keyIndex, cycle.from, cycle.to, revisionNow)
		if v, ok := x.query.tryRecover(db, err.Cycle, x.key); ok {
			return probeState[V]{kind: probeUpToDate, value: stampedValue[V]{
				value:      v,
				durability: err.Durability,
				changedAt:  err.ChangedAt,
			}}
		}
		return probeState[V]{kind: probeUpToDate, err: err}

	case stateMemoized:
		if x.memo.value != nil && x.memo.verifiedAt == revisionNow {
			return probeState[V]{kind: probeUpToDate, value: stampedValue[V]{
				value:      *x.memo.value,
				durability: x.memo.durability,
				changedAt:  x.memo.changedAt,
			}}
		}
	}
	return probeState[V]{kind: probeStaleOrAbsent}
}

// registerWithInProgress either registers this runtime to be notified when
// the owner finishes, or reports that doing so would close a cycle.
func (x *derivedSlot[K, V]) registerWithInProgress(db *DB, ip *inProgressState[V]) (blockingFuture[waitResult[V]], *cycleDetected) {
	id := db.runtime.id
	if ip.owner == id {
		return blockingFuture[waitResult[V]]{}, &cycleDetected{from: id, to: id}
	}
	if !db.runtime.tryBlockOn(x.keyIndex, ip.owner) {
		return blockingFuture[waitResult[V]]{}, &cycleDetected{from: id, to: ip.owner}
	}
	future, p := newBlockingFuture[waitResult[V]]()
	ip.mu.Lock()
	ip.waiting = append(ip.waiting, p)
	ip.mu.Unlock()
	return future, nil
}

func (x *derivedSlot[K, V]) waitForValue(db *DB, other RuntimeID, future blockingFuture[waitResult[V]]) (stampedValue[V], error) {
	db.event(Event{Kind: EventWillBlockOn, Key: x.keyIndex, OtherRuntimeID: other})

	result, ok := future.wait()
	if !ok {
		db.propagatedPanic()
	}
	if len(result.cycle) == 0 {
		return result.value, nil
	}

	err := &CycleError{
		Cycle:      result.cycle,
		ChangedAt:  result.value.changedAt,
		Durability: result.value.durability,
	}
	db.runtime.markCycleParticipants(err.Cycle)
	if v, ok := x.query.tryRecover(db, err.Cycle, x.key); ok {
		return stampedValue[V]{value: v, durability: err.Durability, changedAt: err.ChangedAt}, nil
	}
	return stampedValue[V]{}, err
}

// validateMemoizedValue checks whether the memo's recorded inputs are still
// current as of revisionNow, marking it verified and returning its value on
// success. m is private to the caller (removed from the slot).
func (x *derivedSlot[K, V]) validateMemoizedValue(db *DB, m *memo[V], revisionNow Revision) (stampedValue[V], bool) {
	if m.value == nil {
		return stampedValue[V]{}, false
	}
	if m.verifiedAt == revisionNow {
		panic(`incremental: validating memo already verified at current revision`)
	}

	if !m.checkDurability(db.runtime) {
		switch m.inputs.kind {
		case inputsUntracked:
			// unknown inputs cannot be validated; re-execute
			return stampedValue[V]{}, false

		case inputsNone:

		case inputsTracked:
			// Check whether any input changed since the last point where
			// this memo was verified - not since the value last changed.
			// An input may have changed in R2 while our value stayed the
			// same (changed-at R1): our verification date is then R2, and
			// we only care whether the input changed again.
			for _, input := range m.inputs.tracked {
				if db.maybeChangedSince(input, m.verifiedAt) {
					db.logger().Debug().
						Stringer("key", x.keyIndex).
						Stringer("input", input).
						Log("input may have changed")
					return stampedValue[V]{}, false
				}
			}
		}
	}

	m.verifiedAt = revisionNow
	return stampedValue[V]{
		value:      *m.value,
		durability: m.durability,
		changedAt:  m.changedAt,
	}, true
}

// maybeChangedSince reports whether the slot's value may have changed since
// the given revision.
func (x *derivedSlot[K, V]) maybeChangedSince(db *DB, since Revision) bool {
	rt := db.runtime
	revisionNow := rt.CurrentRevision()

	x.mu.RLock()
	switch x.state {
	case stateNotComputed:
		// somebody depends on us, but we have no entry: it must have been
		// found out of date and removed
		x.mu.RUnlock()
		return true

	case stateInProgress:
		// actively being recomputed: wait for that runtime to finish
		// (assuming it is not dependent on us) and check its revision
		ip := x.inProgress
		future, cycle := x.registerWithInProgress(db, ip)
		x.mu.RUnlock()
		if cycle != nil {
			// consider a cycle to have changed
			return true
		}
		result, ok := future.wait()
		if !ok {
			db.propagatedPanic()
		}
		return len(result.cycle) != 0 || result.value.changedAt > since
	}

	m := x.memo
	if m.verifiedAt == revisionNow {
		changed := m.changedAt > since
		x.mu.RUnlock()
		return changed
	}

	// if we only depended on values whose durability has seen no change,
	// we cannot have changed: no need to trace inputs
	if m.checkDurability(rt) {
		x.mu.RUnlock()
		x.maybeChangedSinceUpdate(false, revisionNow)
		return false
	}

	switch m.inputs.kind {
	case inputsUntracked:
		// we do not know the full set of inputs, so in a new revision we
		// must assume the value is dirty
		x.mu.RUnlock()
		return true

	case inputsNone:
		x.mu.RUnlock()
		x.maybeChangedSinceUpdate(false, revisionNow)
		return false
	}

	if m.value != nil {
		// the value may be dirty, and we have it cached: fall back to the
		// full read path, which validates (and back-dates) for us
		x.mu.RUnlock()
		v, err := x.readUpgrade(db, revisionNow)
		if err != nil {
			return true
		}
		return v.changedAt > since
	}

	// a tracked set of inputs, with no cached value: validate them directly
	inputs := m.inputs.tracked
	x.mu.RUnlock()

	maybeChanged := false
	for _, input := range inputs {
		if db.maybeChangedSince(input, since) {
			maybeChanged = true
			break
		}
	}
	x.maybeChangedSinceUpdate(maybeChanged, revisionNow)
	return maybeChanged
}

// maybeChangedSinceUpdate records the outcome of an input walk. The state
// lock was released during the walk, so the slot is probed again: anything
// re-verified (or recomputed, or removed) in the interim is left alone.
func (x *derivedSlot[K, V]) maybeChangedSinceUpdate(maybeChanged bool, revisionNow Revision) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != stateMemoized {
		return
	}
	switch {
	case x.memo.verifiedAt == revisionNow:
		// somebody else verified or recomputed it while we were checking
	case maybeChanged:
		// out of date, and nobody touched it in the meantime: remove it
		x.memo = nil
		x.state = stateNotComputed
	default:
		x.memo.verifiedAt = revisionNow
	}
}

// evict drops the value but keeps the dependency record. Evicting a value
// with untracked inputs is refused: re-execution might observe different
// inputs, producing an inconsistent result within the same revision.
func (x *derivedSlot[K, V]) evict() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state == stateMemoized && x.memo.inputs.kind != inputsUntracked {
		x.memo.value = nil
	}
}

func (x *derivedSlot[K, V]) invalidate() (Durability, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state == stateMemoized {
		x.memo.inputs = memoInputs{kind: inputsUntracked}
		return x.memo.durability, true
	}
	return 0, false
}

func (x *derivedSlot[K, V]) sweep(revisionNow Revision, strategy SweepStrategy) {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case stateNotComputed:
		return
	case stateInProgress:
		// the runtime doing that work has unique access to this slot;
		// do not interfere
		return
	}

	m := x.memo
	if m.verifiedAt > revisionNow {
		panic(`incremental: memo verified in a future revision`)
	}

	switch {
	case strategy.discardIf == discardIfNever:

	case strategy.discardIf == discardIfOutdated && m.verifiedAt == revisionNow:
		// only discarding outdated entries, and this one is not

	case strategy.discardIf == discardIfAlways &&
		m.inputs.kind == inputsUntracked && m.verifiedAt == revisionNow:
		// a live entry with untracked (non-deterministic) inputs: if it
		// were discarded and re-executed later in this revision, the
		// result might differ

	default:
		switch strategy.discardWhat {
		case discardValues:
			m.value = nil
		case discardEverything:
			x.memo = nil
			x.state = stateNotComputed
		}
	}
}

func (x *derivedSlot[K, V]) tableEntry() (TableEntry[K, V], bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	switch x.state {
	case stateNotComputed:
		return TableEntry[K, V]{}, false
	case stateInProgress:
		return TableEntry[K, V]{Key: x.key}, true
	default:
		e := TableEntry[K, V]{Key: x.key}
		if x.memo.value != nil {
			e.Value = *x.memo.value
			e.Present = true
		}
		return e, true
	}
}

// checkDurability is true if the memo is known not to have changed based on
// its durability alone: nothing of that durability has changed since it was
// last verified.
func (x *memo[V]) checkDurability(rt *Runtime) bool {
	return rt.LastChangedRevision(x.durability) <= x.verifiedAt
}

// proceed overwrites the in-progress placeholder with the given memo (nil
// reverts to not-computed) and hands value to any waiters.
func (x *panicGuard[K, V]) proceed(m *memo[V], value stampedValue[V], cycle []DatabaseKeyIndex) {
	x.overwritePlaceholder(m, &value, cycle)
	x.done = true
}

// abortWithCycle clears the placeholder after an unrecovered cycle; waiters
// receive the cycle so that each fails (or recovers) on its own.
func (x *panicGuard[K, V]) abortWithCycle(err *CycleError) {
	x.overwritePlaceholder(nil, &stampedValue[V]{
		durability: err.Durability,
		changedAt:  err.ChangedAt,
	}, err.Cycle)
	x.done = true
}

// release runs deferred: if the owner did not commit (it panicked), the
// placeholder is cleared and waiters are abandoned, so their waits resolve
// to propagated panics.
func (x *panicGuard[K, V]) release() {
	if !x.done {
		x.overwritePlaceholder(nil, nil, nil)
	}
}

func (x *panicGuard[K, V]) overwritePlaceholder(m *memo[V], value *stampedValue[V], cycle []DatabaseKeyIndex) {
	slot := x.slot

	slot.mu.Lock()
	if slot.state != stateInProgress || slot.inProgress == nil {
		slot.mu.Unlock()
		panic(`incremental: slot in unexpected state at commit; this indicates an engine bug`)
	}
	ip := slot.inProgress
	if ip.owner != x.db.runtime.id {
		slot.mu.Unlock()
		panic(`incremental: in-progress slot owned by unexpected runtime; this indicates an engine bug`)
	}
	slot.inProgress = nil
	if m != nil {
		slot.memo = m
		slot.state = stateMemoized
	} else {
		slot.memo = nil
		slot.state = stateNotComputed
	}
	slot.mu.Unlock()

	x.db.runtime.unblockQueriesBlockedOnSelf(&slot.keyIndex)

	ip.mu.Lock()
	waiting := ip.waiting
	ip.waiting = nil
	ip.mu.Unlock()

	for _, p := range waiting {
		if value != nil {
			p.fulfil(waitResult[V]{value: *value, cycle: cycle})
		} else {
			p.abandon()
		}
	}
}
