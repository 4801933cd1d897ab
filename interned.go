package incremental

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// InternID is the small integer identifier assigned to an interned value.
// IDs are dense, starting at 0, and free IDs are recycled after a sweep
// collects their slots.
type InternID uint32

// internDurability is the durability reported for intern reads: an intern
// key, once assigned, is stable for the lifetime of the slot.
const internDurability = DurabilityHigh

type (
	// InternedQuery assigns content-addressed InternIDs to hashable
	// values. Interning and lookup both count as query reads (durability
	// HIGH, changed-at the revision the value was interned in), so
	// dependents are recomputed if a value is collected and later
	// re-interned under a different id.
	InternedQuery[K comparable] struct {
		name       string
		groupIndex uint16
		queryIndex uint16

		mu        sync.RWMutex
		m         map[K]InternID
		values    []internEntry[K]
		firstFree int32 // index of the first free entry, -1 if none
	}

	// internEntry is either present (slot non-nil) or part of the
	// free-list.
	internEntry[K comparable] struct {
		slot *internSlot[K]
		next int32 // next free entry when slot is nil, -1 if none
	}

	internSlot[K comparable] struct {
		id       InternID
		keyIndex DatabaseKeyIndex
		value    K

		// internedAt informs the changed-at of reads.
		internedAt Revision

		// accessedAt is the revision the slot was last accessed in, or 0
		// if it has been garbage collected. Slots accessed in the current
		// revision are never collected; to protect a slot, accessedAt is
		// bumped to the current revision while the table lock is held.
		accessedAt atomic.Uint64
	}
)

// NewInterned registers an interning query in the given group.
func NewInterned[K comparable](g *Group, name string) *InternedQuery[K] {
	x := &InternedQuery[K]{
		name:      name,
		m:         make(map[K]InternID),
		firstFree: -1,
	}
	x.groupIndex, x.queryIndex = g.registerStore(x)
	return x
}

// Name returns the query's name.
func (x *InternedQuery[K]) Name() string {
	return x.name
}

// Intern returns the id for the given value, assigning one if it has none,
// and records the read on the active query.
func (x *InternedQuery[K]) Intern(db *DB, key K) InternID {
	slot := x.internIndex(db, key)
	db.runtime.reportQueryRead(slot.keyIndex, internDurability, slot.internedAt)
	return slot.id
}

// Lookup returns the value interned under id, and records the read on the
// active query. The caller must hold a live reference: looking up an id
// that was garbage collected is a bug, and panics.
func (x *InternedQuery[K]) Lookup(db *DB, id InternID) K {
	slot := x.lookupValue(db, id)
	db.runtime.reportQueryRead(slot.keyIndex, internDurability, slot.internedAt)
	return slot.value
}

// Peek returns the id for the given value, if it is currently interned,
// without recording a read.
func (x *InternedQuery[K]) Peek(db *DB, key K) (InternID, bool) {
	if slot := x.internCheck(db, key); slot != nil {
		return slot.id, true
	}
	return 0, false
}

// Durability returns the durability of intern reads.
func (x *InternedQuery[K]) Durability(db *DB, key K) Durability {
	return internDurability
}

// Entries dumps the current intern table for debugging.
func (x *InternedQuery[K]) Entries(db *DB) []TableEntry[K, InternID] {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var entries []TableEntry[K, InternID]
	for key, id := range x.m {
		entries = append(entries, TableEntry[K, InternID]{Key: key, Value: id, Present: true})
	}
	return entries
}

// Sweep garbage-collects interned values per the strategy. Only values not
// accessed since the intern durability last changed are candidates; values
// accessed in the current revision are never collected, since discarding
// them would break the determinism of ids assigned later in the revision.
func (x *InternedQuery[K]) Sweep(db *DB, strategy SweepStrategy) {
	x.sweep(db.runtime, strategy)
}

// Purge completely clears the storage for this query; debugging only, as it
// breaks the engine's invariants.
func (x *InternedQuery[K]) Purge() {
	x.purge()
}

// internIndex returns the slot for key, interning it if required. In either
// case the slot's accessedAt is the current revision on return, so it
// cannot be collected while the current queries execute.
func (x *InternedQuery[K]) internIndex(db *DB, key K) *internSlot[K] {
	if slot := x.internCheck(db, key); slot != nil {
		return slot
	}

	revisionNow := db.runtime.CurrentRevision()

	x.mu.Lock()
	defer x.mu.Unlock()

	if id, ok := x.m[key]; ok {
		// somebody interned this key while we were waiting for the write
		// lock; they bumped accessedAt already, but it costs nothing to be
		// sure
		slot := x.presentSlot(id)
		if !slot.tryUpdateAccessedAt(revisionNow) {
			panic(`incremental: interned slot collected while table lock held`)
		}
		return slot
	}

	var id InternID
	if x.firstFree >= 0 {
		id = InternID(x.firstFree)
		entry := &x.values[id]
		if entry.slot != nil {
			panic(fmt.Sprintf(`incremental: intern index %d was supposed to be free`, id))
		}
		x.firstFree = entry.next
	} else {
		id = InternID(len(x.values))
		x.values = append(x.values, internEntry[K]{next: -1})
	}

	slot := &internSlot[K]{
		id: id,
		keyIndex: DatabaseKeyIndex{
			GroupIndex: x.groupIndex,
			QueryIndex: x.queryIndex,
			KeyIndex:   uint32(id),
		},
		value:      key,
		internedAt: revisionNow,
	}
	slot.accessedAt.Store(uint64(revisionNow))
	x.values[id] = internEntry[K]{slot: slot, next: -1}
	x.m[key] = id

	db.logger().Trace().
		Stringer("key", slot.keyIndex).
		Stringer("revision", revisionNow).
		Log("interned value")

	return slot
}

// internCheck returns the slot for key if it is interned, protecting it
// from collection by bumping accessedAt while the read lock is held.
func (x *InternedQuery[K]) internCheck(db *DB, key K) *internSlot[K] {
	revisionNow := db.runtime.CurrentRevision()
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.m[key]
	if !ok {
		return nil
	}
	slot := x.presentSlot(id)
	if !slot.tryUpdateAccessedAt(revisionNow) {
		// the sweep cannot race us while we hold the read lock
		panic(`incremental: interned slot collected while table lock held`)
	}
	return slot
}

// lookupValue returns the slot at id, bumping its accessedAt.
func (x *InternedQuery[K]) lookupValue(db *DB, id InternID) *internSlot[K] {
	revisionNow := db.runtime.CurrentRevision()
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot := x.presentSlot(id)
	if !slot.tryUpdateAccessedAt(revisionNow) {
		panic(`incremental: interned slot collected while table lock held`)
	}
	return slot
}

// presentSlot fetches the slot at id, which must not be free. Callers hold
// the table lock.
func (x *InternedQuery[K]) presentSlot(id InternID) *internSlot[K] {
	if int(id) >= len(x.values) || x.values[id].slot == nil {
		panic(fmt.Sprintf(`incremental: %s: intern index %d is free but should not be`, x.name, id))
	}
	return x.values[id].slot
}

// queryStore implementation.

func (x *InternedQuery[K]) queryName() string { return x.name }

func (x *InternedQuery[K]) maybeChangedSince(db *DB, key DatabaseKeyIndex, since Revision) bool {
	revisionNow := db.runtime.CurrentRevision()
	x.mu.RLock()
	defer x.mu.RUnlock()
	id := InternID(key.KeyIndex)
	if int(id) >= len(x.values) || x.values[id].slot == nil {
		// collected and freed since the dependent's memo recorded it
		return true
	}
	slot := x.values[id].slot
	if !slot.tryUpdateAccessedAt(revisionNow) {
		// collected: certainly changed
		return true
	}
	return slot.internedAt > since
}

func (x *InternedQuery[K]) sweep(rt *Runtime, strategy SweepStrategy) {
	if strategy.discardIf == discardIfNever {
		return
	}
	lastChanged := rt.LastChangedRevision(internDurability)
	revisionNow := rt.CurrentRevision()

	x.mu.Lock()
	defer x.mu.Unlock()
	for key, id := range x.m {
		entry := &x.values[id]
		if entry.slot == nil {
			panic(fmt.Sprintf(`incremental: %s: key maps to free intern index %d`, x.name, id))
		}
		if entry.slot.tryCollect(lastChanged, revisionNow) {
			x.values[id] = internEntry[K]{next: x.firstFree}
			x.firstFree = int32(id)
			delete(x.m, key)
		}
	}
}

func (x *InternedQuery[K]) purge() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.m = make(map[K]InternID)
	x.values = nil
	x.firstFree = -1
}

func (x *InternedQuery[K]) formatIndex(key DatabaseKeyIndex) string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id := InternID(key.KeyIndex)
	if int(id) < len(x.values) && x.values[id].slot != nil {
		return fmt.Sprintf("%s(%v)", x.name, x.values[id].slot.value)
	}
	return key.String()
}

// tryUpdateAccessedAt bumps accessedAt to the current revision, returning
// false if the slot was garbage collected in the interim.
func (x *internSlot[K]) tryUpdateAccessedAt(revisionNow Revision) bool {
	for {
		old := x.accessedAt.Load()
		if old == 0 {
			return false
		}
		if x.accessedAt.CompareAndSwap(old, uint64(revisionNow)) {
			return true
		}
	}
}

// tryCollect attempts to collect this slot during a sweep. It fails if the
// slot was accessed since the intern durability last changed: there may be
// outstanding references still considered valid. The CAS may race with a
// verification attempt, which always bumps accessedAt to the current
// revision; in that case the slot stays.
func (x *internSlot[K]) tryCollect(lastChanged, revisionNow Revision) bool {
	accessed := x.accessedAt.Load()
	if accessed == 0 {
		panic(`incremental: interned slot collected twice`)
	}
	if Revision(accessed) >= lastChanged {
		return false
	}
	return x.accessedAt.CompareAndSwap(accessed, 0)
}
