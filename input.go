package incremental

import (
	"fmt"
	"sync"
)

type (
	// InputQuery is assign-only storage: values are set explicitly, with a
	// chosen durability, and every Set creates a new revision. Inputs are
	// the leaves that derived queries are recomputed from.
	InputQuery[K comparable, V any] struct {
		name       string
		groupIndex uint16
		queryIndex uint16

		mu     sync.RWMutex
		keyMap map[K]uint32
		slots  []*inputSlot[K, V]
	}

	inputSlot[K comparable, V any] struct {
		key      K
		keyIndex DatabaseKeyIndex

		mu      sync.RWMutex
		set     bool
		stamped stampedValue[V]
	}
)

// NewInput registers an input query in the given group.
func NewInput[K comparable, V any](g *Group, name string) *InputQuery[K, V] {
	x := &InputQuery[K, V]{
		name:   name,
		keyMap: make(map[K]uint32),
	}
	x.groupIndex, x.queryIndex = g.registerStore(x)
	return x
}

// Name returns the query's name.
func (x *InputQuery[K, V]) Name() string {
	return x.name
}

// Set assigns a value to the input, with DurabilityLow. Must be called on
// the master handle, outside of any query computation; blocks until all
// snapshots are closed.
func (x *InputQuery[K, V]) Set(db *DB, key K, value V) {
	x.SetWithDurability(db, key, value, DurabilityLow)
}

// SetWithDurability assigns a value to the input, with the additional
// promise that values of the given durability change correspondingly
// rarely. Must be called on the master handle, outside of any query
// computation; blocks until all snapshots are closed.
func (x *InputQuery[K, V]) SetWithDurability(db *DB, key K, value V, durability Durability) {
	slot := x.slotFor(key)
	db.logger().Debug().
		Stringer("key", slot.keyIndex).
		Stringer("durability", durability).
		Log("setting input")
	db.runtime.withIncrementedRevision(func(next Revision) (Durability, bool) {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		old := slot.stamped
		wasSet := slot.set
		slot.set = true
		slot.stamped = stampedValue[V]{value: value, durability: durability, changedAt: next}
		if wasSet {
			// a pre-existing value was modified: the last-changed records
			// for its durability (and below) must advance
			return old.durability, true
		}
		return 0, false
	})
}

// Get returns the input's value, recording the read on the active query.
// Panics if the key was never set.
func (x *InputQuery[K, V]) Get(db *DB, key K) V {
	slot, ok := x.existingSlot(key)
	if !ok {
		panic(fmt.Sprintf(`incremental: no value set for %s(%v)`, x.name, key))
	}
	slot.mu.RLock()
	stamped := slot.stamped
	set := slot.set
	slot.mu.RUnlock()
	if !set {
		panic(fmt.Sprintf(`incremental: no value set for %s(%v)`, x.name, key))
	}
	db.runtime.reportQueryRead(slot.keyIndex, stamped.durability, stamped.changedAt)
	return stamped.value
}

// Peek returns the input's value, if set, without recording a read.
func (x *InputQuery[K, V]) Peek(db *DB, key K) (V, bool) {
	if slot, ok := x.existingSlot(key); ok {
		slot.mu.RLock()
		defer slot.mu.RUnlock()
		if slot.set {
			return slot.stamped.value, true
		}
	}
	var zero V
	return zero, false
}

// Durability returns the durability the key was set with, or DurabilityLow
// if it was never set.
func (x *InputQuery[K, V]) Durability(db *DB, key K) Durability {
	if slot, ok := x.existingSlot(key); ok {
		slot.mu.RLock()
		defer slot.mu.RUnlock()
		if slot.set {
			return slot.stamped.durability
		}
	}
	return DurabilityLow
}

// Entries dumps the current table for debugging.
func (x *InputQuery[K, V]) Entries(db *DB) []TableEntry[K, V] {
	x.mu.RLock()
	slots := x.slots
	x.mu.RUnlock()

	var entries []TableEntry[K, V]
	for _, slot := range slots {
		slot.mu.RLock()
		if slot.set {
			entries = append(entries, TableEntry[K, V]{Key: slot.key, Value: slot.stamped.value, Present: true})
		}
		slot.mu.RUnlock()
	}
	return entries
}

// Index returns the database key for the given query key, allocating a slot
// if needed.
func (x *InputQuery[K, V]) Index(key K) DatabaseKeyIndex {
	return x.slotFor(key).keyIndex
}

// Purge completely clears the storage for this query; debugging only, as it
// breaks the engine's invariants.
func (x *InputQuery[K, V]) Purge() {
	x.purge()
}

func (x *InputQuery[K, V]) slotFor(key K) *inputSlot[K, V] {
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
	slot := &inputSlot[K, V]{
		key: key,
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

func (x *InputQuery[K, V]) existingSlot(key K) (*inputSlot[K, V], bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if i, ok := x.keyMap[key]; ok {
		return x.slots[i], true
	}
	return nil, false
}

// queryStore implementation.

func (x *InputQuery[K, V]) queryName() string { return x.name }

func (x *InputQuery[K, V]) maybeChangedSince(db *DB, key DatabaseKeyIndex, since Revision) bool {
	x.mu.RLock()
	if int(key.KeyIndex) >= len(x.slots) {
		x.mu.RUnlock()
		panic(fmt.Sprintf(`incremental: %s: no slot for key index %d`, x.name, key.KeyIndex))
	}
	slot := x.slots[key.KeyIndex]
	x.mu.RUnlock()

	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.stamped.changedAt > since
}

func (x *InputQuery[K, V]) sweep(rt *Runtime, strategy SweepStrategy) {
	// inputs are never derived, so there is nothing to collect
}

func (x *InputQuery[K, V]) purge() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.keyMap = make(map[K]uint32)
	x.slots = nil
}

func (x *InputQuery[K, V]) formatIndex(key DatabaseKeyIndex) string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if int(key.KeyIndex) < len(x.slots) {
		return fmt.Sprintf("%s(%v)", x.name, x.slots[key.KeyIndex].key)
	}
	return key.String()
}
