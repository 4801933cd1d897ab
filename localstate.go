package incremental

type (
	// keySet is an insertion-order-preserving set of database keys, used to
	// track the inputs accessed during query execution. Validation replays
	// the keys in exactly the order they were first read.
	keySet struct {
		seen  map[DatabaseKeyIndex]struct{}
		order []DatabaseKeyIndex
	}

	// activeQuery accumulates the observations made while a query function
	// executes: the inputs it read, the minimum durability and maximum
	// changed-at revision among them, and the cycle it participated in, if
	// any.
	activeQuery struct {
		// key is the query being executed.
		key DatabaseKeyIndex

		// durability is the minimum durability of inputs observed so far.
		durability Durability

		// changedAt is the maximum changed-at revision of all inputs
		// observed. An untracked read forces it to the current revision.
		changedAt Revision

		// dependencies is the set of subqueries accessed thus far, or nil
		// if there was an untracked read.
		dependencies *keySet

		// cycle stores the entire cycle, if one was found and this query is
		// part of it.
		cycle []DatabaseKeyIndex
	}

	// localState is the per-runtime (per-thread) stack of active queries.
	// It is only ever touched by the goroutine that owns the runtime.
	localState struct {
		stack []*activeQuery
	}
)

func newKeySet() *keySet {
	return &keySet{seen: make(map[DatabaseKeyIndex]struct{})}
}

func (x *keySet) add(k DatabaseKeyIndex) {
	if _, ok := x.seen[k]; ok {
		return
	}
	x.seen[k] = struct{}{}
	x.order = append(x.order, k)
}

func (x *keySet) keys() []DatabaseKeyIndex {
	return x.order
}

func newActiveQuery(key DatabaseKeyIndex) *activeQuery {
	return &activeQuery{
		key:          key,
		durability:   durabilityMax,
		dependencies: newKeySet(),
	}
}

func (x *activeQuery) addRead(input DatabaseKeyIndex, durability Durability, changedAt Revision) {
	if x.dependencies != nil {
		x.dependencies.add(input)
	}
	x.durability = minDurability(x.durability, durability)
	x.changedAt = max(x.changedAt, changedAt)
}

func (x *activeQuery) addUntrackedRead(changedAt Revision) {
	x.dependencies = nil
	x.durability = DurabilityLow
	x.changedAt = changedAt
}

func (x *activeQuery) addSyntheticRead(durability Durability) {
	x.durability = minDurability(x.durability, durability)
}

// addAnonRead modifies changedAt to be at least the given revision, without
// recording a dependency or affecting durability. Used when queries check
// whether they have been canceled.
func (x *activeQuery) addAnonRead(changedAt Revision) {
	x.changedAt = max(x.changedAt, changedAt)
}

func (x *localState) push(key DatabaseKeyIndex) *activeQuery {
	frame := newActiveQuery(key)
	x.stack = append(x.stack, frame)
	return frame
}

// pop removes the top frame, which must be the given one.
func (x *localState) pop(frame *activeQuery) {
	if len(x.stack) == 0 || x.stack[len(x.stack)-1] != frame {
		panic(`incremental: active query stack out of sync`)
	}
	x.stack[len(x.stack)-1] = nil
	x.stack = x.stack[:len(x.stack)-1]
}

func (x *localState) queryInProgress() bool {
	return len(x.stack) != 0
}

func (x *localState) top() *activeQuery {
	if len(x.stack) == 0 {
		return nil
	}
	return x.stack[len(x.stack)-1]
}

func (x *localState) keys() []DatabaseKeyIndex {
	keys := make([]DatabaseKeyIndex, len(x.stack))
	for i, frame := range x.stack {
		keys[i] = frame.key
	}
	return keys
}
