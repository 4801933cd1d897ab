package incremental

import (
	"container/list"
	"sync"
)

type (
	// lruIndex is the intrusive handle a slot keeps into its query's LRU
	// list. Guarded by the owning lruList's mutex.
	lruIndex struct {
		elem *list.Element
	}

	lruMember interface {
		lruIndex() *lruIndex
	}

	// lruList tracks the recently used slots of a derived query, bounding
	// how many memoized values are retained when a capacity is set. Victims
	// are evicted (value dropped, dependency record kept) by the caller.
	// A capacity of zero disables tracking entirely, the default.
	lruList[N lruMember] struct {
		mu       sync.Mutex
		capacity int
		entries  *list.List
	}
)

func newLRUList[N lruMember]() *lruList[N] {
	return &lruList[N]{entries: list.New()}
}

// recordUse marks node as most recently used, returning the least recently
// used node iff recording pushed the list over capacity.
func (x *lruList[N]) recordUse(node N) (victim N, ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.capacity <= 0 {
		return
	}

	if idx := node.lruIndex(); idx.elem != nil {
		x.entries.MoveToBack(idx.elem)
		return
	}
	node.lruIndex().elem = x.entries.PushBack(node)

	if x.entries.Len() > x.capacity {
		victim, ok = x.removeFront()
	}
	return
}

// setCapacity adjusts the capacity, returning any nodes evicted to fit. A
// capacity of zero stops tracking and retains all values.
func (x *lruList[N]) setCapacity(capacity int) (victims []N) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.capacity = capacity

	if capacity <= 0 {
		for elem := x.entries.Front(); elem != nil; elem = elem.Next() {
			elem.Value.(N).lruIndex().elem = nil
		}
		x.entries.Init()
		return nil
	}

	for x.entries.Len() > capacity {
		if victim, ok := x.removeFront(); ok {
			victims = append(victims, victim)
		}
	}
	return victims
}

func (x *lruList[N]) removeFront() (victim N, ok bool) {
	front := x.entries.Front()
	if front == nil {
		return
	}
	x.entries.Remove(front)
	victim = front.Value.(N)
	victim.lruIndex().elem = nil
	return victim, true
}

func (x *lruList[N]) purge() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for elem := x.entries.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(N).lruIndex().elem = nil
	}
	x.entries.Init()
}
