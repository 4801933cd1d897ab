package incremental

import (
	"fmt"
	"sync/atomic"
)

// Revision is the logical timestamp of the input database. It is incremented
// on every mutating write (input Set, SyntheticWrite). The zero value is
// reserved to mean "before any revision"; the first revision is 1.
type Revision uint64

const revisionStart Revision = 1

// String implements fmt.Stringer, e.g. "R3".
func (r Revision) String() string {
	return fmt.Sprintf("R%d", uint64(r))
}

// atomicRevision is a Revision cell safe for concurrent access.
type atomicRevision struct {
	v atomic.Uint64
}

func (x *atomicRevision) load() Revision {
	return Revision(x.v.Load())
}

func (x *atomicRevision) store(r Revision) {
	x.v.Store(uint64(r))
}

// fetchThenIncrement returns the pre-increment value.
func (x *atomicRevision) fetchThenIncrement() Revision {
	return Revision(x.v.Add(1) - 1)
}
