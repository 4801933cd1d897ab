package incremental

import (
	"fmt"
	"strings"
)

// CycleError is returned when a query read closes a cycle in the dependency
// graph and no recovery hook applies. It carries the full cycle in
// invocation order, plus the changed-at revision and durability observed
// along the cycle.
type CycleError struct {
	// Cycle is the ordered list of queries that were part of the cycle.
	Cycle []DatabaseKeyIndex

	// ChangedAt is the maximum changed-at revision observed by the cycle
	// participants.
	ChangedAt Revision

	// Durability is the minimum durability observed by the cycle
	// participants.
	Durability Durability
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	var b strings.Builder
	b.WriteString("incremental: cycle detected:\n")
	for _, k := range e.Cycle {
		_, _ = fmt.Fprintf(&b, "  %v\n", k)
	}
	return b.String()
}
