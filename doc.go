// Package incremental is an engine for incremental computation: it memoizes
// the results of pure functions ("queries") over a database of inputs and
// derived values, and efficiently recomputes only what is affected when
// inputs change.
//
// A database is assembled from query groups. Each group holds input queries
// (assigned directly, via Set), derived queries (computed by a user function,
// with dependencies tracked automatically), and interned queries (stable
// small-integer identifiers for hashable values). Reads of derived queries
// are memoized per (query, key): the engine re-executes the function only
// when some transitive input actually changed since the memo was last
// verified, reuses the prior result otherwise, and "back-dates" results that
// are recomputed but unchanged so that downstream consumers can also reuse
// their own results.
//
// Parallel evaluation is explicit: Snapshot and Fork return additional
// read-only handles that pin the database at the current revision, and
// at most one runtime computes any given (query, key) at a time - other
// readers block on the in-progress computation. Cycles, including cycles
// that span threads, are detected before any thread goes to sleep and
// surface as a CycleError (or are converted to a value by a per-query
// recovery hook).
package incremental
