package incremental

type (
	discardIf int

	discardWhat int
)

const (
	discardIfNever discardIf = iota
	discardIfOutdated
	discardIfAlways
)

const (
	discardNothing discardWhat = iota
	discardValues
	discardEverything
)

// SweepStrategy controls what data is kept or discarded during a GC sweep.
// The zero value is a no-op; use DiscardOutdated or the builder methods to
// construct useful strategies.
//
// A strategy has two orthogonal axes: which entries are candidates (only
// those not verified in the current revision, or all of them), and what is
// discarded from a candidate (only the cached value, retaining the
// dependency record for cheap revalidation, or the whole memo).
type SweepStrategy struct {
	discardIf   discardIf
	discardWhat discardWhat
}

// DiscardOutdated discards all data not used thus far in the current
// revision. Equivalent to
// SweepStrategy{}.DiscardEverything().SweepOutdated().
func DiscardOutdated() SweepStrategy {
	return SweepStrategy{}.DiscardEverything().SweepOutdated()
}

// DiscardValues collects query values. Dependency records are left in the
// database, which allows quickly determining whether a query is up to date,
// avoiding recomputation of its dependencies.
func (x SweepStrategy) DiscardValues() SweepStrategy {
	x.discardWhat = max(x.discardWhat, discardValues)
	return x
}

// DiscardEverything collects both values and dependency records. Dependent
// queries will be recomputed even if all inputs to this query stay the same.
func (x SweepStrategy) DiscardEverything() SweepStrategy {
	x.discardWhat = max(x.discardWhat, discardEverything)
	return x
}

// SweepOutdated processes only keys that were not verified at the current
// revision.
func (x SweepStrategy) SweepOutdated() SweepStrategy {
	x.discardIf = max(x.discardIf, discardIfOutdated)
	return x
}

// SweepAllRevisions processes all keys.
func (x SweepStrategy) SweepAllRevisions() SweepStrategy {
	x.discardIf = max(x.discardIf, discardIfAlways)
	return x
}
