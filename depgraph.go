package incremental

type (
	// depEdge records that some runtime is blocked on the runtime `to`,
	// along with the tail of the blocked runtime's query stack (plus the
	// label key, if any) for later cycle reconstruction.
	depEdge struct {
		to   RuntimeID
		path []DatabaseKeyIndex
	}

	// dependencyGraph tracks which runtimes are blocked on one another,
	// waiting for queries to terminate. An entry edges[k] containing an edge
	// to v indicates that runtime k is blocked on some query executing in
	// runtime v. The graph must remain acyclic at all times, or deadlock
	// would result: addEdge refuses any edge that would close a cycle.
	//
	// labels indexes blocked runtimes by the query instance they are
	// waiting for; forks indexes them by the runtime they are joined to
	// (fork-join edges have no label). Both exist for O(edges) removal.
	//
	// All access is serialized by the shared state's graph mutex.
	dependencyGraph struct {
		edges  map[RuntimeID][]depEdge
		labels map[DatabaseKeyIndex][]RuntimeID
		forks  map[RuntimeID][]RuntimeID
	}
)

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{
		edges:  make(map[RuntimeID][]depEdge),
		labels: make(map[DatabaseKeyIndex][]RuntimeID),
		forks:  make(map[RuntimeID][]RuntimeID),
	}
}

func (x *dependencyGraph) canAddEdge(from, to RuntimeID) bool {
	return !x.findEdge(from, to, nil)
}

// findEdge walks the chain of runtimes that `to` is (transitively) blocked
// on, looking for `from`. Each runtime on the connecting path, excluding
// `to` itself, is passed to f (deepest first), if f is non-nil.
func (x *dependencyGraph) findEdge(from, to RuntimeID, f func(RuntimeID)) bool {
	if from == to {
		return true
	}
	for _, e := range x.edges[to] {
		if x.findEdge(from, e.to, f) {
			if f != nil {
				f(e.to)
			}
			return true
		}
	}
	return false
}

// addEdge attempts to record that runtime `from` is blocked on `to`. A nil
// label marks a fork-join edge; otherwise the label is the query instance
// being waited for. path is the blocked runtime's current query stack (it
// is copied). Returns false, leaving the graph unchanged, iff adding the
// edge would close a cycle.
func (x *dependencyGraph) addEdge(from RuntimeID, label *DatabaseKeyIndex, to RuntimeID, path []DatabaseKeyIndex) bool {
	if from == to {
		panic(`incremental: runtime blocked on itself`)
	}
	if !x.canAddEdge(from, to) {
		return false
	}

	stored := make([]DatabaseKeyIndex, 0, len(path)+1)
	stored = append(stored, path...)
	if label != nil {
		stored = append(stored, *label)
	}
	x.edges[from] = append(x.edges[from], depEdge{to: to, path: stored})

	if label != nil {
		x.labels[*label] = append(x.labels[*label], from)
	} else {
		x.forks[to] = append(x.forks[to], from)
	}
	return true
}

// removeEdge removes every edge to `to` that was added under the given
// label (nil removes fork-join edges). Called by the runtime that owns `to`
// once the blocking work completes.
func (x *dependencyGraph) removeEdge(label *DatabaseKeyIndex, to RuntimeID) {
	var blocked []RuntimeID
	if label != nil {
		blocked = x.labels[*label]
		delete(x.labels, *label)
	} else {
		blocked = x.forks[to]
		delete(x.forks, to)
	}

	for _, from := range blocked {
		edges, ok := x.edges[from]
		if !ok {
			panic(`incremental: blocked runtime missing from edge list`)
		}
		i := -1
		for j, e := range edges {
			if e.to == to {
				i = j
				break
			}
		}
		if i < 0 {
			panic(`incremental: tried to remove edge which did not exist in the edge list`)
		}
		edges[i] = edges[len(edges)-1]
		edges = edges[:len(edges)-1]
		if len(edges) == 0 {
			delete(x.edges, from)
		} else {
			x.edges[from] = edges
		}
	}
}

// cyclePath reconstructs the full cycle, in invocation order, for a cycle
// detected when runtime `from` attempted to block on `to` reading
// databaseKey. It stitches together the stack fragments stored on each edge
// along the existing to->..->from chain, finishing with the detector's own
// stack tail (localPath).
func (x *dependencyGraph) cyclePath(databaseKey DatabaseKeyIndex, from, to RuntimeID, localPath []DatabaseKeyIndex) []DatabaseKeyIndex {
	var ids []RuntimeID
	if !x.findEdge(from, to, func(id RuntimeID) { ids = append(ids, id) }) {
		panic(`incremental: no blocking path between cycle participants`)
	}
	ids = append(ids, to)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	var out []DatabaseKeyIndex
	current := []DatabaseKeyIndex{databaseKey}
	for i := range ids {
		if len(current) == 0 {
			return out
		}
		linkKey := current[len(current)-1]
		out = append(out, current...)

		// the continuation is the fragment of the next edge's stored path
		// after the last occurrence of the link key
		var next []DatabaseKeyIndex
		if outEdges, ok := x.edges[ids[i]]; ok && i+1 < len(ids) {
			for _, e := range outEdges {
				if e.to != ids[i+1] {
					continue
				}
				next = e.path
				for j := len(e.path) - 1; j >= 0; j-- {
					if e.path[j] == linkKey {
						next = e.path[j+1:]
						break
					}
				}
				break
			}
		}
		if next == nil {
			// no further edge: finish with the detector's local tail after
			// the first occurrence of the link key
			for j, p := range localPath {
				if p == linkKey {
					out = append(out, localPath[j+1:]...)
					break
				}
			}
			return out
		}
		current = next
	}
	return out
}
