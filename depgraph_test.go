package incremental

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func dk(n uint32) DatabaseKeyIndex {
	return DatabaseKeyIndex{KeyIndex: n}
}

func TestDependencyGraph_cyclePath1(t *testing.T) {
	graph := newDependencyGraph()
	a := RuntimeID(0)
	b := RuntimeID(1)

	k1 := dk(2)
	require.True(t, graph.addEdge(a, &k1, b, []DatabaseKeyIndex{dk(1)}))

	got := graph.cyclePath(dk(1), b, a, []DatabaseKeyIndex{dk(3), dk(2)})
	want := []DatabaseKeyIndex{dk(1), dk(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected cycle path (-want +got):\n%s", diff)
	}
}

func TestDependencyGraph_cyclePath2(t *testing.T) {
	graph := newDependencyGraph()
	a := RuntimeID(0)
	b := RuntimeID(1)
	c := RuntimeID(2)

	k3 := dk(3)
	k4 := dk(4)
	require.True(t, graph.addEdge(a, &k3, b, []DatabaseKeyIndex{dk(1)}))
	require.True(t, graph.addEdge(b, &k4, c, []DatabaseKeyIndex{dk(2), dk(3)}))

	got := graph.cyclePath(dk(1), c, a, []DatabaseKeyIndex{dk(5), dk(6), dk(4), dk(7)})
	want := []DatabaseKeyIndex{dk(1), dk(3), dk(4), dk(7)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected cycle path (-want +got):\n%s", diff)
	}
}

// TestDependencyGraph_cycleClosure: addEdge returns false exactly when the
// edge would close a cycle.
func TestDependencyGraph_cycleClosure(t *testing.T) {
	graph := newDependencyGraph()
	a := RuntimeID(0)
	b := RuntimeID(1)
	c := RuntimeID(2)

	ka, kb, kc := dk(10), dk(11), dk(12)
	require.True(t, graph.canAddEdge(a, b))
	require.True(t, graph.addEdge(a, &ka, b, nil))
	require.True(t, graph.addEdge(b, &kb, c, nil))

	require.False(t, graph.canAddEdge(c, a))
	require.False(t, graph.addEdge(c, &kc, a, nil), "edge closing a cycle must be rejected")
	require.False(t, graph.addEdge(c, &kc, b, nil))

	// removing the first edge opens the graph up again
	graph.removeEdge(&ka, b)
	require.True(t, graph.addEdge(c, &kc, a, nil))
}

func TestDependencyGraph_removeEdge(t *testing.T) {
	graph := newDependencyGraph()
	a := RuntimeID(0)
	b := RuntimeID(1)
	c := RuntimeID(2)

	k := dk(1)
	require.True(t, graph.addEdge(a, &k, c, nil))
	require.True(t, graph.addEdge(b, &k, c, nil))

	// both waiters are removed by the single label
	graph.removeEdge(&k, c)
	require.Empty(t, graph.edges)
	require.Empty(t, graph.labels)

	// fork edges are removed by target
	require.True(t, graph.addEdge(a, nil, b, nil))
	graph.removeEdge(nil, b)
	require.Empty(t, graph.edges)
	require.Empty(t, graph.forks)
}

func TestDependencyGraph_selfEdgePanics(t *testing.T) {
	graph := newDependencyGraph()
	k := dk(1)
	mustPanic(t, func() { graph.addEdge(0, &k, 0, nil) })
}
