package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// idNode is a minimal Node used only by this package's own tests; the
// compute graph IR built on top of this package (pkg/core/graph) supplies
// its own Node adapter over node ids instead.
type idNode int

func (n idNode) Equal(other Node) bool {
	o, ok := other.(idNode)
	return ok && o == n
}

// adjGraph is a bare-bones Graph backed by an adjacency list, used only to
// drive LoopDetection in this package's own tests.
type adjGraph map[idNode][]idNode

func (g adjGraph) Neighbors(n Node) []Node {
	out := make([]Node, len(g[n.(idNode)]))
	for i, to := range g[n.(idNode)] {
		out[i] = to
	}
	return out
}

func (g adjGraph) Cost(_, _ Node) float32 { return 1 }

func TestLoopDetection_NoCycle(t *testing.T) {
	nodeA := idNode(0)
	nodeB := idNode(1)
	nodeC := idNode(2)

	g := adjGraph{nodeA: {nodeB}, nodeB: {nodeC}}
	// No cycle

	hasCycle := LoopDetection(g, nodeA)
	assert.False(t, hasCycle, "Graph should not have cycle")
}

func TestLoopDetection_WithCycle(t *testing.T) {
	nodeA := idNode(0)
	nodeB := idNode(1)
	nodeC := idNode(2)

	g := adjGraph{nodeA: {nodeB}, nodeB: {nodeC}, nodeC: {nodeA}} // Creates cycle

	hasCycle := LoopDetection(g, nodeA)
	assert.True(t, hasCycle, "Graph should have cycle")
}

func TestLoopDetection_SelfLoop(t *testing.T) {
	nodeA := idNode(0)

	g := adjGraph{nodeA: {nodeA}} // Self-loop

	hasCycle := LoopDetection(g, nodeA)
	assert.True(t, hasCycle, "Self-loop should be detected as cycle")
}

func TestLoopDetection_NilStart(t *testing.T) {
	g := adjGraph{}
	assert.False(t, LoopDetection(g, nil), "nil start should report no cycle")
}
