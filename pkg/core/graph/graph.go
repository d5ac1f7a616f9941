// Package graph implements the mutable directed graph of operators that
// sits between the operator contract (pkg/core/ops) and the optimizer
// driver (pkg/core/compiler): dense integer node ids, edges labeled with
// the consumer-side shape tracker, and the move-references/no-delete
// bookkeeping that keeps external observers correct across rewrites.
package graph

import (
	"fmt"

	tgraph "github.com/itohio/tensorgraph/pkg/core/math/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
)

// Node is one graph vertex: an operator value plus the shape it declares
// for its output before any optimizer has rewritten it.
type Node struct {
	ID          int
	Op          ops.Operator
	OutputShape []symint.Expression
}

// Edge is a directed producer→consumer link. InputSlot is the index into
// the consumer's ops.Input slice this edge fills; Tracker is how the
// consumer sees the producer's output — this is what lets a Reshape/
// Permute/Expand between producer and consumer be absorbed into the edge
// instead of remaining its own node.
type Edge struct {
	From, To  int
	InputSlot int
	Tracker   shapetracker.Tracker
}

// Graph is a directed graph of operators.
type Graph struct {
	nodes    map[int]*Node
	out      map[int][]int // node id -> indices into edges, outgoing
	in       map[int][]int // node id -> indices into edges, incoming
	edges    []Edge
	nextID   int
	noDelete map[int]bool
	alias    map[int]int // old node id -> its replacement, chased by Resolve
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[int]*Node),
		out:      make(map[int][]int),
		in:       make(map[int][]int),
		noDelete: make(map[int]bool),
		alias:    make(map[int]int),
	}
}

// Builder accumulates a node's input edges before Finish assigns it an id.
// Obtained from Graph.AddOp; not safe for use after Finish is called.
type Builder struct {
	g       *Graph
	op      ops.Operator
	shape   []symint.Expression
	sources []int
	err     error
}

// AddOp starts building a node for op with declared output shape.
func (g *Graph) AddOp(op ops.Operator, shape []symint.Expression) *Builder {
	return &Builder{g: g, op: op, shape: shape}
}

// Input records an input edge from srcNode, carrying the shape tracker
// srcNode currently declares for its output (dense row-major over its
// OutputShape; optimizer passes that absorb view ops into edges replace
// this tracker later via ReplaceEdgeTracker). Slots are assigned in call
// order, 0-indexed.
func (b *Builder) Input(srcNode int) *Builder {
	if b.err != nil {
		return b
	}
	src, ok := b.g.nodes[srcNode]
	if !ok {
		b.err = fmt.Errorf("tensorgraph: input: %w: %d", ErrUnknownNode, srcNode)
		return b
	}
	b.sources = append(b.sources, src.ID)
	return b
}

// Finish inserts the built node and returns its id.
func (b *Builder) Finish() (int, error) {
	if b.err != nil {
		return 0, b.err
	}

	id := b.g.nextID
	b.g.nextID++
	b.g.nodes[id] = &Node{ID: id, Op: b.op, OutputShape: b.shape}

	for slot, src := range b.sources {
		srcNode := b.g.nodes[src]
		e := Edge{From: src, To: id, InputSlot: slot, Tracker: shapetracker.New(srcNode.OutputShape...)}
		idx := len(b.g.edges)
		b.g.edges = append(b.g.edges, e)
		b.g.out[src] = append(b.g.out[src], idx)
		b.g.in[id] = append(b.g.in[id], idx)
	}

	if b.g.hasCycleThrough(id) {
		b.g.removeNode(id)
		return 0, fmt.Errorf("tensorgraph: add_op: %w", ErrCyclicGraph)
	}

	return id, nil
}

func (g *Graph) removeNode(id int) {
	delete(g.nodes, id)
	delete(g.out, id)
	delete(g.in, id)
}

// Node returns the node with id, or (nil, false) if it is absent.
func (g *Graph) Node(id int) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns every node id currently in the graph, in no particular
// order.
func (g *Graph) NodeIDs() []int {
	ids := make([]int, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// GetSources returns, for node n, each (producer node, edge) pair feeding
// it, ordered by input slot.
func (g *Graph) GetSources(n int) []Edge {
	idxs := g.in[n]
	out := make([]Edge, len(idxs))
	for i, idx := range idxs {
		out[i] = g.edges[idx]
	}
	return out
}

// GetDests returns every (consumer node, edge) pair reading from node n.
func (g *Graph) GetDests(n int) []Edge {
	idxs := g.out[n]
	out := make([]Edge, len(idxs))
	for i, idx := range idxs {
		out[i] = g.edges[idx]
	}
	return out
}

// ReplaceEdgeTracker overwrites the tracker on the edge feeding input slot
// slot of node n, used by the view-absorption pass to fold a Reshape/
// Permute/Expand into the consumer's incoming edge.
func (g *Graph) ReplaceEdgeTracker(n, slot int, tracker shapetracker.Tracker) error {
	for _, idx := range g.in[n] {
		if g.edges[idx].InputSlot == slot {
			g.edges[idx].Tracker = tracker
			return nil
		}
	}
	return fmt.Errorf("tensorgraph: replace edge tracker: %w: node %d slot %d", ErrDanglingInput, n, slot)
}

// Retain adds nodes to the no-delete set: the engine must never garbage
// collect them during rewrites (external tensor sources, outputs).
func (g *Graph) Retain(ids ...int) {
	for _, id := range ids {
		g.noDelete[id] = true
	}
}

// IsRetained reports whether id is in the no-delete set.
func (g *Graph) IsRetained(id int) bool {
	return g.noDelete[id]
}

// MoveReferences is the single place that preserves external-observation
// invariants during rewriting: when a pass replaces oldNode with newNode,
// every place that still names oldNode — the no-delete set, and any
// external remap table the caller tracks — must be updated to name
// newNode instead. The graph-internal half (no-delete set, outgoing
// edges) is handled here; the caller is responsible for remapping any
// output-handle table it owns using the returned rewiredDests count as a
// sanity check.
func (g *Graph) MoveReferences(oldNode, newNode int) (rewiredDests int, err error) {
	if _, ok := g.nodes[oldNode]; !ok {
		return 0, fmt.Errorf("tensorgraph: move references: %w: %d", ErrUnknownNode, oldNode)
	}
	if _, ok := g.nodes[newNode]; !ok {
		return 0, fmt.Errorf("tensorgraph: move references: %w: %d", ErrUnknownNode, newNode)
	}

	if g.noDelete[oldNode] {
		delete(g.noDelete, oldNode)
		g.noDelete[newNode] = true
	}

	for _, idx := range g.out[oldNode] {
		g.edges[idx].From = newNode
		g.out[newNode] = append(g.out[newNode], idx)
		rewiredDests++
	}
	g.out[oldNode] = nil

	g.alias[oldNode] = newNode
	for from, to := range g.alias {
		if to == oldNode {
			g.alias[from] = newNode
		}
	}

	return rewiredDests, nil
}

// Resolve follows the alias chain left behind by MoveReferences and
// returns the node id that id currently names — itself, if id was never
// moved. External callers (the top-level user API's output handles) use
// this after compile to find where a retained handle ended up once CSE or
// view absorption folded its original node away.
func (g *Graph) Resolve(id int) int {
	for {
		next, ok := g.alias[id]
		if !ok {
			return id
		}
		id = next
	}
}

// DeleteNode removes a node with no remaining consumers from the graph.
// Returns ErrNoDeleteViolation if the node is retained, and refuses
// (returning false) if the node still has live consumers.
func (g *Graph) DeleteNode(id int) (bool, error) {
	if g.noDelete[id] {
		return false, fmt.Errorf("tensorgraph: delete node: %w: %d", ErrNoDeleteViolation, id)
	}
	if len(g.out[id]) > 0 {
		return false, nil
	}
	for _, idx := range g.in[id] {
		src := g.edges[idx].From
		g.out[src] = removeIdx(g.out[src], idx)
	}
	g.removeNode(id)
	return true, nil
}

func removeIdx(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Snapshot is an opaque capture of g's full internal state, taken by
// Snapshot and undone by Restore.
type Snapshot struct {
	nodes    map[int]*Node
	out      map[int][]int
	in       map[int][]int
	edges    []Edge
	nextID   int
	noDelete map[int]bool
	alias    map[int]int
}

// Snapshot captures g's current state so a later Restore can undo every
// rewrite performed after this call — the primitive the compiler driver
// uses to make a pass pipeline atomic: either every pass in a run applies,
// or the graph ends up exactly as it was before the run started.
func (g *Graph) Snapshot() Snapshot {
	nodes := make(map[int]*Node, len(g.nodes))
	for id, n := range g.nodes {
		cp := *n
		cp.OutputShape = append([]symint.Expression(nil), n.OutputShape...)
		nodes[id] = &cp
	}
	out := make(map[int][]int, len(g.out))
	for id, idxs := range g.out {
		out[id] = append([]int(nil), idxs...)
	}
	in := make(map[int][]int, len(g.in))
	for id, idxs := range g.in {
		in[id] = append([]int(nil), idxs...)
	}
	noDelete := make(map[int]bool, len(g.noDelete))
	for id, v := range g.noDelete {
		noDelete[id] = v
	}
	alias := make(map[int]int, len(g.alias))
	for from, to := range g.alias {
		alias[from] = to
	}
	return Snapshot{
		nodes:    nodes,
		out:      out,
		in:       in,
		edges:    append([]Edge(nil), g.edges...),
		nextID:   g.nextID,
		noDelete: noDelete,
		alias:    alias,
	}
}

// Restore replaces g's entire state with snap, undoing every rewrite made
// since the Snapshot call that produced it.
func (g *Graph) Restore(snap Snapshot) {
	g.nodes = snap.nodes
	g.out = snap.out
	g.in = snap.in
	g.edges = snap.edges
	g.nextID = snap.nextID
	g.noDelete = snap.noDelete
	g.alias = snap.alias
}

// CheckInvariants verifies the structural invariants §4.D requires: no
// cycles, and every node's declared input slots are contiguously bound
// starting at 0.
func (g *Graph) CheckInvariants() error {
	if g.hasCycle() {
		return fmt.Errorf("tensorgraph: check invariants: %w", ErrCyclicGraph)
	}
	for id := range g.nodes {
		slots := make(map[int]bool)
		for _, idx := range g.in[id] {
			slots[g.edges[idx].InputSlot] = true
		}
		for i := 0; i < len(slots); i++ {
			if !slots[i] {
				return fmt.Errorf("tensorgraph: check invariants: %w: node %d slot %d", ErrDanglingInput, id, i)
			}
		}
	}
	return nil
}

// hasCycle adapts this graph to pkg/core/math/graph's generic Node/Graph
// interfaces so its DFS-based loop detection can be reused unmodified.
func (g *Graph) hasCycle() bool {
	for id := range g.nodes {
		if tgraph.LoopDetection(adapter{g}, nodeID(id)) {
			return true
		}
	}
	return false
}

// hasCycleThrough checks only from id, the newly-inserted node: a DAG
// stays acyclic unless the new node participates in the cycle.
func (g *Graph) hasCycleThrough(id int) bool {
	return tgraph.LoopDetection(adapter{g}, nodeID(id))
}

type nodeID int

func (n nodeID) Equal(other tgraph.Node) bool {
	o, ok := other.(nodeID)
	return ok && o == n
}

// adapter presents *Graph as a tgraph.Graph over nodeID values so the
// kept teacher cycle-detection utility operates on our node/edge model
// without knowing about operators or shape trackers.
type adapter struct{ g *Graph }

func (a adapter) Neighbors(n tgraph.Node) []tgraph.Node {
	id := int(n.(nodeID))
	idxs := a.g.out[id]
	out := make([]tgraph.Node, len(idxs))
	for i, idx := range idxs {
		out[i] = nodeID(a.g.edges[idx].To)
	}
	return out
}

func (a adapter) Cost(_, _ tgraph.Node) float32 { return 1 }
