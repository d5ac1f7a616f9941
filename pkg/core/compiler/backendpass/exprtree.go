// Package backendpass implements the backend-facing kernel-synthesis
// passes: elementwise fusion, reduction fusion, and matmul pattern
// detection. Unlike the backend-agnostic passes in pkg/core/compiler,
// these build an index-expression tree a backend can lower to a single
// kernel, per §4.G.
package backendpass

import (
	"fmt"
	"reflect"

	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// ExprKind discriminates an ExprNode.
type ExprKind uint8

const (
	// ExprInput reads boundary input slot Slot.
	ExprInput ExprKind = iota
	// ExprUnary applies the named unary primitive to A.
	ExprUnary
	// ExprBinary applies the named binary primitive to (A, B).
	ExprBinary
)

// ExprNode is one node of the index-expression tree a fused kernel
// evaluates at each output coordinate. A kernel backend compiling this
// tree (rather than executing it through Process, as the CPU reference
// backend does) walks it the same way: Input nodes become buffer reads
// through their edge tracker, Unary/Binary nodes become scalar ops.
type ExprNode struct {
	Kind ExprKind
	Name string // primitive name, valid for Unary/Binary
	Slot int    // boundary input index, valid for Input
	A, B *ExprNode
}

// Eval evaluates the expression tree at coords against inputs, returning
// the scalar result and its validity (false inside a padded region).
// Exported so a Backend implementation (pkg/backend/cpu) can drive a
// FusedElementwise kernel spec without duplicating the tree walk.
func (n *ExprNode) Eval(inputs []ops.Input, env symint.Env, coords []int64) (float64, bool, error) {
	return n.eval(inputs, env, coords)
}

func (n *ExprNode) eval(inputs []ops.Input, env symint.Env, coords []int64) (float64, bool, error) {
	switch n.Kind {
	case ExprInput:
		in := inputs[n.Slot]
		offset, valid, err := in.View.Index(env, coords)
		if err != nil {
			return 0, false, err
		}
		if !valid {
			return 0, false, nil
		}
		return in.Tensor.At(int(offset)), true, nil
	case ExprUnary:
		v, valid, err := n.A.eval(inputs, env, coords)
		if err != nil || !valid {
			return 0, valid, err
		}
		useF32 := inputs[0].Tensor.DataType() == tensor.F32
		r, applyErr := ops.ApplyUnary(n.Name, v, useF32)
		if applyErr != nil {
			return 0, false, fmt.Errorf("backendpass: %w", applyErr)
		}
		return r, true, nil
	case ExprBinary:
		a, aValid, err := n.A.eval(inputs, env, coords)
		if err != nil {
			return 0, false, err
		}
		b, bValid, err := n.B.eval(inputs, env, coords)
		if err != nil {
			return 0, false, err
		}
		if !aValid {
			a = 0
		}
		if !bValid {
			b = 0
		}
		r, ok := ops.ApplyBinary(n.Name, a, b)
		if !ok {
			return 0, false, fmt.Errorf("backendpass: unknown binary primitive %q", n.Name)
		}
		return r, true, nil
	default:
		return 0, false, fmt.Errorf("backendpass: unknown expr kind %d", n.Kind)
	}
}

// boundaryEdge is one input the fused node reads from outside its
// absorbed subgraph, captured at the moment of fusion so the new node's
// graph edges can be rebuilt identically.
type boundaryEdge struct {
	producer int
	tracker  shapetracker.Tracker
}

// builder accumulates the expression tree for one fusion while mapping
// each distinct (producer, tracker) boundary read to a stable input slot.
type builder struct {
	g        *graph.Graph
	absorbed map[int]bool
	slotOf   map[int]int // producer node id -> input slot of its latest boundary read
	inputs   []boundaryEdge
}

func newBuilder(g *graph.Graph, absorbed map[int]bool) *builder {
	return &builder{g: g, absorbed: absorbed, slotOf: make(map[int]int)}
}

// exprFor builds the expression for edge e, recursing into e.From's
// definition when it is part of the absorbed subgraph, or registering it
// as a fresh boundary input otherwise.
func (b *builder) exprFor(e graph.Edge) *ExprNode {
	if !b.absorbed[e.From] {
		if slot, ok := b.slotOf[e.From]; ok && reflect.DeepEqual(b.inputs[slot].tracker, e.Tracker) {
			return &ExprNode{Kind: ExprInput, Slot: slot}
		}
		slot := len(b.inputs)
		b.slotOf[e.From] = slot
		b.inputs = append(b.inputs, boundaryEdge{producer: e.From, tracker: e.Tracker})
		return &ExprNode{Kind: ExprInput, Slot: slot}
	}

	n, _ := b.g.Node(e.From)
	sources := b.g.GetSources(e.From)
	switch op := n.Op.(type) {
	case ops.Log2:
		return &ExprNode{Kind: ExprUnary, Name: "Log2", A: b.exprFor(sources[0])}
	case ops.Exp2:
		return &ExprNode{Kind: ExprUnary, Name: "Exp2", A: b.exprFor(sources[0])}
	case ops.Sin:
		return &ExprNode{Kind: ExprUnary, Name: "Sin", A: b.exprFor(sources[0])}
	case ops.Sqrt:
		return &ExprNode{Kind: ExprUnary, Name: "Sqrt", A: b.exprFor(sources[0])}
	case ops.Recip:
		return &ExprNode{Kind: ExprUnary, Name: "Recip", A: b.exprFor(sources[0])}
	case ops.Add:
		return &ExprNode{Kind: ExprBinary, Name: "Add", A: b.exprFor(sources[0]), B: b.exprFor(sources[1])}
	case ops.Mul:
		return &ExprNode{Kind: ExprBinary, Name: "Mul", A: b.exprFor(sources[0]), B: b.exprFor(sources[1])}
	case ops.Mod:
		return &ExprNode{Kind: ExprBinary, Name: "Mod", A: b.exprFor(sources[0]), B: b.exprFor(sources[1])}
	case ops.Max:
		return &ExprNode{Kind: ExprBinary, Name: "Max", A: b.exprFor(sources[0]), B: b.exprFor(sources[1])}
	case ops.LessThan:
		return &ExprNode{Kind: ExprBinary, Name: "LessThan", A: b.exprFor(sources[0]), B: b.exprFor(sources[1])}
	default:
		_ = op
		panic("backendpass: absorbed node is not a known elementwise primitive")
	}
}

// isFusablePrimitive reports whether op is one of the concrete elementwise
// primitives this package knows how to inline into an expression tree.
// Anything else with CapArith (e.g. a previously fused node) is treated as
// an opaque boundary input rather than absorbed further.
func isFusablePrimitive(op ops.Operator) bool {
	switch op.(type) {
	case ops.Log2, ops.Exp2, ops.Sin, ops.Sqrt, ops.Recip,
		ops.Add, ops.Mul, ops.Mod, ops.Max, ops.LessThan:
		return true
	default:
		return false
	}
}
