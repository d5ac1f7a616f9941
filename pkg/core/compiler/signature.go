package compiler

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/ops"
)

// opSignature renders the operator-specific parameters that distinguish
// two nodes with the same operator type (axis of a reduce, target shape
// of a reshape, value of a constant) so common-subexpression elimination
// can tell "SumReduce(axis=1)" from "SumReduce(axis=2)".
func opSignature(op ops.Operator) string {
	switch o := op.(type) {
	case ops.Constant:
		return fmt.Sprintf("Constant(%v,%v)", o.Value, o.Shape)
	case ops.Arange:
		return fmt.Sprintf("Arange(%d)", o.N)
	case ops.SumReduce:
		return fmt.Sprintf("SumReduce(%d)", o.Axis)
	case ops.MaxReduce:
		return fmt.Sprintf("MaxReduce(%d)", o.Axis)
	case ops.Reshape:
		return fmt.Sprintf("Reshape(%v)", o.NewShape)
	case ops.Permute:
		return fmt.Sprintf("Permute(%v)", o.Perm)
	case ops.Expand:
		return fmt.Sprintf("Expand(%d,%v)", o.Axis, o.Size)
	case ops.Slice:
		return fmt.Sprintf("Slice(%v)", o.Ranges)
	case ops.Pad:
		return fmt.Sprintf("Pad(%v)", o.Pads)
	default:
		return op.Name()
	}
}

// nodeKey computes a CSE hash key from the node's operator identity and
// the (producer, slot, tracker-shape) of every input edge, in slot order
// — identical subexpressions always produce identical keys regardless of
// insertion order.
func nodeKey(g *graph.Graph, id int) (string, bool) {
	n, ok := g.Node(id)
	if !ok {
		return "", false
	}
	if n.Op.TypeTag()&ops.CapLoad != 0 {
		// Load nodes carry external identity (a bound tensor pointer);
		// never merge two distinct Load nodes even if same-shaped.
		return "", false
	}

	key := opSignature(n.Op)
	sources := g.GetSources(id)
	for _, e := range sources {
		key += fmt.Sprintf("|%d:%d:%v", e.From, e.InputSlot, e.Tracker.Shape())
	}
	return key, true
}
