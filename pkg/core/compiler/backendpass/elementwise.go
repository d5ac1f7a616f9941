package backendpass

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// FusedElementwise is a maximal connected subgraph of elementwise
// primitives (unary and binary, per §4.G), collapsed into a single node
// that evaluates Expr once per output coordinate instead of materializing
// every intermediate.
type FusedElementwise struct {
	Expr        *ExprNode
	OutputShape []symint.Expression
}

func (FusedElementwise) Name() string           { return "FusedElementwise" }
func (FusedElementwise) TypeTag() ops.Capability { return ops.CapCustomKernel }

func (f FusedElementwise) Process(env symint.Env, inputs []ops.Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	n, err := ops.SizeOf(f.OutputShape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	dtype := tensor.F32
	if len(inputs) > 0 {
		dtype = inputs[0].Tensor.DataType()
	}
	out := tensor.New(dtype, n)

	err = ops.ForEachCoord(f.OutputShape, env, func(linear int, coords []int64) {
		v, valid, evalErr := f.Expr.eval(inputs, env, coords)
		if evalErr != nil {
			err = evalErr
			return
		}
		if valid {
			out.SetAt(linear, v)
		}
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return out, shapetracker.New(f.OutputShape...), nil
}

// FuseElementwise finds maximal connected subgraphs of elementwise
// primitives and collapses each into one FusedElementwise node.
func FuseElementwise(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok || !isFusablePrimitive(n.Op) {
			continue
		}
		if isAbsorbableDownstream(g, id) {
			continue
		}

		absorbed := collectElementwiseSubgraph(g, id)
		if len(absorbed) < 2 {
			continue
		}

		b := newBuilder(g, absorbed)
		expr := b.exprFor(graph.Edge{From: id})

		builder := g.AddOp(FusedElementwise{Expr: expr, OutputShape: n.OutputShape}, n.OutputShape)
		for _, in := range b.inputs {
			builder = builder.Input(in.producer)
		}
		fusedID, err := builder.Finish()
		if err != nil {
			return changed, err
		}
		for slot, in := range b.inputs {
			if err := g.ReplaceEdgeTracker(fusedID, slot, in.tracker); err != nil {
				return changed, err
			}
		}

		if _, err := g.MoveReferences(id, fusedID); err != nil {
			return changed, err
		}

		if err := deleteAll(g, absorbed); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

// isAbsorbableDownstream reports whether id would be better fused as part
// of its single consumer's subgraph instead of being treated as its own
// fusion root, avoiding double-processing the same chain from both ends.
func isAbsorbableDownstream(g *graph.Graph, id int) bool {
	if g.IsRetained(id) {
		return false
	}
	dests := g.GetDests(id)
	if len(dests) != 1 {
		return false
	}
	consumer, ok := g.Node(dests[0].To)
	return ok && isFusablePrimitive(consumer.Op)
}

func collectElementwiseSubgraph(g *graph.Graph, root int) map[int]bool {
	absorbed := map[int]bool{root: true}
	var visit func(id int)
	visit = func(id int) {
		for _, e := range g.GetSources(id) {
			src := e.From
			if absorbed[src] {
				continue
			}
			srcNode, ok := g.Node(src)
			if !ok || !isFusablePrimitive(srcNode.Op) {
				continue
			}
			if g.IsRetained(src) || len(g.GetDests(src)) != 1 {
				continue
			}
			absorbed[src] = true
			visit(src)
		}
	}
	visit(root)
	return absorbed
}

func deleteAll(g *graph.Graph, ids map[int]bool) error {
	remaining := make(map[int]bool, len(ids))
	for id := range ids {
		remaining[id] = true
	}
	for len(remaining) > 0 {
		progressed := false
		for id := range remaining {
			ok, err := g.DeleteNode(id)
			if err != nil {
				return err
			}
			if ok {
				delete(remaining, id)
				progressed = true
			}
		}
		if !progressed {
			return fmt.Errorf("backendpass: could not fully delete fused subgraph, %d nodes stuck", len(remaining))
		}
	}
	return nil
}
