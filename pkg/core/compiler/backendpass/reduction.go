package backendpass

import (
	"fmt"
	"math"

	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// FusedReduction is an elementwise subgraph (per FusedElementwise) whose
// single consumer is a SumReduce or MaxReduce, collapsed into one node
// that evaluates Expr and folds the reduced axis in the same pass rather
// than materializing the elementwise result first.
type FusedReduction struct {
	Expr        *ExprNode
	Kind        string // "Sum" or "Max"
	Axis        int
	InputShape  []symint.Expression // shape Expr is evaluated over, before reduction
	OutputShape []symint.Expression // InputShape with Axis removed
}

func (FusedReduction) Name() string           { return "FusedReduction" }
func (FusedReduction) TypeTag() ops.Capability { return ops.CapCustomKernel }

func (f FusedReduction) Process(env symint.Env, inputs []ops.Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	reduceLen, err := f.InputShape[f.Axis].Evaluate(env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	n, err := ops.SizeOf(f.OutputShape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	init, fold, err := reduceFold(f.Kind)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	dtype := tensor.F32
	if len(inputs) > 0 {
		dtype = inputs[0].Tensor.DataType()
	}
	out := tensor.New(dtype, n)

	err = ops.ForEachCoord(f.OutputShape, env, func(linear int, outCoords []int64) {
		inCoords := make([]int64, len(f.InputShape))
		idx := 0
		for ax := range f.InputShape {
			if ax == f.Axis {
				continue
			}
			inCoords[ax] = outCoords[idx]
			idx++
		}

		acc := init
		for k := int64(0); k < reduceLen; k++ {
			inCoords[f.Axis] = k
			v, valid, evalErr := f.Expr.eval(inputs, env, inCoords)
			if evalErr != nil {
				err = evalErr
				return
			}
			if valid {
				acc = fold(acc, v)
			}
		}
		out.SetAt(linear, acc)
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(f.OutputShape...), nil
}

func reduceFold(kind string) (init float64, fold func(acc, v float64) float64, err error) {
	switch kind {
	case "Sum":
		return 0, func(acc, v float64) float64 { return acc + v }, nil
	case "Max":
		return math.Inf(-1), func(acc, v float64) float64 {
			if v > acc {
				return v
			}
			return acc
		}, nil
	default:
		return 0, nil, fmt.Errorf("backendpass: unknown reduction kind %q", kind)
	}
}

// FuseReduction collapses an elementwise subgraph feeding a SumReduce or
// MaxReduce into a single FusedReduction node.
func FuseReduction(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		kind, axis, isReduce := reduceKindAndAxis(n.Op)
		if !isReduce {
			continue
		}

		sources := g.GetSources(id)
		if len(sources) != 1 {
			continue
		}
		producer := sources[0].From
		producerNode, ok := g.Node(producer)
		if !ok || !isFusablePrimitive(producerNode.Op) {
			continue
		}
		if g.IsRetained(producer) || len(g.GetDests(producer)) != 1 {
			continue
		}

		absorbed := collectElementwiseSubgraph(g, producer)
		b := newBuilder(g, absorbed)
		expr := b.exprFor(graph.Edge{From: producer})

		fused := FusedReduction{
			Expr:        expr,
			Kind:        kind,
			Axis:        axis,
			InputShape:  producerNode.OutputShape,
			OutputShape: n.OutputShape,
		}

		builder := g.AddOp(fused, n.OutputShape)
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

		toDelete := absorbed
		toDelete[id] = true
		if err := deleteAll(g, toDelete); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

func reduceKindAndAxis(op ops.Operator) (kind string, axis int, ok bool) {
	switch o := op.(type) {
	case ops.SumReduce:
		return "Sum", o.Axis, true
	case ops.MaxReduce:
		return "Max", o.Axis, true
	default:
		return "", 0, false
	}
}
