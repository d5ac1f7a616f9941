package backendpass

import (
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// MatMul is the lifted form of the broadcast outer-product + reduce
// pattern `Permute → Expand → Mul ← Expand → SumReduce` (§4.G): both
// operands keep the exact (batch..., M, N, K) broadcast view the Expand
// nodes already built (stride 0 along the axis each operand doesn't
// natively vary over), so a single shared coordinate walk indexes both
// through their own tracker without needing separate row/column
// addressing logic. TransA/TransB are metadata only — whether each
// operand reached its Expand via a Permute swapping its last two axes —
// for a real backend that wants to dispatch to a transposed GEMM call;
// this reference implementation doesn't need them to index correctly.
type MatMul struct {
	TransA, TransB bool
	K              symint.Expression
	OutputShape    []symint.Expression // batch..., M, N
}

func (MatMul) Name() string           { return "MatMul" }
func (MatMul) TypeTag() ops.Capability { return ops.CapCustomKernel }

func (m MatMul) Process(env symint.Env, inputs []ops.Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	kLen, err := m.K.Evaluate(env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	n, err := ops.SizeOf(m.OutputShape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	left, right := inputs[0], inputs[1]
	out := tensor.New(left.Tensor.DataType(), n)

	err = ops.ForEachCoord(m.OutputShape, env, func(linear int, outCoords []int64) {
		coords := make([]int64, len(outCoords)+1)
		copy(coords, outCoords)

		acc := 0.0
		for k := int64(0); k < kLen; k++ {
			coords[len(coords)-1] = k

			aOff, aValid, aErr := left.View.Index(env, coords)
			if aErr != nil {
				err = aErr
				return
			}
			bOff, bValid, bErr := right.View.Index(env, coords)
			if bErr != nil {
				err = bErr
				return
			}
			if aValid && bValid {
				acc += left.Tensor.At(int(aOff)) * right.Tensor.At(int(bOff))
			}
		}
		out.SetAt(linear, acc)
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(m.OutputShape...), nil
}

// FuseMatMul detects the Permute→Expand→Mul←Expand→SumReduce pattern and
// lifts it to a single MatMul node. The two Expand nodes stay in the
// graph as MatMul's producers — they already hold exactly the broadcast
// view MatMul needs to index — only the Mul and SumReduce nodes they fed
// are removed.
func FuseMatMul(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		reduceOp, isSum := n.Op.(ops.SumReduce)
		if !isSum {
			continue
		}

		reduceSources := g.GetSources(id)
		if len(reduceSources) != 1 {
			continue
		}
		mulID := reduceSources[0].From
		mulNode, ok := g.Node(mulID)
		if !ok {
			continue
		}
		if _, isMul := mulNode.Op.(ops.Mul); !isMul {
			continue
		}
		if reduceOp.Axis != lastIndexOf(mulNode.OutputShape) {
			continue
		}
		if g.IsRetained(mulID) || len(g.GetDests(mulID)) != 1 {
			continue
		}

		mulSources := g.GetSources(mulID)
		if len(mulSources) != 2 {
			continue
		}

		transA, okA := detectExpandBranch(g, mulSources[0].From)
		if !okA {
			continue
		}
		transB, okB := detectExpandBranch(g, mulSources[1].From)
		if !okB {
			continue
		}

		kExpr := mulNode.OutputShape[lastIndexOf(mulNode.OutputShape)]

		builder := g.AddOp(MatMul{TransA: transA, TransB: transB, K: kExpr, OutputShape: n.OutputShape}, n.OutputShape)
		builder = builder.Input(mulSources[0].From).Input(mulSources[1].From)
		matmulID, err := builder.Finish()
		if err != nil {
			return changed, err
		}
		if err := g.ReplaceEdgeTracker(matmulID, 0, mulSources[0].Tracker); err != nil {
			return changed, err
		}
		if err := g.ReplaceEdgeTracker(matmulID, 1, mulSources[1].Tracker); err != nil {
			return changed, err
		}

		if _, err := g.MoveReferences(id, matmulID); err != nil {
			return changed, err
		}

		if err := deleteAll(g, map[int]bool{id: true, mulID: true}); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

func lastIndexOf(s []symint.Expression) int { return len(s) - 1 }

// detectExpandBranch confirms producer is an Expand node (the only shape
// this pass recognizes as a matmul operand) and reports whether its own
// source reaches it via a Permute swapping the last two axes.
func detectExpandBranch(g *graph.Graph, producer int) (transposed bool, ok bool) {
	node, exists := g.Node(producer)
	if !exists {
		return false, false
	}
	if _, isExpand := node.Op.(ops.Expand); !isExpand {
		return false, false
	}

	expandSources := g.GetSources(producer)
	if len(expandSources) != 1 {
		return false, false
	}
	rawNode, exists := g.Node(expandSources[0].From)
	if exists {
		if perm, isPermute := rawNode.Op.(ops.Permute); isPermute && isLastTwoSwap(perm.Perm) {
			return true, true
		}
	}
	return false, true
}

func isLastTwoSwap(perm []int) bool {
	n := len(perm)
	if n < 2 {
		return false
	}
	for i := 0; i < n-2; i++ {
		if perm[i] != i {
			return false
		}
	}
	return perm[n-2] == n-1 && perm[n-1] == n-2
}
