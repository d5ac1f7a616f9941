package backendpass

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// argRef names one input to an AttentionFused step: either a graph-level
// boundary input (read from the node's own Input slice) or the output of
// an earlier step in the same fusion.
type argRef struct {
	boundary bool
	index    int
}

// AttentionFused collapses a matmul → softmax-shaped chain → matmul
// span (§4.G, optional) into a single node. Unlike FusedElementwise/
// FusedReduction, which inline into one index-expression evaluation, each
// step here still materializes its own output tensor — this pass trades
// full kernel fusion for fewer graph nodes and a single scheduling unit,
// which is the coarser-grained win attention-shape fusion is allowed to
// settle for per §4.G's "optional" framing.
type AttentionFused struct {
	Steps       []attnStep
	OutputShape []symint.Expression
}

type attnStep struct {
	Op   ops.Operator
	Args []argRef
}

func (AttentionFused) Name() string           { return "AttentionFused" }
func (AttentionFused) TypeTag() ops.Capability { return ops.CapCustomKernel }

func (a AttentionFused) Process(env symint.Env, inputs []ops.Input, selfNodeID int) (tensor.Tensor, shapetracker.Tracker, error) {
	stepOut := make([]ops.Input, len(a.Steps))

	for i, step := range a.Steps {
		args := make([]ops.Input, len(step.Args))
		for j, ref := range step.Args {
			if ref.boundary {
				args[j] = inputs[ref.index]
			} else {
				args[j] = stepOut[ref.index]
			}
		}
		t, view, err := step.Op.Process(env, args, selfNodeID)
		if err != nil {
			return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("backendpass: AttentionFused step %d (%s): %w", i, step.Op.Name(), err)
		}
		stepOut[i] = ops.Input{Tensor: t, View: view}
	}

	last := stepOut[len(stepOut)-1]
	return last.Tensor, last.View, nil
}

// FuseAttention detects a MatMul whose one input is fed (through a chain
// of single-consumer elementwise/reduction nodes, the shape a softmax
// normalization takes after earlier passes have already fused its
// elementwise runs) by another MatMul, and collapses the whole span into
// one AttentionFused node.
func FuseAttention(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		if _, isMatMul := n.Op.(MatMul); !isMatMul {
			continue
		}

		sources := g.GetSources(id)
		if len(sources) != 2 {
			continue
		}

		for slot, edge := range sources {
			chain, qkID, ok := walkSoftmaxChain(g, edge.From)
			if !ok {
				continue
			}

			otherSlot := 1 - slot
			steps, boundary, ok := buildAttentionSteps(g, qkID, chain)
			if !ok {
				continue
			}

			// The outer MatMul itself becomes the final step, combining the
			// softmax chain's output with the other operand.
			otherIndex := len(boundary)
			boundary = append(boundary, boundaryEdge{producer: sources[otherSlot].From, tracker: sources[otherSlot].Tracker})
			steps = append(steps, attnStep{
				Op: n.Op,
				Args: []argRef{
					{boundary: false, index: len(steps) - 1},
					{boundary: true, index: otherIndex},
				},
			})

			fused := AttentionFused{Steps: steps, OutputShape: n.OutputShape}
			builder := g.AddOp(fused, n.OutputShape)
			for _, b := range boundary {
				builder = builder.Input(b.producer)
			}
			fusedID, err := builder.Finish()
			if err != nil {
				return changed, err
			}
			for i, b := range boundary {
				if err := g.ReplaceEdgeTracker(fusedID, i, b.tracker); err != nil {
					return changed, err
				}
			}

			if _, err := g.MoveReferences(id, fusedID); err != nil {
				return changed, err
			}

			toDelete := map[int]bool{id: true, qkID: true}
			for _, c := range chain {
				toDelete[c] = true
			}
			if err := deleteAll(g, toDelete); err != nil {
				return changed, err
			}
			changed = true
			break
		}
	}

	return changed, nil
}

// walkSoftmaxChain walks up from start through single-input,
// single-consumer nodes until it reaches a two-input node; it reports a
// match only when that root is itself a MatMul. chain is ordered root
// first, start last.
func walkSoftmaxChain(g *graph.Graph, start int) (chain []int, root int, ok bool) {
	cur := start
	for {
		node, exists := g.Node(cur)
		if !exists {
			return nil, 0, false
		}
		sources := g.GetSources(cur)

		if len(sources) == 2 {
			if _, isMatMul := node.Op.(MatMul); isMatMul && !g.IsRetained(cur) && len(g.GetDests(cur)) == 1 {
				return chain, cur, true
			}
			return nil, 0, false
		}
		if len(sources) != 1 {
			return nil, 0, false
		}
		if cur != start {
			if g.IsRetained(cur) || len(g.GetDests(cur)) != 1 {
				return nil, 0, false
			}
		}
		chain = append([]int{cur}, chain...)
		cur = sources[0].From
	}
}

// buildAttentionSteps linearizes [qkID, chain...] into attnStep values:
// qkID's own two producers become boundary inputs (it is itself the first
// step), and each subsequent chain node's single input is the previous
// step's output.
func buildAttentionSteps(g *graph.Graph, qkID int, chain []int) ([]attnStep, []boundaryEdge, bool) {
	qkNode, ok := g.Node(qkID)
	if !ok {
		return nil, nil, false
	}
	qkSources := g.GetSources(qkID)
	if len(qkSources) != 2 {
		return nil, nil, false
	}

	boundary := []boundaryEdge{
		{producer: qkSources[0].From, tracker: qkSources[0].Tracker},
		{producer: qkSources[1].From, tracker: qkSources[1].Tracker},
	}
	steps := []attnStep{{
		Op:   qkNode.Op,
		Args: []argRef{{boundary: true, index: 0}, {boundary: true, index: 1}},
	}}

	for _, nodeID := range chain {
		node, ok := g.Node(nodeID)
		if !ok {
			return nil, nil, false
		}
		steps = append(steps, attnStep{
			Op:   node.Op,
			Args: []argRef{{boundary: false, index: len(steps) - 1}},
		})
	}

	return steps, boundary, true
}
