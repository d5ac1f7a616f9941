package graph

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/ops"
)

// RepeatKV broadcasts a key/value tensor carrying kvHeads along axis into
// nHeads = kvHeads * groups copies, the shape grouped-query attention needs
// to share each KV head across groups query heads. It lowers to
// Reshape->Expand->Reshape over existing primitives rather than a
// dedicated gather/tile op: a size-1 axis is opened right after axis,
// broadcast to groups via a stride-0 Expand, then folded back into axis.
// Returns the new node id and its declared output shape.
func (g *Graph) RepeatKV(input int, inputShape []symint.Expression, axis int, groups symint.Expression) (int, []symint.Expression, error) {
	if axis < 0 || axis >= len(inputShape) {
		return 0, nil, fmt.Errorf("tensorgraph: repeat_kv: axis %d out of range for rank %d", axis, len(inputShape))
	}

	midShape := make([]symint.Expression, 0, len(inputShape)+1)
	midShape = append(midShape, inputShape[:axis+1]...)
	midShape = append(midShape, symint.Const(1))
	midShape = append(midShape, inputShape[axis+1:]...)

	reshaped, err := g.AddOp(ops.Reshape{NewShape: midShape}, midShape).
		Input(input).
		Finish()
	if err != nil {
		return 0, nil, fmt.Errorf("tensorgraph: repeat_kv: open axis: %w", err)
	}

	expandShape := append([]symint.Expression(nil), midShape...)
	expandShape[axis+1] = groups

	expanded, err := g.AddOp(ops.Expand{Axis: axis + 1, Size: groups}, expandShape).
		Input(reshaped).
		Finish()
	if err != nil {
		return 0, nil, fmt.Errorf("tensorgraph: repeat_kv: expand: %w", err)
	}

	outShape := append([]symint.Expression(nil), inputShape...)
	outShape[axis] = symint.Mul(inputShape[axis], groups)

	out, err := g.AddOp(ops.Reshape{NewShape: outShape}, outShape).
		Input(expanded).
		Finish()
	if err != nil {
		return 0, nil, fmt.Errorf("tensorgraph: repeat_kv: fold axis: %w", err)
	}

	return out, outShape, nil
}
