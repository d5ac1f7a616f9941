package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/tensorgraph/pkg/core/executor"
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

func dims(vs ...int64) []symint.Expression {
	out := make([]symint.Expression, len(vs))
	for i, v := range vs {
		out[i] = symint.Const(v)
	}
	return out
}

// TestRepeatKVBroadcastsHeads is scenario 3 of §8 reduced to its repeat
// step: two KV heads of width 2 repeated by a factor of 2 along the head
// axis must produce four heads where head i reads kv head i/2 verbatim.
func TestRepeatKVBroadcastsHeads(t *testing.T) {
	g := graph.New()
	load := ops.NewLoad("kv", dims(2, 2))
	load.Set(tensor.FromFloat32([]float32{1, 2, 3, 4}))
	in, err := g.AddOp(load, dims(2, 2)).Finish()
	require.NoError(t, err)

	out, outShape, err := g.RepeatKV(in, dims(2, 2), 0, symint.Const(2))
	require.NoError(t, err)
	require.Len(t, outShape, 2)
	g.Retain(out)

	var e executor.Executor
	require.NoError(t, e.Execute(g, nil))

	result, view, err := e.Tensor(g, out)
	require.NoError(t, err)
	want := []float64{1, 2, 1, 2, 3, 4, 3, 4}
	for i, w := range want {
		off, valid, err := view.Index(nil, []int64{int64(i / 2), int64(i % 2)})
		require.NoError(t, err)
		require.True(t, valid)
		assert.InDelta(t, w, result.At(int(off)), 1e-6)
	}
}

// TestRepeatKVRejectsOutOfRangeAxis confirms the sugar validates its axis
// the same way the primitives it lowers to would reject a bad shape.
func TestRepeatKVRejectsOutOfRangeAxis(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(2, 2)}, dims(2, 2)).Finish()

	_, _, err := g.RepeatKV(a, dims(2, 2), 5, symint.Const(2))
	assert.Error(t, err)
}
