package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// TestExecuteLog2 is scenario 1 of §8: a = [1,2,3]; b = a.log2().
func TestExecuteLog2(t *testing.T) {
	g := graph.New()
	load := ops.NewLoad("a", dims(3))
	load.Set(tensor.FromFloat32([]float32{1, 2, 3}))
	a, err := g.AddOp(load, dims(3)).Finish()
	require.NoError(t, err)
	b, err := g.AddOp(ops.Log2{}, dims(3)).Input(a).Finish()
	require.NoError(t, err)
	g.Retain(b)

	var e Executor
	require.NoError(t, e.Execute(g, nil))

	out, _, err := e.Tensor(g, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, out.At(0), 1e-6)
	assert.InDelta(t, 1.0, out.At(1), 1e-6)
	assert.InDelta(t, 1.5849625, out.At(2), 1e-6)
}

func TestExecuteRetrievalOfNonRetained(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	g.Retain(a)
	b, err := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	require.NoError(t, err)

	var e Executor
	require.NoError(t, e.Execute(g, nil))

	_, _, err = e.Tensor(g, b)
	assert.ErrorIs(t, err, ErrRetrievalOfNonRetained)
}

// TestExecuteReleasesNonRetainedIntermediate exercises §4.H's lifetime
// rule directly: once b's only consumer (c) has run, b's buffer is
// dropped from the executor's live set because b was never retained.
func TestExecuteReleasesNonRetainedIntermediate(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 4, Shape: dims(3)}, dims(3)).Finish()
	b, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	c, err := g.AddOp(ops.Log2{}, dims(3)).Input(b).Finish()
	require.NoError(t, err)
	g.Retain(c)

	var e Executor
	require.NoError(t, e.Execute(g, nil))

	_, ok := e.outputs[b]
	assert.False(t, ok, "non-retained intermediate must be freed once its consumer has run")

	out, _, err := e.Tensor(g, c)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.At(0), 1e-6)
}

// TestExecuteUnboundDimension: a dynamic dimension with no runtime
// binding must fail with graph.ErrUnboundDimension, not silently produce
// garbage.
func TestExecuteUnboundDimension(t *testing.T) {
	g := graph.New()
	seq := symint.Var("Seq")
	load := ops.NewLoad("x", []symint.Expression{seq})
	load.Set(tensor.FromFloat32([]float32{1, 2, 3}))
	a, _ := g.AddOp(load, []symint.Expression{seq}).Finish()
	b, err := g.AddOp(ops.SumReduce{Axis: 0}, nil).Input(a).Finish()
	require.NoError(t, err)
	g.Retain(b)

	var e Executor
	err = e.Execute(g, symint.Env{})
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrUnboundDimension)
}

// TestExecuteZeroSizeReductionDivisor is scenario 6 of §8: a reduction
// divisor such as a mean's sum*Recip(count) must fail with
// IncompatibleShape when the dynamic dimension behind count (Seq) is
// bound to zero, rather than silently producing +Inf then NaN.
func TestExecuteZeroSizeReductionDivisor(t *testing.T) {
	g := graph.New()

	sumLoad := ops.NewLoad("sum", dims(1))
	sumLoad.Set(tensor.FromFloat32([]float32{6}))
	sum, _ := g.AddOp(sumLoad, dims(1)).Finish()

	countLoad := ops.NewLoad("count", dims(1))
	countLoad.Set(tensor.FromFloat32([]float32{0})) // Seq bound to 0
	count, _ := g.AddOp(countLoad, dims(1)).Finish()

	recip, err := g.AddOp(ops.Recip{}, dims(1)).Input(count).Finish()
	require.NoError(t, err)
	mean, err := g.AddOp(ops.Mul{}, dims(1)).Input(sum).Input(recip).Finish()
	require.NoError(t, err)
	g.Retain(mean)

	var e Executor
	err = e.Execute(g, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrIncompatibleShape)
}

func TestExecuteViewThroughUnabsorbedPermute(t *testing.T) {
	g := graph.New()
	ar, _ := g.AddOp(ops.Arange{N: 6}, dims(6)).Finish()
	reshaped, _ := g.AddOp(ops.Reshape{NewShape: dims(2, 3)}, dims(2, 3)).Input(ar).Finish()
	permuted, err := g.AddOp(ops.Permute{Perm: []int{1, 0}}, dims(3, 2)).Input(reshaped).Finish()
	require.NoError(t, err)
	// No optimizer pass runs in this test: Reshape and Permute stay real
	// graph nodes, so Execute must resolve the view chain itself.
	consumer, err := g.AddOp(ops.Log2{}, dims(3, 2)).Input(permuted).Finish()
	require.NoError(t, err)
	g.Retain(consumer)

	var e Executor
	require.NoError(t, e.Execute(g, nil))

	out, _, err := e.Tensor(g, consumer)
	require.NoError(t, err)
	// reshaped = [[0,1,2],[3,4,5]]; permuted flattens to [0,3,1,4,2,5]
	assert.InDelta(t, 1.5849625, out.At(1), 1e-6) // log2(3)
	assert.InDelta(t, 0.0, out.At(2), 1e-6)       // log2(1)
	assert.InDelta(t, 2.0, out.At(3), 1e-6)       // log2(4)
}
