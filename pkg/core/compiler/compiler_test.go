package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/ops"
)

func dims(vs ...int64) []symint.Expression {
	out := make([]symint.Expression, len(vs))
	for i, v := range vs {
		out[i] = symint.Const(v)
	}
	return out
}

func TestCommonSubexpressionElimination(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	dup1, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	dup2, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	consumer, _ := g.AddOp(ops.Add{}, dims(3)).Input(dup1).Input(dup2).Finish()
	g.Retain(consumer)

	changed, err := CommonSubexpressionElimination(g)
	require.NoError(t, err)
	assert.True(t, changed)

	sources := g.GetSources(consumer)
	require.Len(t, sources, 2)
	assert.Equal(t, sources[0].From, sources[1].From, "both Sqrt duplicates should have merged to one producer")
}

func TestCommonSubexpressionEliminationDistinguishesParameters(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(2, 3)}, dims(2, 3)).Finish()
	sumAxis0, _ := g.AddOp(ops.SumReduce{Axis: 0}, dims(3)).Input(a).Finish()
	sumAxis1, _ := g.AddOp(ops.SumReduce{Axis: 1}, dims(2)).Input(a).Finish()
	g.Retain(sumAxis0)
	g.Retain(sumAxis1)

	changed, err := CommonSubexpressionElimination(g)
	require.NoError(t, err)
	assert.False(t, changed, "different axes must not be merged")
}

func TestDeadCodeElimination(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	dead, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	live, _ := g.AddOp(ops.Log2{}, dims(3)).Input(a).Finish()
	g.Retain(live)

	changed, err := DeadCodeElimination(g)
	require.NoError(t, err)
	assert.True(t, changed)

	_, exists := g.Node(dead)
	assert.False(t, exists)
	_, exists = g.Node(live)
	assert.True(t, exists)
}

func TestContiguousElisionDropsRedundantNode(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	contig, _ := g.AddOp(ops.Contiguous{}, dims(3)).Input(a).Finish()
	consumer, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(contig).Finish()
	g.Retain(consumer)

	changed, err := ContiguousElision(g)
	require.NoError(t, err)
	assert.True(t, changed)

	_, exists := g.Node(contig)
	assert.False(t, exists)
	sources := g.GetSources(consumer)
	require.Len(t, sources, 1)
	assert.Equal(t, a, sources[0].From)
}

func TestViewAbsorptionFoldsReshapeIntoEdge(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(2, 3)}, dims(2, 3)).Finish()
	reshaped, _ := g.AddOp(ops.Reshape{NewShape: dims(6)}, dims(6)).Input(a).Finish()
	consumer, _ := g.AddOp(ops.Sqrt{}, dims(6)).Input(reshaped).Finish()
	g.Retain(consumer)

	changed, err := ViewAbsorption(g)
	require.NoError(t, err)
	assert.True(t, changed)

	_, exists := g.Node(reshaped)
	assert.False(t, exists)
	sources := g.GetSources(consumer)
	require.Len(t, sources, 1)
	assert.Equal(t, a, sources[0].From)
	assert.Equal(t, 1, sources[0].Tracker.Rank())
}

func TestUnaryChainFusion(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	step1, _ := g.AddOp(ops.Log2{}, dims(3)).Input(a).Finish()
	step2, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(step1).Finish()
	consumer, _ := g.AddOp(ops.Recip{}, dims(3)).Input(step2).Finish()
	g.Retain(consumer)

	changed, err := UnaryChainFusion(g)
	require.NoError(t, err)
	assert.True(t, changed)

	sources := g.GetSources(consumer)
	require.Len(t, sources, 1)
	fused, ok := g.Node(sources[0].From)
	require.True(t, ok)
	assert.IsType(t, FusedUnary{}, fused.Op)
	assert.Equal(t, []string{"Log2", "Sqrt"}, fused.Op.(FusedUnary).Names)

	_, exists := g.Node(step1)
	assert.False(t, exists)
	_, exists = g.Node(step2)
	assert.False(t, exists)
}

func TestDriverRunsToFixedPoint(t *testing.T) {
	g := graph.New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	dead, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	_ = dead
	step1, _ := g.AddOp(ops.Log2{}, dims(3)).Input(a).Finish()
	step2, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(step1).Finish()
	g.Retain(step2)

	driver := NewDriver(DeadCodeElimination, UnaryChainFusion, CommonSubexpressionElimination)
	err := driver.Run(g)
	require.NoError(t, err)

	_, exists := g.Node(dead)
	assert.False(t, exists)
}

func TestDriverDivergence(t *testing.T) {
	oscillating := func(g *graph.Graph) (bool, error) { return true, nil }
	driver := &Driver{Passes: []Pass{oscillating}, MaxIterations: 3}
	err := driver.Run(graph.New())
	assert.ErrorIs(t, err, ErrOptimizationDivergence)
}
