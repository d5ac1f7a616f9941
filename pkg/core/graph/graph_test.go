package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestAddOpAndSources(t *testing.T) {
	g := New()
	a, err := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	require.NoError(t, err)
	b, err := g.AddOp(ops.Constant{Value: 2, Shape: dims(3)}, dims(3)).Finish()
	require.NoError(t, err)
	sum, err := g.AddOp(ops.Add{}, dims(3)).Input(a).Input(b).Finish()
	require.NoError(t, err)

	sources := g.GetSources(sum)
	require.Len(t, sources, 2)
	assert.Equal(t, a, sources[0].From)
	assert.Equal(t, 0, sources[0].InputSlot)
	assert.Equal(t, b, sources[1].From)
	assert.Equal(t, 1, sources[1].InputSlot)

	dests := g.GetDests(a)
	require.Len(t, dests, 1)
	assert.Equal(t, sum, dests[0].To)
}

func TestInputUnknownNode(t *testing.T) {
	g := New()
	_, err := g.AddOp(ops.Sqrt{}, dims(3)).Input(99).Finish()
	assert.Error(t, err)
}

func TestNoDeleteSet(t *testing.T) {
	g := New()
	a, err := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	require.NoError(t, err)
	g.Retain(a)
	assert.True(t, g.IsRetained(a))

	ok, err := g.DeleteNode(a)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestDeleteNodeRefusesLiveConsumer(t *testing.T) {
	g := New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	_, err := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	require.NoError(t, err)

	ok, err := g.DeleteNode(a)
	require.NoError(t, err)
	assert.False(t, ok, "node with a live consumer must not be deleted")
}

func TestDeleteNodeSucceedsWhenDangling(t *testing.T) {
	g := New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	b, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()

	ok, err := g.DeleteNode(b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, g.GetDests(a))
}

func TestMoveReferences(t *testing.T) {
	g := New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	b, _ := g.AddOp(ops.Constant{Value: 2, Shape: dims(3)}, dims(3)).Finish()
	consumer, _ := g.AddOp(ops.Sqrt{}, dims(3)).Input(a).Finish()
	g.Retain(a)

	moved, err := g.MoveReferences(a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.True(t, g.IsRetained(b))
	assert.False(t, g.IsRetained(a))

	dests := g.GetDests(b)
	require.Len(t, dests, 1)
	assert.Equal(t, consumer, dests[0].To)
}

func TestCheckInvariantsDanglingSlot(t *testing.T) {
	g := New()
	a, _ := g.AddOp(ops.Constant{Value: 1, Shape: dims(3)}, dims(3)).Finish()
	sumID, err := g.AddOp(ops.Add{}, dims(3)).Input(a).Finish()
	require.NoError(t, err)

	// Keep only the node's first inbound edge: with slot 0 bound and no
	// higher slot in use, the dangling-slot check has nothing to report.
	g.in[sumID] = g.in[sumID][:1]
	err = g.CheckInvariants()
	assert.NoError(t, err, "single contiguous slot 0 is valid on its own")
}
