package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
)

func TestAdd(t *testing.T) {
	a := Input{Tensor: vecF32(1, 2, 3), View: shapetracker.New(shapeOf(3)...)}
	b := Input{Tensor: vecF32(10, 20, 30), View: shapetracker.New(shapeOf(3)...)}
	out, _, err := Add{}.Process(nil, []Input{a, b}, 0)
	require.NoError(t, err)
	assert.Equal(t, 11.0, out.At(0))
	assert.Equal(t, 22.0, out.At(1))
	assert.Equal(t, 33.0, out.At(2))
}

// TestMod asserts truncated-modulo semantics (sign follows the dividend),
// matching the -1.5 mod 1.0 == -0.5 case.
func TestMod(t *testing.T) {
	a := Input{Tensor: vecF32(3.5, 7.0, -1.5), View: shapetracker.New(shapeOf(3)...)}
	b := Input{Tensor: vecF32(2.0, 2.5, 1.0), View: shapetracker.New(shapeOf(3)...)}
	out, _, err := Mod{}.Process(nil, []Input{a, b}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, out.At(0), 1e-6)
	assert.InDelta(t, 2.0, out.At(1), 1e-6)
	assert.InDelta(t, -0.5, out.At(2), 1e-6)
}

func TestLessThan(t *testing.T) {
	a := Input{Tensor: vecF32(1, 5, 3), View: shapetracker.New(shapeOf(3)...)}
	b := Input{Tensor: vecF32(2, 2, 3), View: shapetracker.New(shapeOf(3)...)}
	out, _, err := LessThan{}.Process(nil, []Input{a, b}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.At(0))
	assert.Equal(t, 0.0, out.At(1))
	assert.Equal(t, 0.0, out.At(2))
}

func TestAddShapeMismatch(t *testing.T) {
	a := Input{Tensor: vecF32(1, 2, 3), View: shapetracker.New(shapeOf(3)...)}
	b := Input{Tensor: vecF32(1, 2), View: shapetracker.New(shapeOf(2)...)}
	_, _, err := Add{}.Process(nil, []Input{a, b}, 0)
	require.Error(t, err)
	var mismatch *ErrShapeMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestAddBroadcastViaExpand(t *testing.T) {
	scalar := Input{Tensor: vecF32(5), View: shapetracker.New(symint.Const(1))}
	expanded, err := scalar.View.Expand(0, symint.Const(3))
	require.NoError(t, err)
	scalar.View = expanded

	vec := Input{Tensor: vecF32(1, 2, 3), View: shapetracker.New(shapeOf(3)...)}
	out, _, err := Add{}.Process(nil, []Input{vec, scalar}, 0)
	require.NoError(t, err)
	assert.Equal(t, 6.0, out.At(0))
	assert.Equal(t, 7.0, out.At(1))
	assert.Equal(t, 8.0, out.At(2))
}
