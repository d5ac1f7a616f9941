package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

func vecF32(vs ...float32) tensor.Tensor {
	t := tensor.New(tensor.F32, len(vs))
	for i, v := range vs {
		t.SetAt(i, float64(v))
	}
	return t
}

func shapeOf(n int64) []symint.Expression {
	return []symint.Expression{symint.Const(n)}
}

func TestLog2(t *testing.T) {
	in := Input{Tensor: vecF32(1, 2, 4), View: shapetracker.New(shapeOf(3)...)}
	out, _, err := Log2{}.Process(nil, []Input{in}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, out.At(0), 1e-6)
	assert.InDelta(t, 1, out.At(1), 1e-6)
	assert.InDelta(t, 2, out.At(2), 1e-6)
}

func TestRecip(t *testing.T) {
	in := Input{Tensor: vecF32(2, 4, -1), View: shapetracker.New(shapeOf(3)...)}
	out, _, err := Recip{}.Process(nil, []Input{in}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.At(0), 1e-6)
	assert.InDelta(t, 0.25, out.At(1), 1e-6)
	assert.InDelta(t, -1, out.At(2), 1e-6)
}

func TestSqrtWrongInputCount(t *testing.T) {
	_, _, err := Sqrt{}.Process(nil, nil, 0)
	assert.Error(t, err)
}
