package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
)

func matF32(rows, cols int, vs ...float32) Input {
	t := vecF32(vs...)
	return Input{Tensor: t, View: shapetracker.New(symint.Const(int64(rows)), symint.Const(int64(cols)))}
}

func TestSumReduceAxis1(t *testing.T) {
	in := matF32(2, 3, 1, 2, 3, 4, 5, 6)
	out, view, err := SumReduce{Axis: 1}.Process(nil, []Input{in}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Rank())
	assert.Equal(t, 6.0, out.At(0))
	assert.Equal(t, 15.0, out.At(1))
}

func TestMaxReduceAxis0(t *testing.T) {
	in := matF32(2, 3, 1, 5, 3, 4, 2, 6)
	out, _, err := MaxReduce{Axis: 0}.Process(nil, []Input{in}, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, out.At(0))
	assert.Equal(t, 5.0, out.At(1))
	assert.Equal(t, 6.0, out.At(2))
}

func TestSumReduceAxisOutOfRange(t *testing.T) {
	in := matF32(2, 3, 1, 2, 3, 4, 5, 6)
	_, _, err := SumReduce{Axis: 5}.Process(nil, []Input{in}, 0)
	require.Error(t, err)
}
