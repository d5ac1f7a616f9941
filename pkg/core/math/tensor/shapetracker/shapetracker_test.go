package shapetracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
)

func dims(vs ...int64) []symint.Expression {
	out := make([]symint.Expression, len(vs))
	for i, v := range vs {
		out[i] = symint.Const(v)
	}
	return out
}

func TestContiguousIndexIsLinearize(t *testing.T) {
	tr := New(dims(2, 3, 4)...)
	shape := []int64{2, 3, 4}

	for a := int64(0); a < 2; a++ {
		for b := int64(0); b < 3; b++ {
			for c := int64(0); c < 4; c++ {
				coords := []int64{a, b, c}
				offset, valid, err := tr.Index(nil, coords)
				require.NoError(t, err)
				assert.True(t, valid)
				assert.Equal(t, Linearize(coords, shape), offset)
			}
		}
	}
}

func TestIsContiguous(t *testing.T) {
	tr := New(dims(2, 3)...)
	assert.True(t, tr.IsContiguous())

	permuted, err := tr.Permute([]int{1, 0})
	require.NoError(t, err)
	assert.False(t, permuted.IsContiguous())
}

func TestPermuteRoundTrip(t *testing.T) {
	tr := New(dims(2, 3, 4)...)
	perm := []int{2, 0, 1}
	inverse := []int{1, 2, 0}

	out, err := tr.Permute(perm)
	require.NoError(t, err)
	back, err := out.Permute(inverse)
	require.NoError(t, err)

	for a := int64(0); a < 2; a++ {
		for b := int64(0); b < 3; b++ {
			for c := int64(0); c < 4; c++ {
				want, _, err := tr.Index(nil, []int64{a, b, c})
				require.NoError(t, err)
				got, _, err := back.Index(nil, []int64{a, b, c})
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		}
	}
}

func TestReshapeContiguousRoundTrip(t *testing.T) {
	tr := New(dims(2, 3, 4)...)
	reshaped, err := tr.Reshape(dims(6, 4))
	require.NoError(t, err)
	back, err := reshaped.Reshape(dims(2, 3, 4))
	require.NoError(t, err)
	assert.True(t, back.IsContiguous())

	offset, valid, err := back.Index(nil, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(1*12+2*4+3), offset)
}

func TestReshapeIncompatible(t *testing.T) {
	tr := New(dims(2, 3)...)
	_, err := tr.Reshape(dims(4, 4))
	require.Error(t, err)
	var incompat *ErrIncompatibleReshape
	require.ErrorAs(t, err, &incompat)
}

func TestReshapeAcrossNonContiguousPushesView(t *testing.T) {
	tr := New(dims(2, 3)...)
	permuted, err := tr.Permute([]int{1, 0}) // shape [3,2], non-contiguous
	require.NoError(t, err)

	reshaped, err := permuted.Reshape(dims(6))
	require.NoError(t, err)
	assert.Len(t, reshaped.views, len(permuted.views)+1)

	// element at flattened index i should read the permuted tensor's i-th
	// element in row-major order over its *logical* shape [3,2].
	for i := int64(0); i < 6; i++ {
		want, _, err := permuted.Index(nil, []int64{i / 2, i % 2})
		require.NoError(t, err)
		got, _, err := reshaped.Index(nil, []int64{i})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestExpandThenSumRecoversNTimesOriginal(t *testing.T) {
	tr := New(dims(1, 4)...)
	expanded, err := tr.Expand(0, symint.Const(3))
	require.NoError(t, err)

	// All 3 rows of the expanded axis must read the same underlying data:
	// stride 0 on the expanded axis.
	for row := int64(0); row < 3; row++ {
		for col := int64(0); col < 4; col++ {
			offset, valid, err := expanded.Index(nil, []int64{row, col})
			require.NoError(t, err)
			assert.True(t, valid)
			assert.Equal(t, col, offset)
		}
	}
}

func TestSliceNarrowsAndShiftsOrigin(t *testing.T) {
	tr := New(dims(4, 4)...)
	sliced, err := tr.Slice([]Range{
		{Lo: symint.Const(1), Hi: symint.Const(3)},
		{Lo: symint.Const(0), Hi: symint.Const(4)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), mustConst(t, sliced.Shape()[0]))

	offset, valid, err := sliced.Index(nil, []int64{0, 0})
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(4), offset) // row 1 of the original 4x4
}

func TestSliceEmptyRangeYieldsZeroLengthAxis(t *testing.T) {
	tr := New(dims(4)...)
	sliced, err := tr.Slice([]Range{{Lo: symint.Const(2), Hi: symint.Const(2)}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), mustConst(t, sliced.Shape()[0]))
}

func TestPadInstallsMaskAndRecoversOriginal(t *testing.T) {
	tr := New(dims(3)...)
	padded, err := tr.Pad([][2]symint.Expression{{symint.Const(1), symint.Const(1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), mustConst(t, padded.Shape()[0]))

	_, valid, err := padded.Index(nil, []int64{0})
	require.NoError(t, err)
	assert.False(t, valid, "left pad region must be invalid")

	offset, valid, err := padded.Index(nil, []int64{2})
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(1), offset)

	_, valid, err = padded.Index(nil, []int64{4})
	require.NoError(t, err)
	assert.False(t, valid, "right pad region must be invalid")
}

func TestIndexUnboundDynamicDimension(t *testing.T) {
	tr := New(symint.Var("seq"), symint.Const(4))
	_, _, err := tr.Index(symint.Env{}, []int64{0, 0})
	require.Error(t, err)
}

func mustConst(t *testing.T, e symint.Expression) int64 {
	t.Helper()
	v, ok := e.Simplify().IsConst()
	require.True(t, ok, "expected constant expression, got %s", e)
	return v
}
