package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/x448/float16"
)

func TestNewZeroesBuffer(t *testing.T) {
	for _, dt := range []DataType{F32, F16, I32} {
		tt := New(dt, 4)
		assert.Equal(t, dt, tt.DataType())
		assert.Equal(t, 4, tt.Len())
		for i := 0; i < 4; i++ {
			assert.Equal(t, 0.0, tt.At(i))
		}
	}
}

func TestFromFloat32RoundTrip(t *testing.T) {
	tt := FromFloat32([]float32{1, 2, 3})
	assert.Equal(t, F32, tt.DataType())
	assert.Equal(t, 3, tt.Len())
	assert.InDelta(t, 2.0, tt.At(1), 1e-6)
	assert.Equal(t, []float32{1, 2, 3}, tt.Float32())
}

func TestFromInt32RoundTrip(t *testing.T) {
	tt := FromInt32([]int32{7, -3, 42})
	assert.Equal(t, I32, tt.DataType())
	assert.InDelta(t, -3, tt.At(1), 1e-9)
	assert.Equal(t, []int32{7, -3, 42}, tt.Int32())
}

func TestFromFloat16RoundTrip(t *testing.T) {
	vals := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}
	tt := FromFloat16(vals)
	assert.Equal(t, F16, tt.DataType())
	assert.InDelta(t, 1.5, tt.At(0), 1e-3)
	assert.Equal(t, vals, tt.Float16())
}

func TestSetAt(t *testing.T) {
	tt := New(F32, 2)
	tt.SetAt(0, 9)
	tt.SetAt(1, -1.5)
	assert.InDelta(t, 9.0, tt.At(0), 1e-6)
	assert.InDelta(t, -1.5, tt.At(1), 1e-6)
}

func TestDataTypeStringAndByteSize(t *testing.T) {
	assert.Equal(t, "f32", F32.String())
	assert.Equal(t, "f16", F16.String())
	assert.Equal(t, "i32", I32.String())
	assert.Equal(t, 4, F32.ByteSize())
	assert.Equal(t, 2, F16.ByteSize())
	assert.Equal(t, 4, I32.ByteSize())
}

func TestAccessorsPanicOnWrongDType(t *testing.T) {
	tt := FromFloat32([]float32{1})
	assert.Panics(t, func() { tt.Int32() })
	assert.Panics(t, func() { tt.Float16() })
}
