// Package tensor implements the Tensor value the executor and backends
// pass around: a flat buffer of elements of one scalar type. The graph is
// untyped over these buffers — operators interpret the bytes according to
// DataType; this package only owns storage and scalar conversion.
package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// DataType is the scalar element type a Tensor's buffer holds.
type DataType uint8

const (
	// F32 is the default floating point type.
	F32 DataType = iota
	// F16 is a half-precision floating point type, stored via
	// github.com/x448/float16 (gorgonia.org/tensor has no native f16).
	F16
	// I32 is a 32-bit signed integer type.
	I32
)

func (d DataType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case I32:
		return "i32"
	default:
		return "unknown"
	}
}

// ByteSize returns the size in bytes of one element of d.
func (d DataType) ByteSize() int {
	switch d {
	case F32, I32:
		return 4
	case F16:
		return 2
	default:
		return 0
	}
}

// Tensor owns a flat buffer of elements of one scalar type. It carries no
// shape of its own — shape and strides live in the shapetracker on the
// edge or view that reads it; the buffer is purely a size-N sequence of
// elements in the dtype's physical layout.
type Tensor struct {
	dtype DataType
	f32   []float32
	f16   []float16.Float16
	i32   []int32
}

// New allocates a zeroed Tensor of dtype with n elements.
func New(dtype DataType, n int) Tensor {
	t := Tensor{dtype: dtype}
	switch dtype {
	case F32:
		t.f32 = make([]float32, n)
	case F16:
		t.f16 = make([]float16.Float16, n)
	case I32:
		t.i32 = make([]int32, n)
	default:
		panic(fmt.Sprintf("tensor: unknown dtype %v", dtype))
	}
	return t
}

// FromFloat32 wraps an existing []float32 buffer as an F32 Tensor without
// copying.
func FromFloat32(data []float32) Tensor {
	return Tensor{dtype: F32, f32: data}
}

// FromInt32 wraps an existing []int32 buffer as an I32 Tensor without
// copying.
func FromInt32(data []int32) Tensor {
	return Tensor{dtype: I32, i32: data}
}

// FromFloat16 wraps an existing []float16.Float16 buffer as an F16 Tensor
// without copying.
func FromFloat16(data []float16.Float16) Tensor {
	return Tensor{dtype: F16, f16: data}
}

// DataType reports the element type.
func (t Tensor) DataType() DataType { return t.dtype }

// Len returns the number of elements in the buffer.
func (t Tensor) Len() int {
	switch t.dtype {
	case F32:
		return len(t.f32)
	case F16:
		return len(t.f16)
	case I32:
		return len(t.i32)
	default:
		return 0
	}
}

// At returns element i as a float64, converting from the native dtype.
// Panics if i is out of range.
func (t Tensor) At(i int) float64 {
	switch t.dtype {
	case F32:
		return float64(t.f32[i])
	case F16:
		return float64(t.f16[i].Float32())
	case I32:
		return float64(t.i32[i])
	default:
		panic("tensor: At on tensor with unknown dtype")
	}
}

// SetAt writes v (converted to the native dtype) at index i. Panics if i is
// out of range.
func (t Tensor) SetAt(i int, v float64) {
	switch t.dtype {
	case F32:
		t.f32[i] = float32(v)
	case F16:
		t.f16[i] = float16.Fromfloat32(float32(v))
	case I32:
		t.i32[i] = int32(v)
	default:
		panic("tensor: SetAt on tensor with unknown dtype")
	}
}

// Float32 returns the underlying []float32 buffer. Panics if t is not F32.
func (t Tensor) Float32() []float32 {
	if t.dtype != F32 {
		panic("tensor: Float32 called on non-F32 tensor")
	}
	return t.f32
}

// Int32 returns the underlying []int32 buffer. Panics if t is not I32.
func (t Tensor) Int32() []int32 {
	if t.dtype != I32 {
		panic("tensor: Int32 called on non-I32 tensor")
	}
	return t.i32
}

// Float16 returns the underlying []float16.Float16 buffer. Panics if t is
// not F16.
func (t Tensor) Float16() []float16.Float16 {
	if t.dtype != F16 {
		panic("tensor: Float16 called on non-F16 tensor")
	}
	return t.f16
}
