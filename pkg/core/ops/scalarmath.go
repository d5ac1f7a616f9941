package ops

import (
	"math"

	"github.com/chewxy/math32"
)

// unaryFn is a named scalar transcendental, with both a float32 path
// (math32, used for F32 tensors so the function is computed in float32
// precision) and a float64 path for F16/I32 tensors. Both paths read and
// write elements through Tensor.At/SetAt.
type unaryFn struct {
	name string
	f32  func(float32) float32
	f64  func(float64) float64
	// guardZero makes unaryOp.process reject a zero input with
	// ErrReciprocalOfZero instead of evaluating fn on it.
	guardZero bool
}

var (
	fnLog2 = unaryFn{name: "Log2", f32: math32.Log2, f64: math.Log2}
	fnExp2 = unaryFn{name: "Exp2", f32: math32.Exp2, f64: math.Exp2}
	fnSin  = unaryFn{name: "Sin", f32: math32.Sin, f64: math.Sin}
	fnSqrt = unaryFn{name: "Sqrt", f32: math32.Sqrt, f64: math.Sqrt}
	fnRecip = unaryFn{
		name:      "Recip",
		f32:       func(v float32) float32 { return 1 / v },
		f64:       func(v float64) float64 { return 1 / v },
		guardZero: true,
	}
)

// binaryMod is truncated modulo: the result's sign follows the dividend,
// matching math.Mod directly (-1.5 mod 1.0 == -0.5, not +0.5).
func binaryMod(a, b float64) float64 {
	return math.Mod(a, b)
}

func binaryMax(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func binaryLessThan(a, b float64) float64 {
	if a < b {
		return 1
	}
	return 0
}
