package ops

import (
	"errors"
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// ErrReciprocalOfZero is returned by Recip when a value it would invert is
// exactly zero. Division is built elsewhere as Mul(a, Recip(b)) (see
// Recip's doc comment), including a reduction's mean computed as
// sum * Recip(count); silently producing +Inf (then NaN once multiplied)
// would violate the "never return NaN silently" contract when a dynamic
// dimension used as that divisor is bound to zero.
var ErrReciprocalOfZero = errors.New("ops: reciprocal of zero")

// unaryOp is the shared Process implementation for every unary elementwise
// primitive: walk the output shape (== the single input's logical shape),
// read each element through the input's view, apply fn, write densely.
type unaryOp struct {
	fn unaryFn
}

func (u unaryOp) process(env symint.Env, inputs []Input) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: %s: expected 1 input, got %d", u.fn.name, len(inputs))
	}
	in := inputs[0]
	shape := in.View.Shape()
	n, err := sizeOf(shape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	out := tensor.New(in.Tensor.DataType(), n)
	useF32 := in.Tensor.DataType() == tensor.F32

	err = forEachCoord(shape, env, func(linear int, coords []int64) {
		offset, valid, idxErr := in.View.Index(env, coords)
		if idxErr != nil {
			err = idxErr
			return
		}
		v := 0.0
		if valid {
			v = in.Tensor.At(int(offset))
		}
		if u.fn.guardZero && v == 0 {
			err = fmt.Errorf("ops: %s: %w", u.fn.name, ErrReciprocalOfZero)
			return
		}
		if useF32 {
			out.SetAt(linear, float64(u.fn.f32(float32(v))))
		} else {
			out.SetAt(linear, u.fn.f64(v))
		}
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(shape...), nil
}

// Log2 computes base-2 logarithm element-wise.
type Log2 struct{}

func (Log2) Name() string        { return "Log2" }
func (Log2) TypeTag() Capability { return CapArith }
func (Log2) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return unaryOp{fn: fnLog2}.process(env, inputs)
}

// Exp2 computes 2^x element-wise.
type Exp2 struct{}

func (Exp2) Name() string        { return "Exp2" }
func (Exp2) TypeTag() Capability { return CapArith }
func (Exp2) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return unaryOp{fn: fnExp2}.process(env, inputs)
}

// Sin computes sine element-wise.
type Sin struct{}

func (Sin) Name() string        { return "Sin" }
func (Sin) TypeTag() Capability { return CapArith }
func (Sin) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return unaryOp{fn: fnSin}.process(env, inputs)
}

// Sqrt computes the square root element-wise.
type Sqrt struct{}

func (Sqrt) Name() string        { return "Sqrt" }
func (Sqrt) TypeTag() Capability { return CapArith }
func (Sqrt) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return unaryOp{fn: fnSqrt}.process(env, inputs)
}

// unaryByName is the registry the compiler package's unary-chain-fusion
// pass consults to apply a sequence of unary primitives by name without
// rebuilding a node per step.
var unaryByName = map[string]unaryFn{
	"Log2":  fnLog2,
	"Exp2":  fnExp2,
	"Sin":   fnSin,
	"Sqrt":  fnSqrt,
	"Recip": fnRecip,
}

// ErrUnknownUnaryPrimitive is returned by ApplyUnary for a name no
// registered unary primitive uses.
var ErrUnknownUnaryPrimitive = errors.New("ops: unknown unary primitive")

// ApplyUnary applies the named unary primitive (e.g. "Log2") to v, using
// the float32 fast path when f32 is true. It fails with
// ErrUnknownUnaryPrimitive for an unrecognized name, or with
// ErrReciprocalOfZero if name is "Recip" and v is zero.
func ApplyUnary(name string, v float64, f32 bool) (result float64, err error) {
	fn, found := unaryByName[name]
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnaryPrimitive, name)
	}
	if fn.guardZero && v == 0 {
		return 0, fmt.Errorf("ops: %s: %w", fn.name, ErrReciprocalOfZero)
	}
	if f32 {
		return float64(fn.f32(float32(v))), nil
	}
	return fn.f64(v), nil
}

// Recip computes the reciprocal element-wise; division is expressed
// elsewhere as Mul(a, Recip(b)) per §4.C.
type Recip struct{}

func (Recip) Name() string        { return "Recip" }
func (Recip) TypeTag() Capability { return CapArith }
func (Recip) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return unaryOp{fn: fnRecip}.process(env, inputs)
}
