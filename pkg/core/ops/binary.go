package ops

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// binaryFn is a named scalar binary op. Primitives never broadcast: callers
// insert Expand view ops so both inputs present the same logical shape.
type binaryFn struct {
	name string
	f    func(a, b float64) float64
}

var (
	fnAdd = binaryFn{name: "Add", f: func(a, b float64) float64 { return a + b }}
	fnMul = binaryFn{name: "Mul", f: func(a, b float64) float64 { return a * b }}
	fnMod = binaryFn{name: "Mod", f: binaryMod}
	fnMax = binaryFn{name: "Max", f: binaryMax}
	fnLt  = binaryFn{name: "LessThan", f: binaryLessThan}
)

var binaryByName = map[string]binaryFn{
	"Add":      fnAdd,
	"Mul":      fnMul,
	"Mod":      fnMod,
	"Max":      fnMax,
	"LessThan": fnLt,
}

// ApplyBinary applies the named binary primitive (e.g. "Add") to (a, b).
// ok is false for an unrecognized name. Exported so rewrite-generated
// fused-elementwise kernels (pkg/core/compiler/backendpass) can evaluate
// an index-expression tree without duplicating the scalar math.
func ApplyBinary(name string, a, b float64) (result float64, ok bool) {
	fn, found := binaryByName[name]
	if !found {
		return 0, false
	}
	return fn.f(a, b), true
}

type binaryOp struct {
	fn binaryFn
}

func (b binaryOp) process(env symint.Env, inputs []Input) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 2 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: %s: expected 2 inputs, got %d", b.fn.name, len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	shape := lhs.View.Shape()
	if !sameShape(shape, rhs.View.Shape()) {
		return tensor.Tensor{}, shapetracker.Tracker{}, &ErrShapeMismatch{Op: b.fn.name, A: shape, B: rhs.View.Shape()}
	}

	n, err := sizeOf(shape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	dtype := lhs.Tensor.DataType()
	out := tensor.New(dtype, n)

	err = forEachCoord(shape, env, func(linear int, coords []int64) {
		aOff, aValid, e := lhs.View.Index(env, coords)
		if e != nil {
			err = e
			return
		}
		bOff, bValid, e := rhs.View.Index(env, coords)
		if e != nil {
			err = e
			return
		}
		av, bv := 0.0, 0.0
		if aValid {
			av = lhs.Tensor.At(int(aOff))
		}
		if bValid {
			bv = rhs.Tensor.At(int(bOff))
		}
		out.SetAt(linear, b.fn.f(av, bv))
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(shape...), nil
}

// Add computes element-wise sum; Sub is expressed as Add(a, Mul(b, -1)).
type Add struct{}

func (Add) Name() string        { return "Add" }
func (Add) TypeTag() Capability { return CapArith }
func (Add) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return binaryOp{fn: fnAdd}.process(env, inputs)
}

// Mul computes element-wise product; Div is expressed as Mul(a, Recip(b)).
type Mul struct{}

func (Mul) Name() string        { return "Mul" }
func (Mul) TypeTag() Capability { return CapArith }
func (Mul) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return binaryOp{fn: fnMul}.process(env, inputs)
}

// Mod computes element-wise truncated modulo (result has the dividend's
// sign, as math.Mod).
type Mod struct{}

func (Mod) Name() string        { return "Mod" }
func (Mod) TypeTag() Capability { return CapArith }
func (Mod) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return binaryOp{fn: fnMod}.process(env, inputs)
}

// Max computes element-wise maximum.
type Max struct{}

func (Max) Name() string        { return "Max" }
func (Max) TypeTag() Capability { return CapArith }
func (Max) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return binaryOp{fn: fnMax}.process(env, inputs)
}

// LessThan computes an element-wise 1.0/0.0 comparison mask.
type LessThan struct{}

func (LessThan) Name() string        { return "LessThan" }
func (LessThan) TypeTag() Capability { return CapArith }
func (LessThan) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return binaryOp{fn: fnLt}.process(env, inputs)
}
