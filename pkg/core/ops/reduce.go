package ops

import (
	"fmt"
	"math"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// reduceFn folds a stream of input values along the reduced axis; init is
// the fold's identity element.
type reduceFn struct {
	name string
	init float64
	f    func(acc, v float64) float64
}

var (
	fnSum = reduceFn{name: "SumReduce", init: 0, f: func(acc, v float64) float64 { return acc + v }}
	fnMaxReduce = reduceFn{name: "MaxReduce", init: math.Inf(-1), f: func(acc, v float64) float64 {
		if v > acc {
			return v
		}
		return acc
	}}
)

// reduceOp removes Axis from the input's shape, folding every element that
// maps to a given output coordinate through fn.
type reduceOp struct {
	fn   reduceFn
	Axis int
}

func (r reduceOp) process(env symint.Env, inputs []Input) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: %s: expected 1 input, got %d", r.fn.name, len(inputs))
	}
	in := inputs[0]
	inShape := in.View.Shape()
	if r.Axis < 0 || r.Axis >= len(inShape) {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: %s: axis %d out of range for rank %d", r.fn.name, r.Axis, len(inShape))
	}

	outShape := make([]symint.Expression, 0, len(inShape)-1)
	for i, d := range inShape {
		if i != r.Axis {
			outShape = append(outShape, d)
		}
	}

	reduceLen, err := inShape[r.Axis].Evaluate(env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	n, err := sizeOf(outShape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	dtype := in.Tensor.DataType()
	out := tensor.New(dtype, n)

	err = forEachCoord(outShape, env, func(linear int, outCoords []int64) {
		acc := r.fn.init
		inCoords := make([]int64, len(inShape))
		idx := 0
		for ax := range inShape {
			if ax == r.Axis {
				continue
			}
			inCoords[ax] = outCoords[idx]
			idx++
		}
		for k := int64(0); k < reduceLen; k++ {
			inCoords[r.Axis] = k
			off, valid, e := in.View.Index(env, inCoords)
			if e != nil {
				err = e
				return
			}
			if !valid {
				continue
			}
			acc = r.fn.f(acc, in.Tensor.At(int(off)))
		}
		out.SetAt(linear, acc)
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(outShape...), nil
}

// SumReduce sums Axis out of its single input's shape.
type SumReduce struct {
	Axis int
}

func (SumReduce) Name() string        { return "SumReduce" }
func (SumReduce) TypeTag() Capability { return CapReduce }
func (s SumReduce) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return reduceOp{fn: fnSum, Axis: s.Axis}.process(env, inputs)
}

// MaxReduce takes the maximum over Axis of its single input's shape.
type MaxReduce struct {
	Axis int
}

func (MaxReduce) Name() string        { return "MaxReduce" }
func (MaxReduce) TypeTag() Capability { return CapReduce }
func (m MaxReduce) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	return reduceOp{fn: fnMaxReduce, Axis: m.Axis}.process(env, inputs)
}
