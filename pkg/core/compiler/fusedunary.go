package compiler

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// FusedUnary is the rewrite-generated node UnaryChainFusion produces: it
// reads its single input once and applies a sequence of named unary
// primitives in order, avoiding the intermediate-tensor allocation a chain
// of separate unary nodes would need.
type FusedUnary struct {
	Names []string
}

func (f FusedUnary) Name() string        { return "FusedUnary(" + joinNames(f.Names) + ")" }
func (FusedUnary) TypeTag() ops.Capability { return ops.CapArith }

func (f FusedUnary) Process(env symint.Env, inputs []ops.Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("tensorgraph: FusedUnary: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	shape := in.View.Shape()
	n, err := ops.SizeOf(shape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	out := tensor.New(in.Tensor.DataType(), n)
	useF32 := in.Tensor.DataType() == tensor.F32

	err = ops.ForEachCoord(shape, env, func(linear int, coords []int64) {
		offset, valid, idxErr := in.View.Index(env, coords)
		if idxErr != nil {
			err = idxErr
			return
		}
		v := 0.0
		if valid {
			v = in.Tensor.At(int(offset))
		}
		for _, name := range f.Names {
			result, applyErr := ops.ApplyUnary(name, v, useF32)
			if applyErr != nil {
				err = fmt.Errorf("tensorgraph: FusedUnary: %w", applyErr)
				return
			}
			v = result
		}
		out.SetAt(linear, v)
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(shape...), nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "->"
		}
		out += n
	}
	return out
}

var chainableUnaryNames = map[string]bool{
	"Log2": true, "Exp2": true, "Sin": true, "Sqrt": true, "Recip": true,
}
