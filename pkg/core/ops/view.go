package ops

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// Reshape reinterprets its input's logical shape without touching the
// underlying buffer; shapetracker.Reshape decides whether that requires
// pushing a new view or can replace the top one in place.
type Reshape struct {
	NewShape []symint.Expression
}

func (Reshape) Name() string        { return "Reshape" }
func (Reshape) TypeTag() Capability { return CapView }
func (r Reshape) Process(_ symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Reshape: expected 1 input, got %d", len(inputs))
	}
	view, err := inputs[0].View.Reshape(r.NewShape)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return inputs[0].Tensor, view, nil
}

// Permute reorders its input's axes; Perm[i] names which source axis
// becomes axis i of the output.
type Permute struct {
	Perm []int
}

func (Permute) Name() string        { return "Permute" }
func (Permute) TypeTag() Capability { return CapView }
func (p Permute) Process(_ symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Permute: expected 1 input, got %d", len(inputs))
	}
	view, err := inputs[0].View.Permute(p.Perm)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return inputs[0].Tensor, view, nil
}

// Expand broadcasts a size-1 axis to Size via a stride-0 view.
type Expand struct {
	Axis int
	Size symint.Expression
}

func (Expand) Name() string        { return "Expand" }
func (Expand) TypeTag() Capability { return CapView }
func (e Expand) Process(_ symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Expand: expected 1 input, got %d", len(inputs))
	}
	view, err := inputs[0].View.Expand(e.Axis, e.Size)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return inputs[0].Tensor, view, nil
}

// Slice narrows each axis to a half-open range, shifting the physical
// origin so the result carries no mask.
type Slice struct {
	Ranges []shapetracker.Range
}

func (Slice) Name() string        { return "Slice" }
func (Slice) TypeTag() Capability { return CapView }
func (s Slice) Process(_ symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Slice: expected 1 input, got %d", len(inputs))
	}
	view, err := inputs[0].View.Slice(s.Ranges)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return inputs[0].Tensor, view, nil
}

// Pad enlarges each axis by (before, after) elements, masking the
// newly-introduced coordinates as invalid so the executor substitutes the
// pad value there instead of reading stale buffer contents.
type Pad struct {
	Pads [][2]symint.Expression
}

func (Pad) Name() string        { return "Pad" }
func (Pad) TypeTag() Capability { return CapView }
func (p Pad) Process(_ symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Pad: expected 1 input, got %d", len(inputs))
	}
	view, err := inputs[0].View.Pad(p.Pads)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return inputs[0].Tensor, view, nil
}

// Contiguous forces materialization of its input into a densely packed
// buffer in its current logical shape. The optimizer's contiguous-elision
// pass removes these where the consumer can walk the existing view stack
// directly; this operator is what remains when it can't.
type Contiguous struct{}

func (Contiguous) Name() string        { return "Contiguous" }
func (Contiguous) TypeTag() Capability { return CapView }
func (Contiguous) Process(env symint.Env, inputs []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if len(inputs) != 1 {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Contiguous: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	shape := in.View.Shape()
	n, err := sizeOf(shape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	out := tensor.New(in.Tensor.DataType(), n)
	err = forEachCoord(shape, env, func(linear int, coords []int64) {
		off, valid, e := in.View.Index(env, coords)
		if e != nil {
			err = e
			return
		}
		if valid {
			out.SetAt(linear, in.Tensor.At(int(off)))
		}
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}

	return out, shapetracker.New(shape...), nil
}
