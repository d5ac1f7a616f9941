package ops

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// Constant is a nullary operator producing the same scalar value at every
// coordinate of shape.
type Constant struct {
	Value float64
	Shape []symint.Expression
}

func (Constant) Name() string           { return "Constant" }
func (Constant) TypeTag() Capability    { return CapConstant }
func (c Constant) Process(env symint.Env, _ []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	n, err := sizeOf(c.Shape, env)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	out := tensor.New(tensor.F32, n)
	for i := 0; i < n; i++ {
		out.SetAt(i, c.Value)
	}
	return out, shapetracker.New(c.Shape...), nil
}

// Load is a nullary operator that reads a tensor bound from outside the
// graph (the §6 `set`/`set_dyn` surface). Data is held behind a pointer so
// the same compiled graph can be re-executed with new bindings without
// reconstructing the node — only the data, not the graph structure,
// changes between runs.
type Load struct {
	ID    string
	Shape []symint.Expression
	data  *tensor.Tensor
}

// NewLoad creates a Load node for the given binding id and declared shape.
func NewLoad(id string, shape []symint.Expression) *Load {
	return &Load{ID: id, Shape: shape}
}

// Set binds concrete data to this Load node.
func (l *Load) Set(t tensor.Tensor) { l.data = &t }

func (l *Load) Name() string        { return "Load" }
func (l *Load) TypeTag() Capability { return CapLoad }
func (l *Load) Process(env symint.Env, _ []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	if l.data == nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("ops: Load %q: no data bound", l.ID)
	}
	return *l.data, shapetracker.New(l.Shape...), nil
}

// Arange is a nullary operator producing [0, 1, ..., n-1].
type Arange struct {
	N int
}

func (Arange) Name() string        { return "Arange" }
func (Arange) TypeTag() Capability { return CapConstant }
func (a Arange) Process(_ symint.Env, _ []Input, _ int) (tensor.Tensor, shapetracker.Tracker, error) {
	out := tensor.New(tensor.F32, a.N)
	for i := 0; i < a.N; i++ {
		out.SetAt(i, float64(i))
	}
	return out, shapetracker.New(symint.Const(int64(a.N))), nil
}
