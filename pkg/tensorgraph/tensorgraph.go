// Package tensorgraph is the user-facing surface of this module: construct
// a graph of tensors with typed constructors and arithmetic composition,
// mark outputs for retention, compile the graph with a chosen optimizer
// pipeline, run it, and read results back out. It is a thin facade over
// pkg/core/graph, pkg/core/compiler and pkg/core/executor — it builds no
// operator semantics of its own beyond the derived ops (Sub, Div, MatMul)
// that are expressed as subgraphs of existing primitives.
package tensorgraph

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/backend"
	"github.com/itohio/tensorgraph/pkg/core/compiler"
	"github.com/itohio/tensorgraph/pkg/core/executor"
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// Graph is a tensor computation under construction. The zero value is not
// usable; use New.
type Graph struct {
	g    *graph.Graph
	env  symint.Env
	exec *executor.Executor

	// Pool, set before Execute, lets a backend reclaim released
	// intermediate buffers instead of letting them fall to the GC.
	Pool executor.BufferPool

	// Backend, set before Execute, realizes the kernels a backend
	// optimizer pass (e.g. compiler.BackendPasses's FuseMatMul) synthesizes
	// — leave nil to run every node through its own Process instead.
	Backend backend.Backend
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{g: graph.New(), env: symint.Env{}}
}

// SetDim binds a named dynamic dimension used by every subsequent Execute
// call — the set_dyn half of §6's external interface lives at graph scope
// here, since shape variables are resolved once at execute time against
// whatever the caller last bound, not per tensor.
func (gr *Graph) SetDim(name string, value int64) {
	gr.env[name] = value
}

// Tensor is a handle to one node of a Graph: the operator that produces it
// and the shape it declares.
type Tensor struct {
	g     *Graph
	id    int
	shape []symint.Expression
	load  *ops.Load
}

func (gr *Graph) wrap(id int, shape []symint.Expression, err error) (*Tensor, error) {
	if err != nil {
		return nil, err
	}
	return &Tensor{g: gr, id: id, shape: shape}, nil
}

// Shape returns t's declared output shape.
func (t *Tensor) Shape() []symint.Expression {
	return append([]symint.Expression(nil), t.shape...)
}

// Input declares a named external tensor of shape, bound to concrete data
// later via Set — the `set`/`set_dyn` surface of §6.
func (gr *Graph) Input(name string, shape ...symint.Expression) (*Tensor, error) {
	load := ops.NewLoad(name, shape)
	id, err := gr.g.AddOp(load, shape).Finish()
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: input %q: %w", name, err)
	}
	return &Tensor{g: gr, id: id, shape: shape, load: load}, nil
}

// Set binds data to an input tensor created by Graph.Input. data's length
// must equal the product of shape; that invariant is enforced when
// Execute walks the bound Load node, not here.
func (t *Tensor) Set(data []float32) error {
	if t.load == nil {
		return fmt.Errorf("tensorgraph: set: tensor is not an input")
	}
	t.load.Set(tensor.FromFloat32(data))
	return nil
}

// Constant builds a tensor holding value at every coordinate of shape.
func (gr *Graph) Constant(value float64, shape ...symint.Expression) (*Tensor, error) {
	id, err := gr.g.AddOp(ops.Constant{Value: value, Shape: shape}, shape).Finish()
	return gr.wrap(id, shape, err)
}

func (t *Tensor) binary(op ops.Operator, other *Tensor) (*Tensor, error) {
	id, err := t.g.g.AddOp(op, t.shape).Input(t.id).Input(other.id).Finish()
	return t.g.wrap(id, t.shape, err)
}

func (t *Tensor) unary(op ops.Operator) (*Tensor, error) {
	id, err := t.g.g.AddOp(op, t.shape).Input(t.id).Finish()
	return t.g.wrap(id, t.shape, err)
}

// Add computes element-wise sum; both operands must share t's shape.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) { return t.binary(ops.Add{}, other) }

// Mul computes element-wise product; both operands must share t's shape.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) { return t.binary(ops.Mul{}, other) }

// Mod computes the element-wise truncated modulus (sign follows the
// dividend, as with Go's math.Mod).
func (t *Tensor) Mod(other *Tensor) (*Tensor, error) { return t.binary(ops.Mod{}, other) }

// MaxOf computes the element-wise maximum.
func (t *Tensor) MaxOf(other *Tensor) (*Tensor, error) { return t.binary(ops.Max{}, other) }

// LessThan computes an element-wise 1.0/0.0 comparison mask.
func (t *Tensor) LessThan(other *Tensor) (*Tensor, error) { return t.binary(ops.LessThan{}, other) }

// Log2 computes base-2 logarithm element-wise.
func (t *Tensor) Log2() (*Tensor, error) { return t.unary(ops.Log2{}) }

// Exp2 computes 2^x element-wise.
func (t *Tensor) Exp2() (*Tensor, error) { return t.unary(ops.Exp2{}) }

// Sin computes sine element-wise.
func (t *Tensor) Sin() (*Tensor, error) { return t.unary(ops.Sin{}) }

// Sqrt computes the square root element-wise.
func (t *Tensor) Sqrt() (*Tensor, error) { return t.unary(ops.Sqrt{}) }

// Recip computes the reciprocal element-wise.
func (t *Tensor) Recip() (*Tensor, error) { return t.unary(ops.Recip{}) }

// Sub computes element-wise subtraction. Derived per §4.C: expressed as
// Add(a, Mul(b, -1)) rather than a dedicated primitive.
func (t *Tensor) Sub(other *Tensor) (*Tensor, error) {
	negOne, err := t.g.Constant(-1, other.shape...)
	if err != nil {
		return nil, err
	}
	negOther, err := other.Mul(negOne)
	if err != nil {
		return nil, err
	}
	return t.Add(negOther)
}

// Div computes element-wise division. Derived per §4.C: expressed as
// Mul(a, Recip(b)) rather than a dedicated primitive.
func (t *Tensor) Div(other *Tensor) (*Tensor, error) {
	recip, err := other.Recip()
	if err != nil {
		return nil, err
	}
	return t.Mul(recip)
}

// Reshape reinterprets t's logical shape without touching its buffer.
func (t *Tensor) Reshape(shape ...symint.Expression) (*Tensor, error) {
	id, err := t.g.g.AddOp(ops.Reshape{NewShape: shape}, shape).Input(t.id).Finish()
	return t.g.wrap(id, shape, err)
}

// Permute reorders t's axes; perm[i] names which source axis becomes
// axis i of the result.
func (t *Tensor) Permute(perm ...int) (*Tensor, error) {
	shape := make([]symint.Expression, len(perm))
	for i, axis := range perm {
		if axis < 0 || axis >= len(t.shape) {
			return nil, fmt.Errorf("tensorgraph: permute: axis %d out of range for rank %d", axis, len(t.shape))
		}
		shape[i] = t.shape[axis]
	}
	id, err := t.g.g.AddOp(ops.Permute{Perm: perm}, shape).Input(t.id).Finish()
	return t.g.wrap(id, shape, err)
}

// Expand broadcasts axis, which must currently have size 1, to size.
func (t *Tensor) Expand(axis int, size symint.Expression) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("tensorgraph: expand: axis %d out of range for rank %d", axis, len(t.shape))
	}
	shape := append([]symint.Expression(nil), t.shape...)
	shape[axis] = size
	id, err := t.g.g.AddOp(ops.Expand{Axis: axis, Size: size}, shape).Input(t.id).Finish()
	return t.g.wrap(id, shape, err)
}

// Slice narrows each axis to a half-open range.
func (t *Tensor) Slice(ranges ...shapetracker.Range) (*Tensor, error) {
	if len(ranges) != len(t.shape) {
		return nil, fmt.Errorf("tensorgraph: slice: %d ranges does not match rank %d", len(ranges), len(t.shape))
	}
	shape := make([]symint.Expression, len(ranges))
	for i, r := range ranges {
		shape[i] = symint.Sub(r.Hi, r.Lo)
	}
	id, err := t.g.g.AddOp(ops.Slice{Ranges: ranges}, shape).Input(t.id).Finish()
	return t.g.wrap(id, shape, err)
}

func reducedShape(shape []symint.Expression, axis int) ([]symint.Expression, error) {
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("tensorgraph: reduce: axis %d out of range for rank %d", axis, len(shape))
	}
	out := make([]symint.Expression, 0, len(shape)-1)
	for i, d := range shape {
		if i != axis {
			out = append(out, d)
		}
	}
	return out, nil
}

// SumReduce sums axis out of t's shape.
func (t *Tensor) SumReduce(axis int) (*Tensor, error) {
	shape, err := reducedShape(t.shape, axis)
	if err != nil {
		return nil, err
	}
	id, err := t.g.g.AddOp(ops.SumReduce{Axis: axis}, shape).Input(t.id).Finish()
	return t.g.wrap(id, shape, err)
}

// MaxReduce takes the maximum over axis of t's shape.
func (t *Tensor) MaxReduce(axis int) (*Tensor, error) {
	shape, err := reducedShape(t.shape, axis)
	if err != nil {
		return nil, err
	}
	id, err := t.g.g.AddOp(ops.MaxReduce{Axis: axis}, shape).Input(t.id).Finish()
	return t.g.wrap(id, shape, err)
}

// RepeatKV broadcasts t's heads axis by groups, the grouped-query
// attention sugar scenario 3 of §8 exercises: each of kvHeads keys/values
// is shared across groups query heads.
func (t *Tensor) RepeatKV(axis int, groups symint.Expression) (*Tensor, error) {
	id, shape, err := t.g.g.RepeatKV(t.id, t.shape, axis, groups)
	if err != nil {
		return nil, err
	}
	return &Tensor{g: t.g, id: id, shape: shape}, nil
}

// MatMul builds the Permute -> Expand -> Mul <- Expand -> SumReduce
// subgraph of scenarios 2 and 4 of §8 over a shared K axis: t has shape
// batch...xMxK, other has shape batch...xKxN. It is deliberately built
// from primitives rather than a fused kernel directly. backendpass.FuseMatMul
// recognizes this exact shape and lifts it to a single MatMul kernel node
// when it runs while the Expand nodes are still in the graph. Under
// compiler.Compile's default pipeline the generic ViewAbsorption pass folds
// the Reshape/Permute/Expand nodes into edge trackers first, so FuseMatMul
// finds no Expand to match and the product stays a Mul feeding a reduction.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	ar, br := len(t.shape), len(other.shape)
	if ar < 2 || br < 2 {
		return nil, fmt.Errorf("tensorgraph: matmul: operands must have rank >= 2, got %d and %d", ar, br)
	}
	batch := ar - 2
	if br-2 != batch {
		return nil, fmt.Errorf("tensorgraph: matmul: batch rank mismatch: %d vs %d", batch, br-2)
	}

	m, k := t.shape[batch], t.shape[batch+1]
	k2, n := other.shape[batch], other.shape[batch+1]
	if !k.Simplify().Equal(k2.Simplify()) {
		return nil, fmt.Errorf("tensorgraph: matmul: inner dimensions %v and %v do not match", k, k2)
	}

	aMid := make([]symint.Expression, 0, ar+1)
	aMid = append(aMid, t.shape[:batch+1]...)
	aMid = append(aMid, symint.Const(1), k)
	aReshaped, err := t.Reshape(aMid...)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: matmul: %w", err)
	}
	aExpanded, err := aReshaped.Expand(batch+1, n)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: matmul: %w", err)
	}

	bMid := make([]symint.Expression, 0, br+1)
	bMid = append(bMid, other.shape[:batch]...)
	bMid = append(bMid, symint.Const(1), k2, n)
	bReshaped, err := other.Reshape(bMid...)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: matmul: %w", err)
	}

	perm := make([]int, len(bMid))
	for i := range perm {
		perm[i] = i
	}
	perm[batch+1], perm[batch+2] = batch+2, batch+1
	bPermuted, err := bReshaped.Permute(perm...)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: matmul: %w", err)
	}
	bExpanded, err := bPermuted.Expand(batch, m)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: matmul: %w", err)
	}

	mul, err := aExpanded.Mul(bExpanded)
	if err != nil {
		return nil, fmt.Errorf("tensorgraph: matmul: %w", err)
	}
	return mul.SumReduce(batch + 2)
}

// Output is a handle to a tensor retained across compile/execute: its node
// id may move during optimization (fusion, CSE), so Data resolves it
// through graph.Resolve before reading.
type Output struct {
	g  *Graph
	id int
}

// Retrieve marks t for retention — the §6 retrieve() call. Execute keeps
// its buffer alive once retained; Data is only legal after Execute runs.
func (t *Tensor) Retrieve() *Output {
	t.g.g.Retain(t.id)
	return &Output{g: t.g, id: t.id}
}

// Compile runs the optimizer driver over the graph with opts. Retained
// Output handles obtained before Compile remain valid afterward: Data
// resolves through graph.Resolve at read time rather than requiring the
// caller to remap anything.
func (gr *Graph) Compile(opts compiler.CompileOptions) error {
	return compiler.Compile(gr.g, opts)
}

// Execute runs the executor over the graph using the dimensions bound via
// SetDim. Retained outputs become readable via Output.Data once this
// returns without error.
func (gr *Graph) Execute() error {
	e := &executor.Executor{Pool: gr.Pool, Backend: gr.Backend}
	if err := e.Execute(gr.g, gr.env); err != nil {
		return err
	}
	gr.exec = e
	return nil
}

// Data returns o's tensor contents as a flat float64 buffer once Execute
// has run, widening whatever scalar dtype the backend produced (§6's
// data()). Elements are read through the view the node produced, in
// row-major order of its shape, so a retained view node (e.g. RepeatKV's
// output) yields its logical elements rather than the buffer it shares
// with its producer. Callers wanting the narrower native buffer read the
// executor-level tensor.Tensor's Float32/Int32/Float16 instead.
func (o *Output) Data() ([]float64, error) {
	if o.g.exec == nil {
		return nil, fmt.Errorf("tensorgraph: data: execute has not run")
	}
	id := o.g.g.Resolve(o.id)
	t, view, err := o.g.exec.Tensor(o.g.g, id)
	if err != nil {
		return nil, err
	}
	shape := view.Shape()
	n, err := ops.SizeOf(shape, o.g.env)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	var readErr error
	err = ops.ForEachCoord(shape, o.g.env, func(linear int, coords []int64) {
		off, valid, e := view.Index(o.g.env, coords)
		if e != nil {
			readErr = e
		} else if valid {
			out[linear] = t.At(int(off))
		}
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
