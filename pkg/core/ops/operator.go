// Package ops defines the operator contract every node in the graph IR
// honors, plus the minimal set of primitive operators a backend must
// recognize. Derived operations (Sub, Div, mean, softmax, matmul, layer
// norm) are expressed elsewhere as subgraphs built from these primitives;
// this package holds no "convenience" composite ops.
package ops

import (
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// Capability is a bitset describing what class of work an operator does.
// Pattern matchers discriminate on this rather than doing a type switch
// over every concrete operator type, so backend-added operators (fused
// kernels) can declare the capability they most resemble.
type Capability uint16

const (
	CapConstant Capability = 1 << iota
	CapArith
	CapReduce
	CapView
	CapLoad
	CapCustomKernel
)

func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapConstant, "constant"},
		{CapArith, "arith"},
		{CapReduce, "reduce"},
		{CapView, "view"},
		{CapLoad, "load"},
		{CapCustomKernel, "custom-kernel"},
	}
	out := ""
	for _, n := range names {
		if c&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Input is one (tensor, view) pair an operator reads from.
type Input struct {
	Tensor tensor.Tensor
	View   shapetracker.Tracker
}

// Operator is the contract every graph node's payload satisfies.
type Operator interface {
	// Name is the stable identifier pattern matchers key on, e.g. "Add",
	// "SumReduce", "FusedElementwise".
	Name() string

	// TypeTag discriminates operators for pattern matching without a type
	// switch over every concrete type.
	TypeTag() Capability

	// Process realizes the operator: given the (tensor, view) read of each
	// input edge in slot order, it produces an output tensor and the view
	// describing it. selfNodeID identifies the node being processed, for
	// operators (such as Load) that key off graph-external state.
	Process(env symint.Env, inputs []Input, selfNodeID int) (tensor.Tensor, shapetracker.Tracker, error)
}

// ErrShapeMismatch is returned by binary elementwise operators when two
// inputs disagree on shape (after any expand the caller was responsible
// for inserting — primitives never broadcast implicitly).
type ErrShapeMismatch struct {
	Op   string
	A, B []symint.Expression
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("ops: %s: shape mismatch %v vs %v", e.Op, e.A, e.B)
}

func sameShape(a, b []symint.Expression) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Simplify().Equal(b[i].Simplify()) {
			return false
		}
	}
	return true
}

// SizeOf evaluates a shape's element count under env. Exported for
// rewrite-generated operators (e.g. the compiler package's fused kernels)
// that need the same element-counting logic primitives use internally.
func SizeOf(shape []symint.Expression, env symint.Env) (int, error) {
	return sizeOf(shape, env)
}

// ForEachCoord iterates every multi-dimensional coordinate within shape in
// row-major order. See SizeOf for why this is exported.
func ForEachCoord(shape []symint.Expression, env symint.Env, fn func(linear int, coords []int64)) error {
	return forEachCoord(shape, env, fn)
}

// sizeOf evaluates a shape's element count under env.
func sizeOf(shape []symint.Expression, env symint.Env) (int, error) {
	total := int64(1)
	for _, d := range shape {
		v, err := d.Evaluate(env)
		if err != nil {
			return 0, err
		}
		total *= v
	}
	return int(total), nil
}

// forEachCoord iterates every multi-dimensional coordinate within shape
// (evaluated under env) in row-major order, calling fn with the linear
// output index and the coordinate vector.
func forEachCoord(shape []symint.Expression, env symint.Env, fn func(linear int, coords []int64)) error {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		v, err := d.Evaluate(env)
		if err != nil {
			return err
		}
		dims[i] = v
	}

	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	if len(dims) == 0 {
		fn(0, nil)
		return nil
	}

	coords := make([]int64, len(dims))
	for linear := 0; linear < n; linear++ {
		fn(linear, coords)
		for ax := len(dims) - 1; ax >= 0; ax-- {
			coords[ax]++
			if coords[ax] < dims[ax] {
				break
			}
			coords[ax] = 0
		}
	}
	return nil
}
