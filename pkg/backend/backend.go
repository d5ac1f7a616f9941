// Package backend defines the external interface §6 calls "To backends":
// the core emits kernel specifications rather than machine code, and
// hands them to a Backend implementation to realize and run. Concrete
// backend kernels are out of scope for the core per §1 — this package
// holds only the trait every backend honors. pkg/backend/cpu is the one
// reference implementation this module ships.
package backend

import (
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
)

// KernelSpec is what a backend-pass-synthesized node hands a Backend to
// compile: the operator value itself (a backendpass.MatMul,
// backendpass.FusedReduction or backendpass.FusedElementwise already
// carries its own index-expression tree, reduce axis, or matmul shape),
// the tracker each input edge presents, the declared output shape, and
// the element type the kernel must produce.
type KernelSpec struct {
	Op            ops.Operator
	InputTrackers []shapetracker.Tracker
	OutputShape   []symint.Expression
	DType         tensor.DataType
}

// Handle identifies a compiled kernel a backend can later execute
// repeatedly without recompiling. Its concrete type is backend-private.
type Handle interface{}

// Backend is the trait every hardware target implements; the core never
// calls a kernel ABI directly, only this interface.
type Backend interface {
	// CompileKernel turns spec into a Handle. Backends that cache
	// compiled kernels key the cache on spec's operator signature and
	// shapes (pkg/backend/cpu does this with a mutex-guarded map and a
	// singleflight group held by each Backend value, per §5 "a mutex is
	// sufficient; compilation is rare").
	CompileKernel(spec KernelSpec) (Handle, error)

	// ExecuteKernel runs a previously compiled kernel against inputs
	// (one (tensor, view) pair per KernelSpec.InputTrackers, in order)
	// under env, producing the kernel's output tensor.
	ExecuteKernel(handle Handle, env symint.Env, inputs []ops.Input) (tensor.Tensor, error)

	// Allocate and Release manage backend-owned buffers (e.g. device
	// memory); the CPU reference backend satisfies this with heap buffers
	// drawn from and returned to a tiered scratch pool.
	Allocate(bytes, alignment int) ([]byte, error)
	Release(buf []byte)
}
