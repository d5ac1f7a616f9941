package graph

import "errors"

// Sentinel errors wrapped with fmt.Errorf("tensorgraph: op: %w", sentinel)
// at call sites throughout the module, per the package's error-handling
// convention.
var (
	// ErrIncompatibleShape is returned when graph construction or a
	// reshape is inconsistent with a node's declared output shape.
	ErrIncompatibleShape = errors.New("incompatible shape")

	// ErrUnboundDimension is returned when a dynamic dimension has no
	// runtime binding at execute time.
	ErrUnboundDimension = errors.New("unbound dimension")

	// ErrCyclicGraph is returned when add_op/input would introduce a
	// cycle, or when an invariant check finds one.
	ErrCyclicGraph = errors.New("cyclic graph")

	// ErrUnknownNode is returned when an operation references a node id
	// outside the graph.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNoDeleteViolation is returned when a pass attempts to remove a
	// node in the no-delete set.
	ErrNoDeleteViolation = errors.New("node is in no-delete set")

	// ErrDanglingInput is returned when a node's declared input slot has
	// no bound edge.
	ErrDanglingInput = errors.New("dangling input slot")
)
