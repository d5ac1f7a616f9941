// Package executor implements component H: it orders a compiled graph's
// live nodes topologically, supplies each operator the (tensor, view)
// pairs its input edges describe, and frees intermediate tensors under a
// reference-counted retention policy once their last live consumer has
// run.
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/tensorgraph/pkg/backend"
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/symint"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
	"github.com/itohio/tensorgraph/pkg/core/tensor"
	"github.com/itohio/tensorgraph/pkg/logger"
)

// ErrBackendFailure wraps an error an operator's Process returned while
// realizing a node — §7's BackendFailure kind.
var ErrBackendFailure = errors.New("backend failure")

// ErrRetrievalOfNonRetained is returned by Tensor when asked for a node
// that was never marked for retention — §7's RetrievalOfNonRetained.
var ErrRetrievalOfNonRetained = errors.New("retrieval of non-retained node")

// ErrCyclicGraph is returned by Execute if the graph cannot be ordered
// topologically — defensive, since graph.Graph refuses to admit cycles at
// construction time (§7: "should never occur with the documented API").
var ErrCyclicGraph = errors.New("cyclic graph")

// BufferPool lets a backend reclaim released intermediate buffers instead
// of letting them fall to the garbage collector, per SPEC_FULL's
// supplemented free-list behavior. Put is called once per tensor freed by
// the retention policy; a pool is a pure optimization — Execute behaves
// identically (allocate per node, release to the GC) when Pool is nil.
type BufferPool interface {
	Put(t tensor.Tensor)
}

// nodeOutput is what Execute retains per live node between the moment it
// runs and the moment its last consumer has read it.
type nodeOutput struct {
	tensor  tensor.Tensor
	tracker shapetracker.Tracker
}

// Executor runs a compiled graph to completion. The zero value is usable.
type Executor struct {
	// Pool, if set, receives every intermediate tensor the retention
	// policy frees during Execute.
	Pool BufferPool

	// Backend, if set, realizes every CapCustomKernel node (the kernels
	// backend passes synthesize — backendpass.MatMul/FusedReduction/
	// FusedElementwise) via CompileKernel/ExecuteKernel instead of the
	// node's own Process, per §2 ("execute runs H, which calls the
	// lowered ops, each holding a reference to a backend routine"). Every
	// other node always runs through Process regardless of Backend,
	// since only backend-pass-synthesized kernels carry a KernelSpec a
	// Backend knows how to compile. Nil keeps the reference behavior:
	// every node realized by its own Process.
	Backend backend.Backend

	outputs map[int]nodeOutput
	refs    map[int]int
}

// Execute runs every live node of g in topological order under env,
// storing retained nodes' outputs for later retrieval via Tensor. Dynamic
// shape dimensions are resolved from env; an unbound dimension surfaces as
// a wrapped graph.ErrUnboundDimension naming the variable. A reduction
// divisor (e.g. mean's Recip(count)) bound to zero surfaces as
// graph.ErrIncompatibleShape rather than silently producing +Inf/NaN. Any
// other operator failure aborts execution, releasing every buffer held so
// far, and surfaces as ErrBackendFailure.
func (e *Executor) Execute(g *graph.Graph, env symint.Env) error {
	order, err := topoOrder(g)
	if err != nil {
		return err
	}

	e.outputs = make(map[int]nodeOutput, len(order))
	e.refs = make(map[int]int, len(order))
	for _, id := range order {
		e.refs[id] = len(g.GetDests(id))
	}

	start := time.Now()
	for _, id := range order {
		n, _ := g.Node(id)
		sources := g.GetSources(id)
		inputs := make([]ops.Input, len(sources))
		for _, edge := range sources {
			inputs[edge.InputSlot] = e.inputFor(g, edge)
		}

		out, tr, perr := e.runNode(n, env, inputs)
		if perr != nil {
			e.releaseAll()
			var uerr *symint.ErrUnboundVariable
			if errors.As(perr, &uerr) {
				return fmt.Errorf("tensorgraph: execute: %w: %s", graph.ErrUnboundDimension, uerr.Name)
			}
			if errors.Is(perr, ops.ErrReciprocalOfZero) {
				return fmt.Errorf("tensorgraph: execute: node %d (%s): %w: %v", id, n.Op.Name(), graph.ErrIncompatibleShape, perr)
			}
			logger.Log.Warn().Str("op", n.Op.Name()).Int("node", id).Err(perr).Msg("execute: backend failure")
			return fmt.Errorf("tensorgraph: execute: node %d (%s): %w: %v", id, n.Op.Name(), ErrBackendFailure, perr)
		}

		e.outputs[id] = nodeOutput{tensor: out, tracker: tr}
		logger.Log.Debug().Int("node", id).Str("op", n.Op.Name()).Msg("execute: node done")

		e.releaseConsumed(g, sources, g.IsRetained)
	}

	logger.Log.Debug().Dur("elapsed", time.Since(start)).Int("nodes", len(order)).Msg("execute: complete")
	return nil
}

// runNode realizes n: a CapCustomKernel node routes through e.Backend when
// one is configured, everything else always runs its own Process.
func (e *Executor) runNode(n *graph.Node, env symint.Env, inputs []ops.Input) (tensor.Tensor, shapetracker.Tracker, error) {
	if e.Backend != nil && n.Op.TypeTag()&ops.CapCustomKernel != 0 {
		return e.runBackendNode(n, env, inputs)
	}
	return n.Op.Process(env, inputs, n.ID)
}

// runBackendNode compiles and executes n.Op against e.Backend, the §6
// "To backends" consumer path a bare Process call never exercises.
func (e *Executor) runBackendNode(n *graph.Node, env symint.Env, inputs []ops.Input) (tensor.Tensor, shapetracker.Tracker, error) {
	dtype := tensor.F32
	if len(inputs) > 0 {
		dtype = inputs[0].Tensor.DataType()
	}
	trackers := make([]shapetracker.Tracker, len(inputs))
	for i, in := range inputs {
		trackers[i] = in.View
	}

	handle, err := e.Backend.CompileKernel(backend.KernelSpec{
		Op:            n.Op,
		InputTrackers: trackers,
		OutputShape:   n.OutputShape,
		DType:         dtype,
	})
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("tensorgraph: execute: compile kernel %q: %w", n.Op.Name(), err)
	}

	out, err := e.Backend.ExecuteKernel(handle, env, inputs)
	if err != nil {
		return tensor.Tensor{}, shapetracker.Tracker{}, err
	}
	return out, shapetracker.New(n.OutputShape...), nil
}

// inputFor builds the (tensor, view) pair a consumer sees for edge. When
// the producer is a view-only operator (Reshape/Permute/Expand/Slice/Pad/
// Contiguous), its own returned tracker already carries the full composed
// transform back to the nearest materializing ancestor, so that tracker is
// used directly rather than the edge's declared (pre-absorption) default.
// For every other producer the edge's tracker is authoritative: it is
// either the plain dense default, or — once a view-absorption pass has
// folded an intervening view node away and repointed the edge — the
// composed transform that node left behind.
func (e *Executor) inputFor(g *graph.Graph, edge graph.Edge) ops.Input {
	out := e.outputs[edge.From]
	if prod, ok := g.Node(edge.From); ok && prod.Op.TypeTag()&ops.CapView != 0 {
		return ops.Input{Tensor: out.tensor, View: out.tracker}
	}
	return ops.Input{Tensor: out.tensor, View: edge.Tracker}
}

// releaseConsumed decrements the reference count of every source this
// step just consumed, freeing a producer's buffer once its count reaches
// zero and it is not retained.
func (e *Executor) releaseConsumed(g *graph.Graph, sources []graph.Edge, retained func(int) bool) {
	for _, edge := range sources {
		e.refs[edge.From]--
		if e.refs[edge.From] > 0 {
			continue
		}
		if retained(edge.From) {
			continue
		}
		out, ok := e.outputs[edge.From]
		if !ok {
			continue
		}
		delete(e.outputs, edge.From)
		if e.Pool != nil {
			e.Pool.Put(out.tensor)
		}
	}
}

// releaseAll drops every buffer still held, used on the abort path so a
// failed Execute never leaks intermediate tensors.
func (e *Executor) releaseAll() {
	if e.Pool != nil {
		for _, out := range e.outputs {
			e.Pool.Put(out.tensor)
		}
	}
	e.outputs = nil
	e.refs = nil
}

// Tensor returns the tensor and view a retained node produced. It fails
// with ErrRetrievalOfNonRetained if id was not marked retained, and
// returns an error if Execute has not (yet, or successfully) produced it.
func (e *Executor) Tensor(g *graph.Graph, id int) (tensor.Tensor, shapetracker.Tracker, error) {
	id = g.Resolve(id)
	if !g.IsRetained(id) {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("tensorgraph: tensor: node %d: %w", id, ErrRetrievalOfNonRetained)
	}
	out, ok := e.outputs[id]
	if !ok {
		return tensor.Tensor{}, shapetracker.Tracker{}, fmt.Errorf("tensorgraph: tensor: node %d: not yet produced", id)
	}
	return out.tensor, out.tracker, nil
}

// topoOrder computes a topological order over every node currently in g
// via Kahn's algorithm, snapshotting node ids up front per §9's "collect
// node-id snapshots before mutating; never mutate while walking" —
// Execute only reads g, but the snapshot keeps the ordering well-defined
// even if a future caller runs Execute against a graph being inspected
// concurrently by something else.
func topoOrder(g *graph.Graph) ([]int, error) {
	ids := g.NodeIDs()
	indegree := make(map[int]int, len(ids))
	for _, id := range ids {
		indegree[id] = len(g.GetSources(id))
	}

	queue := make([]int, 0, len(ids))
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]int, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, edge := range g.GetDests(id) {
			indegree[edge.To]--
			if indegree[edge.To] == 0 {
				queue = append(queue, edge.To)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, fmt.Errorf("tensorgraph: execute: %w", ErrCyclicGraph)
	}
	return order, nil
}
