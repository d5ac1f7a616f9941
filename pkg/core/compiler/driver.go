// Package compiler implements the optimizer driver and the backend-agnostic
// rewrite passes that run over a pkg/core/graph.Graph between graph
// construction and execution.
package compiler

import (
	"errors"
	"fmt"

	"github.com/itohio/tensorgraph/pkg/core/graph"
)

// ErrOptimizationDivergence is returned when the pass pipeline fails to
// reach a fixed point within the configured iteration cap — the signal
// that a pair of passes is oscillating rather than converging.
var ErrOptimizationDivergence = errors.New("optimization passes did not converge")

// Pass is a single rewrite step: it reports whether it changed the graph so
// the driver knows whether another iteration is warranted.
type Pass func(g *graph.Graph) (changed bool, err error)

// DefaultMaxIterations bounds the fixed-point loop absent an explicit cap.
const DefaultMaxIterations = 64

// Driver runs a fixed sequence of passes repeatedly until none of them
// report a change (fixed point), or until MaxIterations is exhausted.
type Driver struct {
	Passes        []Pass
	MaxIterations int
}

// NewDriver builds a Driver over passes with DefaultMaxIterations.
func NewDriver(passes ...Pass) *Driver {
	return &Driver{Passes: passes, MaxIterations: DefaultMaxIterations}
}

// Run drives g to a fixed point under d's passes. Compilation is atomic: g
// is snapshotted before the first pass runs, and restored to that snapshot
// before returning any error, so a pass failure or a non-converging
// pipeline never leaves g partially rewritten.
func (d *Driver) Run(g *graph.Graph) error {
	maxIter := d.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	snap := g.Snapshot()

	for iter := 0; iter < maxIter; iter++ {
		anyChanged := false
		for _, pass := range d.Passes {
			changed, err := pass(g)
			if err != nil {
				g.Restore(snap)
				return err
			}
			anyChanged = anyChanged || changed
		}
		if !anyChanged {
			if err := g.CheckInvariants(); err != nil {
				g.Restore(snap)
				return fmt.Errorf("tensorgraph: compile: %w", err)
			}
			return nil
		}
	}

	g.Restore(snap)
	return fmt.Errorf("tensorgraph: compile: %w", ErrOptimizationDivergence)
}
