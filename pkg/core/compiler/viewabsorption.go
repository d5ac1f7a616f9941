package compiler

import (
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/math/tensor/shapetracker"
	"github.com/itohio/tensorgraph/pkg/core/ops"
)

// ViewAbsorption removes a Reshape/Permute/Expand node with a single
// consumer by composing its transform directly into the tracker on the
// edge feeding that consumer — the node existed only to carry the
// transform, and an edge tracker can carry it just as well. A view node
// whose own producer is still a view node is left for a later iteration,
// so chains are absorbed from the top down and the consumer's edge never
// already carries an absorbed transform that the replacement would drop.
func ViewAbsorption(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}

		sources := g.GetSources(id)
		if len(sources) != 1 {
			continue
		}
		if prod, ok := g.Node(sources[0].From); ok && prod.Op.TypeTag()&ops.CapView != 0 {
			continue
		}

		newTracker, absorbable := absorbedTracker(n.Op, sources[0].Tracker)
		if !absorbable {
			continue
		}

		consumer, single := soleConsumerOf(g, id)
		if !single {
			continue
		}
		if g.IsRetained(id) {
			continue
		}

		slot := mustSlot(g, id, consumer)
		if err := g.ReplaceEdgeTracker(consumer, slot, newTracker); err != nil {
			return changed, err
		}
		if _, err := g.MoveReferences(id, sources[0].From); err != nil {
			return changed, err
		}
		if ok, err := g.DeleteNode(id); err != nil {
			return changed, err
		} else if ok {
			changed = true
		}
	}

	return changed, nil
}

// absorbedTracker applies op's view transform to tracker, returning the
// result and true when op is a view primitive ViewAbsorption knows how to
// fold; false for anything else (including Slice/Pad/Contiguous, which
// carry validity semantics the simple edge-tracker substitution above
// does not need to handle since they already compose through Index
// without requiring a dedicated node removal here).
func absorbedTracker(op ops.Operator, tracker shapetracker.Tracker) (shapetracker.Tracker, bool) {
	switch o := op.(type) {
	case ops.Reshape:
		t, err := tracker.Reshape(o.NewShape)
		return t, err == nil
	case ops.Permute:
		t, err := tracker.Permute(o.Perm)
		return t, err == nil
	case ops.Expand:
		t, err := tracker.Expand(o.Axis, o.Size)
		return t, err == nil
	default:
		return shapetracker.Tracker{}, false
	}
}

func mustSlot(g *graph.Graph, producer, consumer int) int {
	for _, e := range g.GetSources(consumer) {
		if e.From == producer {
			return e.InputSlot
		}
	}
	return 0
}
