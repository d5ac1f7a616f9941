package compiler

import (
	"github.com/itohio/tensorgraph/pkg/core/graph"
	"github.com/itohio/tensorgraph/pkg/core/ops"
)

// ContiguousElision removes a Contiguous node whose producer's incoming
// edge tracker is already contiguous: the materialization it would force
// is a no-op, so every consumer can read the producer directly instead.
func ContiguousElision(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		if _, isContiguous := n.Op.(ops.Contiguous); !isContiguous {
			continue
		}

		sources := g.GetSources(id)
		if len(sources) != 1 || !sources[0].Tracker.IsContiguous() {
			continue
		}

		dests := g.GetDests(id)
		if len(dests) == 0 {
			continue
		}
		for _, d := range dests {
			if err := g.ReplaceEdgeTracker(d.To, d.InputSlot, sources[0].Tracker); err != nil {
				return changed, err
			}
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
