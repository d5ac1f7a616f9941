package compiler

import "github.com/itohio/tensorgraph/pkg/core/graph"

// UnaryChainFusion collapses a run of successive unary elementwise ops
// into a single FusedUnary node, per §4.F item 5: each original node read
// and wrote its own intermediate tensor; the fused node reads its input
// once and applies every step before writing.
func UnaryChainFusion(g *graph.Graph) (bool, error) {
	changed := false

	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok || !chainableUnaryNames[n.Op.Name()] {
			continue
		}
		sources := g.GetSources(id)
		if len(sources) != 1 {
			continue
		}

		chain := unaryChainFrom(g, id, func(name string) bool { return chainableUnaryNames[name] })
		if len(chain) < 2 {
			continue
		}

		names := make([]string, len(chain))
		for i, nodeID := range chain {
			node, _ := g.Node(nodeID)
			names[i] = node.Op.Name()
		}

		last := chain[len(chain)-1]
		lastNode, _ := g.Node(last)

		fusedID, err := g.AddOp(FusedUnary{Names: names}, lastNode.OutputShape).Input(sources[0].From).Finish()
		if err != nil {
			return changed, err
		}
		if err := g.ReplaceEdgeTracker(fusedID, 0, sources[0].Tracker); err != nil {
			return changed, err
		}

		if _, err := g.MoveReferences(last, fusedID); err != nil {
			return changed, err
		}

		for i := len(chain) - 1; i >= 0; i-- {
			if ok, err := g.DeleteNode(chain[i]); err != nil {
				return changed, err
			} else if !ok {
				break
			}
		}
		changed = true
	}

	return changed, nil
}
