package compiler

import "github.com/itohio/tensorgraph/pkg/core/graph"

// CommonSubexpressionElimination merges nodes that compute the identical
// operator over the identical inputs: same operator identity, same
// producer per input slot, same tracker shape on each incoming edge.
func CommonSubexpressionElimination(g *graph.Graph) (bool, error) {
	seen := make(map[string]int)
	changed := false

	for _, id := range g.NodeIDs() {
		key, ok := nodeKey(g, id)
		if !ok {
			continue
		}
		canonical, exists := seen[key]
		if !exists {
			seen[key] = id
			continue
		}
		if canonical == id {
			continue
		}

		if _, err := g.MoveReferences(id, canonical); err != nil {
			return changed, err
		}
		if _, err := g.DeleteNode(id); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}
