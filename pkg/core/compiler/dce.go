package compiler

import "github.com/itohio/tensorgraph/pkg/core/graph"

// DeadCodeElimination deletes nodes with no path to any retained node:
// walk back from every retained node, mark reachable ancestors live,
// delete everything else.
func DeadCodeElimination(g *graph.Graph) (bool, error) {
	live := make(map[int]bool)
	var mark func(id int)
	mark = func(id int) {
		if live[id] {
			return
		}
		live[id] = true
		for _, e := range g.GetSources(id) {
			mark(e.From)
		}
	}

	for _, id := range g.NodeIDs() {
		if g.IsRetained(id) {
			mark(id)
		}
	}

	changed := false
	for _, id := range g.NodeIDs() {
		if live[id] {
			continue
		}
		ok, err := g.DeleteNode(id)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = true
		}
	}

	return changed, nil
}
