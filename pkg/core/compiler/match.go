package compiler

import "github.com/itohio/tensorgraph/pkg/core/graph"

// singleConsumer reports whether node id has exactly one consuming edge —
// the core correctness condition for folding it away: a node with more
// than one consumer cannot be removed without changing what those other
// consumers see.
func singleConsumer(g *graph.Graph, id int) bool {
	return len(g.GetDests(id)) == 1
}

// foldable reports whether id may be deleted once its single consumer has
// absorbed its effect: it must not be externally retained, and it must
// have no other consumer.
func foldable(g *graph.Graph, id int) bool {
	return !g.IsRetained(id) && singleConsumer(g, id)
}

// soleConsumerOf returns the single node consuming id, or (0, false) if
// id has zero or more than one consumer.
func soleConsumerOf(g *graph.Graph, id int) (int, bool) {
	dests := g.GetDests(id)
	if len(dests) != 1 {
		return 0, false
	}
	return dests[0].To, true
}

// unaryChainFrom walks forward from start through single-input,
// single-consumer nodes whose operator name is in allowedNames, stopping
// at the first node that doesn't qualify (or has more than one consumer,
// or is retained, since only a private intermediate can be absorbed). The
// returned chain always has length >= 1 and includes start.
func unaryChainFrom(g *graph.Graph, start int, isChainable func(name string) bool) []int {
	chain := []int{start}
	cur := start
	for {
		if !foldable(g, cur) {
			break
		}
		next, ok := soleConsumerOf(g, cur)
		if !ok {
			break
		}
		nextNode, ok := g.Node(next)
		if !ok || !isChainable(nextNode.Op.Name()) || g.IsRetained(next) {
			break
		}
		if len(g.GetSources(next)) != 1 {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	return chain
}
