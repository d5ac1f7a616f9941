package graph

// LoopDetection detects if there are cycles (loops) in the graph
// Returns true if cycle exists, false otherwise
func LoopDetection(g Graph, start Node) bool {
	if start == nil {
		return false
	}

	visited := make(map[Node]bool)
	recStack := make(map[Node]bool)

	return loopDetectionDFS(g, start, visited, recStack)
}

func loopDetectionDFS(g Graph, node Node, visited, recStack map[Node]bool) bool {
	visited[node] = true
	recStack[node] = true

	neighbors := g.Neighbors(node)
	for _, neighbor := range neighbors {
		if !visited[neighbor] {
			if loopDetectionDFS(g, neighbor, visited, recStack) {
				return true
			}
		} else if recStack[neighbor] {
			// Found back edge - cycle detected
			return true
		}
	}

	recStack[node] = false // Remove from recursion stack
	return false
}

