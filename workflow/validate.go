package workflow

import "sort"

// findCycle proves the prerequisite graph acyclic with Kahn's algorithm and,
// when it is not, extracts one deterministic cycle path for error reporting.
// Cycle rejection is a hard requirement of graph construction, not an
// optimization: a cycle that survived to runtime would deadlock every session.
func findCycle(g *Graph) []string {
	ids := make([]string, 0, len(g.steps))
	for id := range g.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = len(g.steps[id].Prerequisites)
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[cur] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(ids) {
		return nil
	}
	return extractCycle(g, ids)
}

// extractCycle runs a DFS over canonically ordered ids and returns a single
// stable cycle witness of the form a -> b -> ... -> a.
func extractCycle(g *Graph, ids []string) []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(ids))
	parent := make(map[string]string, len(ids))
	var cycle []string

	var dfs func(string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range g.dependents[u] { // already sorted
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes the cycle v ... u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			break
		}
	}

	if len(cycle) == 0 {
		return nil
	}
	// The parent walk built the path backwards; reverse into forward order.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
