package blockdag

import "sort"

// ExecutionOrder returns a topological order over the DAG's blocks using
// Kahn's algorithm, breaking ties by ascending block id for determinism.
// Returns a *ValidationError if the graph contains a cycle.
func ExecutionOrder(d *DAGDef) ([]string, error) {
	inDegree := make(map[string]int, len(d.Blocks))
	for _, b := range d.Blocks {
		inDegree[b.ID] = len(d.incoming[b.ID])
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(d.Blocks))
	for len(frontier) > 0 {
		sort.Strings(frontier)
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var newlyReady []string
		for _, e := range d.outgoing[id] {
			inDegree[e.To.Block]--
			if inDegree[e.To.Block] == 0 {
				newlyReady = append(newlyReady, e.To.Block)
			}
		}
		sort.Strings(newlyReady)
		frontier = append(frontier, newlyReady...)
	}

	if len(order) != len(d.Blocks) {
		return nil, &ValidationError{Reason: "dag contains a cycle"}
	}
	return order, nil
}
