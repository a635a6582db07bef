package pipegraph

// Compile validates the graph and produces an execution Plan: an ordered
// sequence of concurrency levels plus, per node, its transitive upstream
// dependency set used for input wiring.
//
// Levels are computed by iterative topological layering: nodes whose
// unresolved in-degree reaches zero at the same iteration form one level.
// Within a level, nodes are ordered by ascending insertion order, so
// identical graphs always compile to identical level sequences.
//
// Returns a CycleError naming the participating node ids if any node
// remains unresolved after all removable nodes are exhausted, or a
// ValidationError if an edge references a missing node.
func Compile(g *Graph) (*Plan, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	order := g.NodeIDs()
	indegree := make(map[string]int, len(order))
	successors := make(map[string][]string, len(order))
	incoming := make(map[string][]Edge)
	for _, id := range order {
		indegree[id] = 0
	}
	for _, e := range g.Edges() {
		indegree[e.Target]++
		successors[e.Source] = append(successors[e.Source], e.Target)
		incoming[e.Target] = append(incoming[e.Target], e)
	}

	var levels [][]string
	resolved := make(map[string]bool, len(order))
	remaining := len(order)

	for remaining > 0 {
		var level []string
		for _, id := range order {
			if !resolved[id] && indegree[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			resolved[id] = true
			remaining--
			for _, succ := range successors[id] {
				indegree[succ]--
			}
		}
		levels = append(levels, level)
	}

	if remaining > 0 {
		var stuck []string
		for _, id := range order {
			if !resolved[id] {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Nodes: stuck}
	}

	// Transitive upstream closure, accumulated level by level: by the
	// time a node is visited every predecessor's closure is final.
	upstream := make(map[string]map[string]bool, len(order))
	for _, level := range levels {
		for _, id := range level {
			up := make(map[string]bool)
			for _, e := range incoming[id] {
				up[e.Source] = true
				for dep := range upstream[e.Source] {
					up[dep] = true
				}
			}
			upstream[id] = up
		}
	}

	upstreamSorted := make(map[string][]string, len(order))
	for id, set := range upstream {
		deps := make([]string, 0, len(set))
		for _, candidate := range order {
			if set[candidate] {
				deps = append(deps, candidate)
			}
		}
		upstreamSorted[id] = deps
	}

	return &Plan{
		levels:   levels,
		upstream: upstreamSorted,
		incoming: incoming,
		order:    order,
	}, nil
}
