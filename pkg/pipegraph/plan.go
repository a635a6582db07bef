package pipegraph

// Plan is the immutable result of compiling a graph: the ordered level
// sequence, the per-node transitive upstream sets, and the incoming
// edges used for port mapping.
//
// Plan is safe for concurrent reads and cannot be modified after
// compilation.
type Plan struct {
	levels   [][]string
	upstream map[string][]string
	incoming map[string][]Edge
	order    []string
}

// NumLevels returns the number of concurrency levels.
func (p *Plan) NumLevels() int {
	return len(p.levels)
}

// NumNodes returns the number of nodes in the plan.
func (p *Plan) NumNodes() int {
	return len(p.order)
}

// Level returns the node ids of level i, in insertion order.
func (p *Plan) Level(i int) []string {
	ids := make([]string, len(p.levels[i]))
	copy(ids, p.levels[i])
	return ids
}

// Levels returns a copy of the full level sequence.
func (p *Plan) Levels() [][]string {
	levels := make([][]string, len(p.levels))
	for i := range p.levels {
		levels[i] = p.Level(i)
	}
	return levels
}

// Upstream returns the transitive upstream dependency set of a node,
// in insertion order. A node never appears in its own upstream set.
func (p *Plan) Upstream(id string) []string {
	deps := make([]string, len(p.upstream[id]))
	copy(deps, p.upstream[id])
	return deps
}

// Incoming returns the edges arriving at a node.
func (p *Plan) Incoming(id string) []Edge {
	edges := make([]Edge, len(p.incoming[id]))
	copy(edges, p.incoming[id])
	return edges
}

// NodeIDs returns every node id in the plan, in insertion order.
func (p *Plan) NodeIDs() []string {
	ids := make([]string, len(p.order))
	copy(ids, p.order)
	return ids
}
