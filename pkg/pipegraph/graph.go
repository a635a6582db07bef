package pipegraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Position is a node's 2-D layout position. It is display-only and has
// no effect on execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a containerized computational unit in the pipeline graph.
// The Definition holds the opaque configuration supplied by an external
// config collaborator (container image, working directory, output path,
// parameters); the core never interprets it beyond handing it to the
// execution backend.
type Node struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	Position   Position       `json:"position"`
	Definition map[string]any `json:"definition,omitempty"`
}

// Edge is a directed data-flow dependency between two nodes.
// Ports optionally renames source outputs to target inputs
// (source output key -> target input key).
type Edge struct {
	ID     string            `json:"id"`
	Source string            `json:"source"`
	Target string            `json:"target"`
	Ports  map[string]string `json:"ports,omitempty"`
}

// Graph is the id-indexed node/edge arena for one project pipeline.
//
// Graph is NOT safe for concurrent use; Manager serializes mutations
// per project and Compile operates on immutable snapshots.
//
// Invariant: after every successful mutation the edge set, interpreted
// as a directed graph over node ids, is acyclic, and every edge endpoint
// references an existing node. Mutations either fully succeed or leave
// the graph untouched.
type Graph struct {
	nodes     map[string]Node
	nodeOrder []string
	edges     map[string]Edge
	edgeOrder []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
	}
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int {
	return len(g.edges)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id string) (Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	nodes := make([]Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	edges := make([]Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		edges = append(edges, g.edges[id])
	}
	return edges
}

// NodeIDs returns all node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.nodeOrder))
	copy(ids, g.nodeOrder)
	return ids
}

// AddNode adds a node to the graph.
// Updating an existing node (same id) preserves its insertion order.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return &ValidationError{Reason: "node id cannot be empty"}
	}
	if _, exists := g.nodes[n.ID]; !exists {
		g.nodeOrder = append(g.nodeOrder, n.ID)
	}
	g.nodes[n.ID] = n
	return nil
}

// RemoveNode removes a node and cascades deletion of every incident edge.
// Returns a NotFoundError if the node does not exist.
func (g *Graph) RemoveNode(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return &NotFoundError{Kind: "node", ID: id}
	}
	delete(g.nodes, id)
	g.nodeOrder = removeString(g.nodeOrder, id)

	for _, e := range g.Edges() {
		if e.Source == id || e.Target == id {
			delete(g.edges, e.ID)
			g.edgeOrder = removeString(g.edgeOrder, e.ID)
		}
	}
	return nil
}

// AddEdge adds a directed edge to the graph.
//
// Fails with NotFoundError if either endpoint is missing, with
// ValidationError on self-loops or a duplicate edge id, and with
// CycleError if the edge would create a cycle. The graph is unchanged
// on any failure.
func (g *Graph) AddEdge(e Edge) error {
	if e.ID == "" {
		return &ValidationError{Reason: "edge id cannot be empty"}
	}
	if _, exists := g.edges[e.ID]; exists {
		return &ValidationError{Reason: fmt.Sprintf("duplicate edge id %s", e.ID)}
	}
	if e.Source == e.Target {
		return &ValidationError{Reason: fmt.Sprintf("self-loop on node %s", e.Source)}
	}
	if _, ok := g.nodes[e.Source]; !ok {
		return &NotFoundError{Kind: "node", ID: e.Source}
	}
	if _, ok := g.nodes[e.Target]; !ok {
		return &NotFoundError{Kind: "node", ID: e.Target}
	}
	// The new edge source->target closes a cycle exactly when source is
	// already reachable from target.
	if g.reachable(e.Target, e.Source) {
		return &CycleError{Nodes: []string{e.Source, e.Target}}
	}
	g.edges[e.ID] = e
	g.edgeOrder = append(g.edgeOrder, e.ID)
	return nil
}

// RemoveEdge removes an edge.
// Returns a NotFoundError if the edge does not exist.
func (g *Graph) RemoveEdge(id string) error {
	if _, ok := g.edges[id]; !ok {
		return &NotFoundError{Kind: "edge", ID: id}
	}
	delete(g.edges, id)
	g.edgeOrder = removeString(g.edgeOrder, id)
	return nil
}

// reachable reports whether `to` can be reached from `from` by following
// edges forward.
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, eid := range g.edgeOrder {
			e := g.edges[eid]
			if e.Source != current || visited[e.Target] {
				continue
			}
			if e.Target == to {
				return true
			}
			visited[e.Target] = true
			queue = append(queue, e.Target)
		}
	}
	return false
}

// Validate checks referential integrity: every edge endpoint must
// reference an existing node.
func (g *Graph) Validate() error {
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		if _, ok := g.nodes[e.Source]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("edge %s: dangling source %s", e.ID, e.Source)}
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("edge %s: dangling target %s", e.ID, e.Target)}
		}
	}
	return nil
}

// Heal destructively removes orphaned edges (edges referencing a node
// that no longer exists). Used when loading externally edited graph files.
func (g *Graph) Heal() {
	for _, e := range g.Edges() {
		_, srcOK := g.nodes[e.Source]
		_, dstOK := g.nodes[e.Target]
		if !srcOK || !dstOK {
			delete(g.edges, e.ID)
			g.edgeOrder = removeString(g.edgeOrder, e.ID)
		}
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := NewGraph()
	c.nodeOrder = make([]string, len(g.nodeOrder))
	copy(c.nodeOrder, g.nodeOrder)
	c.edgeOrder = make([]string, len(g.edgeOrder))
	copy(c.edgeOrder, g.edgeOrder)
	for id, n := range g.nodes {
		c.nodes[id] = cloneNode(n)
	}
	for id, e := range g.edges {
		c.edges[id] = cloneEdge(e)
	}
	return c
}

// graphJSON is the persisted graph.json representation: a node collection
// and an edge collection, both order-preserving.
type graphJSON struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MarshalJSON implements json.Marshaler. Nodes and edges are emitted in
// insertion order so serialization is deterministic.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{Nodes: g.Nodes(), Edges: g.Edges()})
}

// UnmarshalJSON implements json.Unmarshaler. Array order becomes the
// insertion order, so a serialize/reload round trip reproduces an
// identical graph.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse graph: %w", err)
	}
	*g = *NewGraph()
	for _, n := range raw.Nodes {
		if _, exists := g.nodes[n.ID]; exists {
			return &ValidationError{Reason: fmt.Sprintf("duplicate node id %s", n.ID)}
		}
		if err := g.AddNode(n); err != nil {
			return err
		}
	}
	for _, e := range raw.Edges {
		g.edges[e.ID] = e
		g.edgeOrder = append(g.edgeOrder, e.ID)
	}
	return nil
}

// LoadGraphFile loads a graph from a graph.json file.
// A missing file yields an empty graph. Orphaned edges are healed away.
func LoadGraphFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewGraph(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	g := NewGraph()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, err
	}
	g.Heal()
	return g, nil
}

// SaveGraphFile writes the graph to a graph.json file, creating parent
// directories as needed.
func SaveGraphFile(g *Graph, path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize graph: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create graph dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write graph file: %w", err)
	}
	return nil
}

func cloneNode(n Node) Node {
	if n.Definition != nil {
		def := make(map[string]any, len(n.Definition))
		for k, v := range n.Definition {
			def[k] = v
		}
		n.Definition = def
	}
	return n
}

func cloneEdge(e Edge) Edge {
	if e.Ports != nil {
		ports := make(map[string]string, len(e.Ports))
		for k, v := range e.Ports {
			ports[k] = v
		}
		e.Ports = ports
	}
	return e
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
