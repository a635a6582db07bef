package pipegraph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// RunGate reports whether a project currently has an active run.
// Runs implements this; Manager uses it to reject graph edits that would
// race with an in-flight execution.
type RunGate interface {
	// ActiveRun returns the id of a run in Running state for the
	// project, if any.
	ActiveRun(projectID string) (string, bool)
}

// Manager is the single-writer mutation API for one project's graph.
//
// Every mutation is validated before commit, applied transactionally
// (the graph is never observable half-applied), and optionally persisted
// write-through to a graph.json file. A failed persist rolls the
// mutation back.
type Manager struct {
	mu        sync.Mutex
	projectID string
	graph     *Graph
	path      string
	gate      RunGate
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGraphFile enables write-through persistence to the given
// graph.json path. NewManager loads the existing file if present.
func WithGraphFile(path string) ManagerOption {
	return func(m *Manager) { m.path = path }
}

// WithRunGate wires the run registry used to reject mutations while a
// run on this project is active.
func WithRunGate(gate RunGate) ManagerOption {
	return func(m *Manager) { m.gate = gate }
}

// WithManagerLogger sets the logger for graph mutations.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithInitialGraph seeds the manager with an existing graph.
// Ignored when WithGraphFile finds a persisted graph on disk.
func WithInitialGraph(g *Graph) ManagerOption {
	return func(m *Manager) { m.graph = g.Clone() }
}

// NewManager creates the mutation manager for a project.
func NewManager(projectID string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		projectID: projectID,
		graph:     NewGraph(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.path != "" {
		g, err := LoadGraphFile(m.path)
		if err != nil {
			return nil, fmt.Errorf("load project graph: %w", err)
		}
		if g.NumNodes() > 0 || m.graph.NumNodes() == 0 {
			m.graph = g
		}
	}
	return m, nil
}

// ProjectID returns the project this manager is bound to.
func (m *Manager) ProjectID() string {
	return m.projectID
}

// Get returns a read-only deep copy of the current graph.
func (m *Manager) Get() *Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Clone()
}

// AddNode creates a node with a fresh id and returns the id.
func (m *Manager) AddNode(label string, definition map[string]any, pos Position) (string, error) {
	id := uuid.New().String()
	node := Node{ID: id, Label: label, Position: pos, Definition: definition}
	err := m.mutate("add_node", func(g *Graph) error {
		return g.AddNode(node)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateNodePosition moves a node. Layout-only; no execution effect.
func (m *Manager) UpdateNodePosition(id string, pos Position) error {
	return m.mutate("update_node_position", func(g *Graph) error {
		n, ok := g.Node(id)
		if !ok {
			return &NotFoundError{Kind: "node", ID: id}
		}
		n.Position = pos
		return g.AddNode(n)
	})
}

// DeleteNode removes a node and every edge touching it.
func (m *Manager) DeleteNode(id string) error {
	return m.mutate("delete_node", func(g *Graph) error {
		return g.RemoveNode(id)
	})
}

// AddEdge creates a directed edge with a fresh id and returns the id.
// Ports optionally maps source output keys to target input keys.
func (m *Manager) AddEdge(source, target string, ports map[string]string) (string, error) {
	id := uuid.New().String()
	edge := Edge{ID: id, Source: source, Target: target, Ports: ports}
	err := m.mutate("add_edge", func(g *Graph) error {
		return g.AddEdge(edge)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteEdge removes an edge.
func (m *Manager) DeleteEdge(id string) error {
	return m.mutate("delete_edge", func(g *Graph) error {
		return g.RemoveEdge(id)
	})
}

// mutate applies fn to a working copy of the graph and commits it only
// if fn and persistence both succeed.
func (m *Manager) mutate(op string, fn func(*Graph) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gate != nil {
		if runID, active := m.gate.ActiveRun(m.projectID); active {
			return &BusyError{ProjectID: m.projectID, RunID: runID}
		}
	}

	working := m.graph.Clone()
	if err := fn(working); err != nil {
		return err
	}
	if m.path != "" {
		if err := SaveGraphFile(working, m.path); err != nil {
			return fmt.Errorf("persist graph: %w", err)
		}
	}
	m.graph = working

	m.logger.Debug("graph mutated",
		slog.String("project_id", m.projectID),
		slog.String("op", op),
		slog.Int("nodes", working.NumNodes()),
		slog.Int("edges", working.NumEdges()),
	)
	return nil
}
