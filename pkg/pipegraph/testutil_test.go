package pipegraph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Shared test fixtures: graph builders and a scripted fake backend.

// node builds a node with an inline definition.
func node(id string, def map[string]any) Node {
	if def == nil {
		def = map[string]any{"container_image": "test:latest"}
	}
	return Node{ID: id, Label: id, Definition: def}
}

// edge builds an edge whose id is derived from its endpoints.
func edge(source, target string) Edge {
	return Edge{ID: source + "->" + target, Source: source, Target: target}
}

// buildGraph assembles a graph from nodes and edges, failing nowhere:
// fixtures are known-valid.
func buildGraph(t interface{ Fatalf(string, ...any) }, nodes []string, edges ...Edge) *Graph {
	g := NewGraph()
	for _, id := range nodes {
		if err := g.AddNode(node(id, nil)); err != nil {
			t.Fatalf("add node %s: %v", id, err)
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e); err != nil {
			t.Fatalf("add edge %s: %v", e.ID, err)
		}
	}
	return g
}

// diamondGraph is A -> B, A -> C, B -> D, C -> D.
func diamondGraph(t interface{ Fatalf(string, ...any) }) *Graph {
	return buildGraph(t, []string{"A", "B", "C", "D"},
		edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D"))
}

// nodeScript controls how the fake backend treats one node.
type nodeScript struct {
	// fail makes the node report PhaseFailed.
	fail bool
	// startErr makes Start return this error.
	startErr error
	// delay keeps the node in PhaseRunning for this long.
	delay time.Duration
	// block keeps the node running until the run context is cancelled.
	block bool
	// outputs are reported on success.
	outputs map[string]string
}

// fakeBackend is a scripted in-memory Backend. Unscripted nodes succeed
// immediately with no outputs.
type fakeBackend struct {
	mu      sync.Mutex
	scripts map[string]nodeScript
	started []string          // node ids in Start order
	inputs  map[string]Inputs // inputs seen per node
	cancels []string          // handle node ids Cancel was called with
	execs   map[string]*fakeExec
}

type fakeExec struct {
	script    nodeScript
	startedAt time.Time
	cancelled bool
}

func newFakeBackend(scripts map[string]nodeScript) *fakeBackend {
	if scripts == nil {
		scripts = map[string]nodeScript{}
	}
	return &fakeBackend{
		scripts: scripts,
		inputs:  make(map[string]Inputs),
		execs:   make(map[string]*fakeExec),
	}
}

func (f *fakeBackend) Start(_ context.Context, spec NodeSpec, inputs Inputs) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	script := f.scripts[spec.NodeID]
	if script.startErr != nil {
		return Handle{}, script.startErr
	}

	f.started = append(f.started, spec.NodeID)
	f.inputs[spec.NodeID] = inputs
	id := fmt.Sprintf("exec-%s-%d", spec.NodeID, len(f.started))
	f.execs[id] = &fakeExec{script: script, startedAt: time.Now()}
	return Handle{ID: id, NodeID: spec.NodeID}, nil
}

func (f *fakeBackend) Poll(ctx context.Context, h Handle) (PollResult, error) {
	f.mu.Lock()
	exec, ok := f.execs[h.ID]
	f.mu.Unlock()
	if !ok {
		return PollResult{}, fmt.Errorf("unknown execution %s", h.ID)
	}

	if exec.script.block {
		<-ctx.Done()
		return PollResult{}, ctx.Err()
	}
	if time.Since(exec.startedAt) < exec.script.delay {
		return PollResult{Phase: PhaseRunning}, nil
	}
	if exec.script.fail {
		return PollResult{Phase: PhaseFailed, Message: "scripted failure"}, nil
	}
	return PollResult{Phase: PhaseSucceeded, Outputs: exec.script.outputs}, nil
}

func (f *fakeBackend) Cancel(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exec, ok := f.execs[h.ID]; ok {
		exec.cancelled = true
	}
	f.cancels = append(f.cancels, h.NodeID)
	return nil
}

// startedNodes returns a copy of the Start order.
func (f *fakeBackend) startedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// inputsFor returns the inputs the backend saw for a node.
func (f *fakeBackend) inputsFor(nodeID string) Inputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[nodeID]
}

// fastRunsOptions keeps test runs snappy.
func fastRunsOptions(extra ...RunsOption) []RunsOption {
	opts := []RunsOption{
		WithPollInterval(time.Millisecond),
		WithNodeTimeout(5 * time.Second),
	}
	return append(opts, extra...)
}
