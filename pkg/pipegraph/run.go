package pipegraph

import (
	"context"
	"sync"
	"time"
)

// Status is the state of a node execution, and of a run overall.
type Status string

const (
	// StatusPending means the node has not started.
	StatusPending Status = "pending"
	// StatusRunning means the node (or run) is executing.
	StatusRunning Status = "running"
	// StatusSucceeded means execution completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means execution terminated with an error, including
	// a deadline expiry.
	StatusFailed Status = "failed"
	// StatusCancelled means the node was never started (an upstream
	// dependency failed, or the run was cancelled) or was stopped
	// mid-flight. Distinct from StatusFailed so run history can
	// separate root cause from fallout.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// deriveOverall computes the run's overall status from its node
// statuses: Failed if any node failed; otherwise Running while any node
// is pending or running; Succeeded only if every node succeeded;
// otherwise Cancelled (cancelled nodes alone never force Failed).
func deriveOverall(nodes map[string]Status) Status {
	anyActive := false
	anyCancelled := false
	for _, s := range nodes {
		switch s {
		case StatusFailed:
			return StatusFailed
		case StatusPending, StatusRunning:
			anyActive = true
		case StatusCancelled:
			anyCancelled = true
		}
	}
	if anyActive {
		return StatusRunning
	}
	if anyCancelled {
		return StatusCancelled
	}
	return StatusSucceeded
}

// Snapshot is a consistent, point-in-time view of a run. Returned maps
// are copies owned by the caller.
type Snapshot struct {
	RunID      string
	ProjectID  string
	Overall    Status
	Nodes      map[string]Status
	NodeErrors map[string]string
	Outputs    map[string]map[string]string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Summary is the run-history view: id, overall status, timestamps.
type Summary struct {
	RunID      string
	ProjectID  string
	Overall    Status
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Run is one execution attempt: an immutable graph snapshot plus the
// mutable per-node status map. The status map is single-writer (only the
// run's own runner goroutine mutates it); reads take consistent
// snapshots. Once terminal, a run is immutable and retained for history.
type Run struct {
	id        string
	projectID string
	graph     *Graph
	plan      *Plan
	createdAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	nodes      map[string]Status
	nodeErrs   map[string]string
	outputs    map[string]map[string]string
	finishedAt time.Time
}

// newRun creates a run with every node Pending.
func newRun(id, projectID string, graph *Graph, plan *Plan) *Run {
	nodes := make(map[string]Status, plan.NumNodes())
	for _, nodeID := range plan.NodeIDs() {
		nodes[nodeID] = StatusPending
	}
	return &Run{
		id:        id,
		projectID: projectID,
		graph:     graph,
		plan:      plan,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
		nodes:     nodes,
		nodeErrs:  make(map[string]string),
		outputs:   make(map[string]map[string]string),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// ProjectID returns the project the run belongs to.
func (r *Run) ProjectID() string { return r.projectID }

// Graph returns the frozen graph snapshot this run executes against.
// Later edits through the Manager never touch it.
func (r *Run) Graph() *Graph { return r.graph }

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Snapshot returns the latest recorded state. It never blocks on
// execution progress; the overall status is recomputed on every read.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make(map[string]Status, len(r.nodes))
	for id, s := range r.nodes {
		nodes[id] = s
	}
	nodeErrs := make(map[string]string, len(r.nodeErrs))
	for id, msg := range r.nodeErrs {
		nodeErrs[id] = msg
	}
	outputs := make(map[string]map[string]string, len(r.outputs))
	for id, out := range r.outputs {
		c := make(map[string]string, len(out))
		for k, v := range out {
			c[k] = v
		}
		outputs[id] = c
	}

	return Snapshot{
		RunID:      r.id,
		ProjectID:  r.projectID,
		Overall:    deriveOverall(nodes),
		Nodes:      nodes,
		NodeErrors: nodeErrs,
		Outputs:    outputs,
		CreatedAt:  r.createdAt,
		FinishedAt: r.finishedAt,
	}
}

// Summary returns the run-history view of the run.
func (r *Run) Summary() Summary {
	snap := r.Snapshot()
	return Summary{
		RunID:      snap.RunID,
		ProjectID:  snap.ProjectID,
		Overall:    snap.Overall,
		CreatedAt:  snap.CreatedAt,
		FinishedAt: snap.FinishedAt,
	}
}

// nodeStatus reads a single node's status.
func (r *Run) nodeStatus(nodeID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[nodeID]
}

// setNodeStatus records a node transition. Terminal statuses are sticky:
// a node already terminal is never overwritten.
func (r *Run) setNodeStatus(nodeID string, s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[nodeID].Terminal() {
		return false
	}
	r.nodes[nodeID] = s
	return true
}

// failNode records a node failure with its diagnostic.
func (r *Run) failNode(nodeID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[nodeID].Terminal() {
		return
	}
	r.nodes[nodeID] = StatusFailed
	r.nodeErrs[nodeID] = err.Error()
}

// succeedNode records a successful node with its outputs.
func (r *Run) succeedNode(nodeID string, outputs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[nodeID].Terminal() {
		return
	}
	r.nodes[nodeID] = StatusSucceeded
	if len(outputs) > 0 {
		c := make(map[string]string, len(outputs))
		for k, v := range outputs {
			c[k] = v
		}
		r.outputs[nodeID] = c
	}
}

// nodeOutputs returns a copy of a succeeded node's recorded outputs.
func (r *Run) nodeOutputs(nodeID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.outputs[nodeID]
	if !ok {
		return nil
	}
	c := make(map[string]string, len(out))
	for k, v := range out {
		c[k] = v
	}
	return c
}

// finish marks the run terminal and releases Done waiters.
func (r *Run) finish() {
	r.mu.Lock()
	r.finishedAt = time.Now().UTC()
	r.mu.Unlock()
	close(r.done)
}
