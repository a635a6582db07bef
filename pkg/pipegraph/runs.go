package pipegraph

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph/observability"
	"github.com/caldera-labs/pipegraph/pkg/pipegraph/runstore"
)

// Runs launches and tracks pipeline executions against a backend. It is
// safe for concurrent use. Every launched run keeps an immutable copy of
// the graph it was started from, so graph edits made while a run is in
// flight never affect it.
//
// Runs implements RunGate, so a Manager built with WithRunGate(runs)
// rejects graph mutations while the project has a run in flight.
type Runs struct {
	backend Backend
	cfg     runsConfig

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRuns creates a run manager over the given backend.
func NewRuns(backend Backend, opts ...RunsOption) *Runs {
	cfg := defaultRunsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runs{
		backend: backend,
		cfg:     cfg,
		runs:    make(map[string]*Run),
	}
}

// RunFlow compiles the graph and launches its execution, returning the
// new run's id immediately. Execution proceeds asynchronously; progress
// is observed through GetStatus or Wait. The graph is deep-copied before
// launch. A graph with no nodes is rejected with ErrEmptyGraph.
func (rs *Runs) RunFlow(projectID string, g *Graph) (string, error) {
	plan, err := Compile(g)
	if err != nil {
		return "", err
	}
	if plan.NumNodes() == 0 {
		return "", ErrEmptyGraph
	}

	runID := uuid.New().String()
	run := newRun(runID, projectID, g.Clone(), plan)

	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel

	rs.mu.Lock()
	rs.runs[runID] = run
	rs.mu.Unlock()

	// Record the run before the first node starts so history never
	// misses an in-flight run.
	if err := rs.cfg.store.Save(recordFromRun(run)); err != nil {
		observability.LogStoreError(rs.cfg.logger, runID, "save", err)
	}

	go newRunner(run, rs.backend, &rs.cfg).execute(ctx)

	return runID, nil
}

// Run returns the live handle of an in-memory run, for callers that
// want the Done channel or repeated cheap snapshots. Terminal runs stay
// available until the process exits; use GetStatus for runs that only
// survive in the store.
func (rs *Runs) Run(runID string) (*Run, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	run, ok := rs.runs[runID]
	return run, ok
}

// GetStatus returns the run's current state: per-node statuses, node
// error diagnostics, recorded outputs, and the derived overall status.
// It never blocks on execution progress and is stable once the run is
// terminal. Runs evicted from memory are reconstructed from the store.
func (rs *Runs) GetStatus(runID string) (Snapshot, error) {
	rs.mu.RLock()
	run, ok := rs.runs[runID]
	rs.mu.RUnlock()
	if ok {
		return run.Snapshot(), nil
	}

	rec, err := rs.cfg.store.Get(runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return Snapshot{}, &NotFoundError{Kind: "run", ID: runID}
		}
		return Snapshot{}, err
	}
	return snapshotFromRecord(rec), nil
}

// List returns the project's run history, newest first.
func (rs *Runs) List(projectID string) ([]Summary, error) {
	recs, err := rs.cfg.store.List(projectID)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		snap := snapshotFromRecord(rec)
		summaries = append(summaries, Summary{
			RunID:      snap.RunID,
			ProjectID:  snap.ProjectID,
			Overall:    snap.Overall,
			CreatedAt:  snap.CreatedAt,
			FinishedAt: snap.FinishedAt,
		})
	}
	return summaries, nil
}

// Cancel stops a run in flight: running nodes get a backend cancel,
// not-yet-started nodes are marked Cancelled. Cancelling a terminal run
// returns ErrRunFinished.
func (rs *Runs) Cancel(runID string) error {
	rs.mu.RLock()
	run, ok := rs.runs[runID]
	rs.mu.RUnlock()
	if !ok {
		return &NotFoundError{Kind: "run", ID: runID}
	}

	select {
	case <-run.Done():
		return ErrRunFinished
	default:
	}

	run.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal state or the context is
// done, then returns the final (or latest) snapshot.
func (rs *Runs) Wait(ctx context.Context, runID string) (Snapshot, error) {
	rs.mu.RLock()
	run, ok := rs.runs[runID]
	rs.mu.RUnlock()
	if !ok {
		return rs.GetStatus(runID)
	}

	select {
	case <-run.Done():
		return run.Snapshot(), nil
	case <-ctx.Done():
		return run.Snapshot(), ctx.Err()
	}
}

// ActiveRun reports the project's in-flight run, if any. It satisfies
// the Manager's RunGate.
func (rs *Runs) ActiveRun(projectID string) (string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for id, run := range rs.runs {
		if run.projectID != projectID {
			continue
		}
		select {
		case <-run.Done():
		default:
			return id, true
		}
	}
	return "", false
}

// snapshotFromRecord rebuilds a read-only snapshot from a persisted
// record. Node errors and outputs are not persisted, so the rebuilt
// snapshot carries statuses only.
func snapshotFromRecord(rec runstore.Record) Snapshot {
	nodes := make(map[string]Status, len(rec.Nodes))
	for id, s := range rec.Nodes {
		nodes[id] = Status(s)
	}
	return Snapshot{
		RunID:      rec.RunID,
		ProjectID:  rec.ProjectID,
		Overall:    Status(rec.Status),
		Nodes:      nodes,
		NodeErrors: map[string]string{},
		Outputs:    map[string]map[string]string{},
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
}
