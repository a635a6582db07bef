package pipegraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph/observability"
	"github.com/caldera-labs/pipegraph/pkg/pipegraph/runstore"
)

// runner executes one run level by level against the injected backend.
//
// Scheduling is level-synchronous: every runnable node of a level starts
// concurrently (bounded by a weighted semaphore) and a barrier separates
// levels, so every node of level k is terminal before any node of level
// k+1 starts. A node whose transitive upstream set contains a failed or
// cancelled node is marked Cancelled without ever being started; nodes
// in later levels that do not depend on a failure are still attempted.
type runner struct {
	run     *Run
	backend Backend
	cfg     *runsConfig
	sem     *semaphore.Weighted
}

func newRunner(run *Run, backend Backend, cfg *runsConfig) *runner {
	return &runner{
		run:     run,
		backend: backend,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.maxConcurrency),
	}
}

// execute drives the run to a terminal state. It never returns an error:
// node failures are recorded on the run and surfaced through GetStatus.
func (rn *runner) execute(ctx context.Context) {
	plan := rn.run.plan
	logger := rn.cfg.logger
	start := time.Now()

	observability.LogRunStart(logger, rn.run.id, rn.run.projectID, plan.NumNodes(), plan.NumLevels())

	runCtx := ctx
	var runSpan trace.Span
	if rn.cfg.tracingEnabled {
		runCtx, runSpan = rn.cfg.spans.StartRunSpan(ctx, rn.run.projectID, rn.run.id)
	}

	for i := 0; i < plan.NumLevels(); i++ {
		level := plan.Level(i)
		observability.LogLevelStart(logger, rn.run.id, i, len(level))
		rn.cfg.metrics.RecordLevelWidth(runCtx, len(level))

		levelCtx := runCtx
		var levelSpan trace.Span
		if rn.cfg.tracingEnabled {
			levelCtx, levelSpan = rn.cfg.spans.StartLevelSpan(runCtx, i, len(level))
		}

		rn.executeLevel(levelCtx, level)

		if rn.cfg.tracingEnabled {
			rn.cfg.spans.EndSpanWithError(levelSpan, nil)
		}

		// Status checkpoint at the level barrier.
		rn.persist()
	}

	rn.run.finish()
	rn.persist()

	snap := rn.run.Snapshot()
	var runErr error
	if snap.Overall == StatusFailed {
		runErr = errors.New("one or more nodes failed")
	}
	if rn.cfg.tracingEnabled {
		rn.cfg.spans.EndSpanWithError(runSpan, runErr)
	}

	duration := time.Since(start)
	rn.cfg.metrics.RecordRun(runCtx, string(snap.Overall), duration)
	succeeded := 0
	for _, s := range snap.Nodes {
		if s == StatusSucceeded {
			succeeded++
		}
	}
	observability.LogRunComplete(logger, rn.run.id, string(snap.Overall),
		float64(duration.Milliseconds()), succeeded)
}

// executeLevel starts every runnable node of one level concurrently and
// blocks until all of them are terminal.
func (rn *runner) executeLevel(ctx context.Context, level []string) {
	var running int
	results := make(chan struct{}, len(level))

	for _, nodeID := range level {
		if ctx.Err() != nil {
			rn.cancelNode(nodeID, "run cancelled")
			continue
		}
		if cause, blocked := rn.blockedUpstream(nodeID); blocked {
			rn.cancelNode(nodeID, "upstream node "+cause+" did not succeed")
			continue
		}

		running++
		go func(nodeID string) {
			defer func() { results <- struct{}{} }()
			rn.executeNode(ctx, nodeID)
		}(nodeID)
	}

	for i := 0; i < running; i++ {
		<-results
	}
}

// blockedUpstream reports whether any transitive upstream dependency of
// the node reached Failed or Cancelled, returning the first offender.
func (rn *runner) blockedUpstream(nodeID string) (string, bool) {
	for _, up := range rn.run.plan.Upstream(nodeID) {
		switch rn.run.nodeStatus(up) {
		case StatusFailed, StatusCancelled:
			return up, true
		}
	}
	return "", false
}

// cancelNode marks a never-started node Cancelled.
func (rn *runner) cancelNode(nodeID, cause string) {
	if rn.run.setNodeStatus(nodeID, StatusCancelled) {
		observability.LogNodeCancelled(rn.cfg.logger, nodeID, cause)
	}
}

// executeNode runs a single node through the backend: start, poll to a
// terminal phase, record the outcome on the run.
func (rn *runner) executeNode(ctx context.Context, nodeID string) {
	if err := rn.sem.Acquire(ctx, 1); err != nil {
		rn.cancelNode(nodeID, "run cancelled")
		return
	}
	defer rn.sem.Release(1)

	if ctx.Err() != nil {
		rn.cancelNode(nodeID, "run cancelled")
		return
	}

	node, ok := rn.run.graph.Node(nodeID)
	if !ok {
		// Cannot happen on a compiled snapshot.
		rn.run.failNode(nodeID, &NotFoundError{Kind: "node", ID: nodeID})
		return
	}

	spec := buildNodeSpec(node)
	inputs := rn.resolveInputs(nodeID)

	logger := observability.EnrichLogger(rn.cfg.logger, rn.run.id, nodeID)
	rn.run.setNodeStatus(nodeID, StatusRunning)
	observability.LogNodeStart(logger, nodeID, spec.Image)

	nodeCtx := ctx
	var nodeSpan trace.Span
	if rn.cfg.tracingEnabled {
		nodeCtx, nodeSpan = rn.cfg.spans.StartNodeSpan(ctx, nodeID)
	}
	endSpan := func(err error) {
		if rn.cfg.tracingEnabled {
			rn.cfg.spans.EndSpanWithError(nodeSpan, err)
		}
	}

	start := time.Now()
	handle, err := rn.backend.Start(nodeCtx, spec, inputs)
	if err != nil {
		if ctx.Err() != nil {
			rn.cancelNode(nodeID, "run cancelled")
			endSpan(ctx.Err())
			return
		}
		startErr := &BackendError{NodeID: nodeID, Op: "start", Err: err}
		rn.cfg.metrics.RecordNodeExecution(nodeCtx, nodeID, time.Since(start), startErr)
		rn.run.failNode(nodeID, startErr)
		observability.LogNodeError(logger, nodeID, startErr)
		endSpan(startErr)
		return
	}

	res, err := rn.pollUntilTerminal(nodeCtx, node, handle)
	duration := time.Since(start)

	switch {
	case errors.Is(err, context.Canceled):
		// Run cancellation: stop the in-flight execution, keep nothing.
		rn.cancelHandle(handle)
		rn.cancelNode(nodeID, "run cancelled")
		endSpan(err)

	case errors.Is(err, ErrTimeout):
		rn.cancelHandle(handle)
		rn.cfg.metrics.RecordNodeExecution(nodeCtx, nodeID, duration, err)
		rn.run.failNode(nodeID, err)
		observability.LogNodeError(logger, nodeID, err)
		endSpan(err)

	case err != nil:
		rn.cfg.metrics.RecordNodeExecution(nodeCtx, nodeID, duration, err)
		rn.run.failNode(nodeID, err)
		observability.LogNodeError(logger, nodeID, err)
		endSpan(err)

	case res.Phase == PhaseFailed:
		failure := fmt.Errorf("node %s: execution failed: %s", nodeID, res.Message)
		rn.cfg.metrics.RecordNodeExecution(nodeCtx, nodeID, duration, failure)
		rn.run.failNode(nodeID, failure)
		observability.LogNodeError(logger, nodeID, failure)
		endSpan(failure)

	default:
		rn.cfg.metrics.RecordNodeExecution(nodeCtx, nodeID, duration, nil)
		rn.run.succeedNode(nodeID, res.Outputs)
		observability.LogNodeComplete(logger, nodeID, float64(duration.Milliseconds()))
		endSpan(nil)
	}
}

// pollUntilTerminal polls the backend until the execution reaches a
// terminal phase, the per-node deadline expires, or the run is
// cancelled. The deadline comes from the node definition when present,
// otherwise from the configured default.
func (rn *runner) pollUntilTerminal(ctx context.Context, node Node, h Handle) (PollResult, error) {
	timeout := nodeTimeout(node, rn.cfg.nodeTimeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(rn.cfg.pollInterval)
	defer ticker.Stop()

	poll := func() (PollResult, bool, error) {
		res, err := rn.backend.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return PollResult{}, true, context.Canceled
			}
			return PollResult{}, true, &BackendError{NodeID: node.ID, Op: "poll", Err: err}
		}
		if res.Phase != PhaseRunning {
			return res, true, nil
		}
		return PollResult{}, false, nil
	}

	// Poll once immediately so short executions do not pay a full tick.
	if res, terminal, err := poll(); terminal {
		return res, err
	}

	for {
		select {
		case <-ctx.Done():
			return PollResult{}, context.Canceled
		case <-deadline.C:
			return PollResult{}, &TimeoutError{NodeID: node.ID, Timeout: timeout}
		case <-ticker.C:
			if res, terminal, err := poll(); terminal {
				return res, err
			}
		}
	}
}

// resolveInputs wires the node's inputs from its transitive upstream
// dependencies' recorded outputs, applying edge port mappings for direct
// dependencies.
func (rn *runner) resolveInputs(nodeID string) Inputs {
	inputs := make(Inputs)
	for _, up := range rn.run.plan.Upstream(nodeID) {
		if rn.run.nodeStatus(up) != StatusSucceeded {
			continue
		}
		out := rn.run.nodeOutputs(up)
		if out == nil {
			out = make(map[string]string)
		}
		for _, e := range rn.run.plan.Incoming(nodeID) {
			if e.Source == up && len(e.Ports) > 0 {
				out = remapPorts(out, e.Ports)
			}
		}
		inputs[up] = out
	}
	return inputs
}

// remapPorts renames output keys according to an edge's port mapping.
// Unmapped keys pass through unchanged.
func remapPorts(outputs map[string]string, ports map[string]string) map[string]string {
	remapped := make(map[string]string, len(outputs))
	for k, v := range outputs {
		if target, ok := ports[k]; ok {
			remapped[target] = v
		} else {
			remapped[k] = v
		}
	}
	return remapped
}

// cancelHandle issues a backend cancel outside the (possibly already
// cancelled) run context.
func (rn *runner) cancelHandle(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rn.backend.Cancel(ctx, h); err != nil {
		observability.LogNodeError(rn.cfg.logger, h.NodeID,
			&BackendError{NodeID: h.NodeID, Op: "cancel", Err: err})
	}
}

// persist writes the run's current record through to the store.
// Store failures are logged, never fatal to the run.
func (rn *runner) persist() {
	rec := recordFromRun(rn.run)
	if err := rn.cfg.store.Save(rec); err != nil {
		observability.LogStoreError(rn.cfg.logger, rn.run.id, "save", err)
	}
}

// recordFromRun converts a run snapshot into its persisted record.
func recordFromRun(r *Run) runstore.Record {
	snap := r.Snapshot()
	nodes := make(map[string]string, len(snap.Nodes))
	for id, s := range snap.Nodes {
		nodes[id] = string(s)
	}
	return runstore.Record{
		RunID:      snap.RunID,
		ProjectID:  snap.ProjectID,
		Status:     string(snap.Overall),
		Nodes:      nodes,
		CreatedAt:  snap.CreatedAt,
		FinishedAt: snap.FinishedAt,
	}
}
