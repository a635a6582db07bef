package pipegraph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph/runstore"
)

// waitFor blocks the test until the run is terminal.
func waitFor(t *testing.T, runs *Runs, runID string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := runs.Wait(ctx, runID)
	require.NoError(t, err)
	return snap
}

// waitForStart polls until the backend has started the given node.
func waitForStart(t *testing.T, fb *fakeBackend, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range fb.startedNodes() {
			if id == nodeID {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("node %s never started", nodeID)
}

// TestRuns_RunFlow_Success tests a full successful run: every node
// succeeds, levels execute in dependency order, overall is Succeeded.
func TestRuns_RunFlow_Success(t *testing.T) {
	fb := newFakeBackend(nil)
	runs := NewRuns(fb, fastRunsOptions()...)

	runID, err := runs.RunFlow("proj-1", diamondGraph(t))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	snap := waitFor(t, runs, runID)
	assert.Equal(t, StatusSucceeded, snap.Overall)
	for id, s := range snap.Nodes {
		assert.Equal(t, StatusSucceeded, s, "node %s", id)
	}
	assert.False(t, snap.FinishedAt.IsZero())

	// A starts strictly before B and C, which start strictly before D.
	started := fb.startedNodes()
	require.Len(t, started, 4)
	assert.Equal(t, "A", started[0])
	assert.Equal(t, "D", started[3])
}

// TestRuns_RunFlow_NonBlocking tests that RunFlow returns while nodes
// are still executing.
func TestRuns_RunFlow_NonBlocking(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {delay: 200 * time.Millisecond},
	})
	runs := NewRuns(fb, fastRunsOptions()...)

	runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
	require.NoError(t, err)

	snap, err := runs.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Overall)

	snap = waitFor(t, runs, runID)
	assert.Equal(t, StatusSucceeded, snap.Overall)
}

// TestRuns_RunFlow_EmptyGraph tests the empty-graph rejection.
func TestRuns_RunFlow_EmptyGraph(t *testing.T) {
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions()...)
	_, err := runs.RunFlow("proj-1", NewGraph())
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

// TestRuns_RunFlow_GraphSnapshot tests that a run executes the graph as
// it was at launch; later edits to the original do not leak in.
func TestRuns_RunFlow_GraphSnapshot(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {delay: 100 * time.Millisecond},
	})
	runs := NewRuns(fb, fastRunsOptions()...)
	g := buildGraph(t, []string{"A", "B"}, edge("A", "B"))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)

	// Mutate the caller's graph mid-run.
	require.NoError(t, g.RemoveNode("B"))

	snap := waitFor(t, runs, runID)
	assert.Equal(t, StatusSucceeded, snap.Overall)
	assert.Contains(t, snap.Nodes, "B")
	assert.ElementsMatch(t, []string{"A", "B"}, fb.startedNodes())
}

// TestRuns_FailureCascade_Diamond tests the diamond A -> {B, C} -> D
// with B failing: C still succeeds, D is cancelled without starting,
// and the run is Failed.
func TestRuns_FailureCascade_Diamond(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"B": {fail: true},
	})
	runs := NewRuns(fb, fastRunsOptions()...)

	runID, err := runs.RunFlow("proj-1", diamondGraph(t))
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusFailed, snap.Overall)
	assert.Equal(t, StatusSucceeded, snap.Nodes["A"])
	assert.Equal(t, StatusFailed, snap.Nodes["B"])
	assert.Equal(t, StatusSucceeded, snap.Nodes["C"])
	assert.Equal(t, StatusCancelled, snap.Nodes["D"])
	assert.Contains(t, snap.NodeErrors["B"], "scripted failure")
	assert.NotContains(t, fb.startedNodes(), "D")
}

// TestRuns_FailureCascade_IndependentSibling tests A, B -> C with A
// failing: B (same level, independent) runs to completion, C is
// cancelled because its transitive upstream contains A.
func TestRuns_FailureCascade_IndependentSibling(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {fail: true},
	})
	runs := NewRuns(fb, fastRunsOptions()...)
	g := buildGraph(t, []string{"A", "B", "C"}, edge("A", "C"), edge("B", "C"))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusFailed, snap.Overall)
	assert.Equal(t, StatusFailed, snap.Nodes["A"])
	assert.Equal(t, StatusSucceeded, snap.Nodes["B"])
	assert.Equal(t, StatusCancelled, snap.Nodes["C"])
	assert.NotContains(t, fb.startedNodes(), "C")
}

// TestRuns_FailureCascade_Deep tests that cancellation propagates
// through the whole downstream chain, not just direct successors.
func TestRuns_FailureCascade_Deep(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"a": {fail: true},
	})
	runs := NewRuns(fb, fastRunsOptions()...)
	g := buildGraph(t, []string{"a", "b", "c"}, edge("a", "b"), edge("b", "c"))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusCancelled, snap.Nodes["b"])
	assert.Equal(t, StatusCancelled, snap.Nodes["c"])
	assert.Equal(t, []string{"a"}, fb.startedNodes())
}

// TestRuns_StartError tests that a backend launch failure marks the node
// Failed with a diagnostic.
func TestRuns_StartError(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {startErr: errors.New("image pull denied")},
	})
	runs := NewRuns(fb, fastRunsOptions()...)

	runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusFailed, snap.Overall)
	assert.Contains(t, snap.NodeErrors["A"], "image pull denied")
	assert.Contains(t, snap.NodeErrors["A"], "backend start")
}

// TestRuns_NodeTimeout tests that a node exceeding its deadline is
// recorded as Failed, cancelled on the backend, and cascades downstream.
func TestRuns_NodeTimeout(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {delay: time.Hour},
	})
	runs := NewRuns(fb, fastRunsOptions(WithNodeTimeout(30*time.Millisecond))...)
	g := buildGraph(t, []string{"A", "B"}, edge("A", "B"))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusFailed, snap.Overall)
	assert.Equal(t, StatusFailed, snap.Nodes["A"])
	assert.Equal(t, StatusCancelled, snap.Nodes["B"])
	assert.Contains(t, snap.NodeErrors["A"], "exceeded deadline")
	assert.Contains(t, fb.cancels, "A")
}

// TestRuns_NodeTimeout_DefinitionOverride tests the per-node "timeout"
// definition key beating the configured default.
func TestRuns_NodeTimeout_DefinitionOverride(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {delay: time.Hour},
	})
	runs := NewRuns(fb, fastRunsOptions(WithNodeTimeout(time.Hour))...)

	g := NewGraph()
	require.NoError(t, g.AddNode(node("A", map[string]any{
		"container_image": "sim:1",
		"timeout":         "30ms",
	})))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)
	assert.Equal(t, StatusFailed, snap.Nodes["A"])
}

// TestRuns_Cancel tests run cancellation: the running node gets a
// backend cancel, pending nodes never start, the run ends Cancelled.
func TestRuns_Cancel(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {block: true},
	})
	runs := NewRuns(fb, fastRunsOptions()...)
	g := buildGraph(t, []string{"A", "B"}, edge("A", "B"))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)
	waitForStart(t, fb, "A")

	handle, ok := runs.Run(runID)
	require.True(t, ok)
	assert.Equal(t, runID, handle.ID())
	assert.Equal(t, "proj-1", handle.ProjectID())
	assert.Len(t, handle.Graph().NodeIDs(), 2)

	require.NoError(t, runs.Cancel(runID))
	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusCancelled, snap.Overall)
	assert.Equal(t, StatusCancelled, snap.Nodes["A"])
	assert.Equal(t, StatusCancelled, snap.Nodes["B"])
	assert.Contains(t, fb.cancels, "A")
	assert.NotContains(t, fb.startedNodes(), "B")
}

// TestRuns_Cancel_Finished tests cancelling a terminal run.
func TestRuns_Cancel_Finished(t *testing.T) {
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions()...)
	runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
	require.NoError(t, err)
	waitFor(t, runs, runID)

	assert.ErrorIs(t, runs.Cancel(runID), ErrRunFinished)
}

// TestRuns_Cancel_Unknown tests cancelling an unknown run id.
func TestRuns_Cancel_Unknown(t *testing.T) {
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions()...)
	assert.ErrorIs(t, runs.Cancel("ghost"), ErrNotFound)
}

// TestRuns_GetStatus_Unknown tests the unknown-run error.
func TestRuns_GetStatus_Unknown(t *testing.T) {
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions()...)
	_, err := runs.GetStatus("ghost")

	assert.ErrorIs(t, err, ErrNotFound)
	var nferr *NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "run", nferr.Kind)
}

// TestRuns_GetStatus_StableWhenTerminal tests that repeated reads of a
// finished run return identical snapshots.
func TestRuns_GetStatus_StableWhenTerminal(t *testing.T) {
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions()...)
	runID, err := runs.RunFlow("proj-1", diamondGraph(t))
	require.NoError(t, err)
	waitFor(t, runs, runID)

	first, err := runs.GetStatus(runID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := runs.GetStatus(runID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// TestRuns_GetStatus_StoreFallback tests reconstructing a run from the
// persistent store after the in-memory registry is gone.
func TestRuns_GetStatus_StoreFallback(t *testing.T) {
	store := runstore.NewMemoryStore()
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions(WithStore(store))...)
	runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
	require.NoError(t, err)
	waitFor(t, runs, runID)

	// A fresh manager sharing the store stands in for a restart.
	fresh := NewRuns(newFakeBackend(nil), fastRunsOptions(WithStore(store))...)
	snap, err := fresh.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Overall)
	assert.Equal(t, StatusSucceeded, snap.Nodes["A"])
}

// TestRuns_List tests run history ordering, newest first.
func TestRuns_List(t *testing.T) {
	runs := NewRuns(newFakeBackend(nil), fastRunsOptions()...)

	var ids []string
	for i := 0; i < 3; i++ {
		runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
		require.NoError(t, err)
		waitFor(t, runs, runID)
		ids = append(ids, runID)
		time.Sleep(2 * time.Millisecond) // distinct CreatedAt
	}
	otherID, err := runs.RunFlow("proj-2", buildGraph(t, []string{"A"}))
	require.NoError(t, err)
	waitFor(t, runs, otherID)

	history, err := runs.List("proj-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].RunID)
	assert.Equal(t, ids[0], history[2].RunID)
	for _, s := range history {
		assert.Equal(t, "proj-1", s.ProjectID)
		assert.Equal(t, StatusSucceeded, s.Overall)
	}
}

// TestRuns_InputWiring tests that a node receives the outputs of every
// succeeded transitive upstream node, with edge port mappings applied
// to direct dependencies.
func TestRuns_InputWiring(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {outputs: map[string]string{"data": "/out/a.nc"}},
		"B": {outputs: map[string]string{"field": "/out/b.nc"}},
	})
	runs := NewRuns(fb, fastRunsOptions()...)

	g := NewGraph()
	require.NoError(t, g.AddNode(node("A", nil)))
	require.NoError(t, g.AddNode(node("B", nil)))
	require.NoError(t, g.AddNode(node("C", nil)))
	require.NoError(t, g.AddEdge(Edge{ID: "a->c", Source: "A", Target: "C", Ports: map[string]string{"data": "mesh"}}))
	require.NoError(t, g.AddEdge(Edge{ID: "b->c", Source: "B", Target: "C"}))

	runID, err := runs.RunFlow("proj-1", g)
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)
	require.Equal(t, StatusSucceeded, snap.Overall)

	inputs := fb.inputsFor("C")
	require.NotNil(t, inputs)
	assert.Equal(t, map[string]string{"mesh": "/out/a.nc"}, inputs["A"])
	assert.Equal(t, map[string]string{"field": "/out/b.nc"}, inputs["B"])

	assert.Equal(t, "/out/a.nc", snap.Outputs["A"]["data"])
}

// TestRuns_MaxConcurrency tests that a wide level completes under a
// tight concurrency cap.
func TestRuns_MaxConcurrency(t *testing.T) {
	fb := newFakeBackend(nil)
	runs := NewRuns(fb, fastRunsOptions(WithMaxConcurrency(1))...)

	nodes := []string{"a", "b", "c", "d", "e"}
	runID, err := runs.RunFlow("proj-1", buildGraph(t, nodes))
	require.NoError(t, err)
	snap := waitFor(t, runs, runID)

	assert.Equal(t, StatusSucceeded, snap.Overall)
	assert.ElementsMatch(t, nodes, fb.startedNodes())
}

// TestRuns_ActiveRun tests the run gate view.
func TestRuns_ActiveRun(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {block: true},
	})
	runs := NewRuns(fb, fastRunsOptions()...)

	_, active := runs.ActiveRun("proj-1")
	assert.False(t, active)

	runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
	require.NoError(t, err)
	waitForStart(t, fb, "A")

	gotID, active := runs.ActiveRun("proj-1")
	assert.True(t, active)
	assert.Equal(t, runID, gotID)
	_, active = runs.ActiveRun("proj-2")
	assert.False(t, active)

	require.NoError(t, runs.Cancel(runID))
	waitFor(t, runs, runID)
	_, active = runs.ActiveRun("proj-1")
	assert.False(t, active)
}

// TestRuns_Wait_ContextExpiry tests that Wait honors its context.
func TestRuns_Wait_ContextExpiry(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {block: true},
	})
	runs := NewRuns(fb, fastRunsOptions()...)
	runID, err := runs.RunFlow("proj-1", buildGraph(t, []string{"A"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := runs.Wait(ctx, runID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusRunning, snap.Overall)

	require.NoError(t, runs.Cancel(runID))
	waitFor(t, runs, runID)
}

// TestProjectRuns_EndToEnd tests the combined facade: edit, run, busy
// gate, history.
func TestProjectRuns_EndToEnd(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{})
	m, err := NewManager("proj-1")
	require.NoError(t, err)
	runs := NewRuns(fb, fastRunsOptions()...)
	project := NewProjectRuns(m, runs)

	a, err := m.AddNode("sim", map[string]any{"container_image": "sim:1"}, Position{})
	require.NoError(t, err)
	b, err := m.AddNode("plot", map[string]any{"container_image": "plot:1"}, Position{})
	require.NoError(t, err)
	_, err = m.AddEdge(a, b, nil)
	require.NoError(t, err)

	runID, err := project.RunFlow()
	require.NoError(t, err)
	snap, err := project.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Overall)

	history, err := project.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, runID, history[0].RunID)
}

// TestProjectRuns_BusyDuringRun tests that graph edits are rejected
// while the project's run is in flight, and accepted again afterwards.
func TestProjectRuns_BusyDuringRun(t *testing.T) {
	fb := newFakeBackend(map[string]nodeScript{
		"A": {block: true},
	})
	m, err := NewManager("proj-1", WithInitialGraph(buildGraph(t, []string{"A"})))
	require.NoError(t, err)
	runs := NewRuns(fb, fastRunsOptions()...)
	project := NewProjectRuns(m, runs)

	runID, err := project.RunFlow()
	require.NoError(t, err)
	waitForStart(t, fb, "A")

	_, err = m.AddNode("late", nil, Position{})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, project.Cancel(runID))
	_, err = project.Wait(context.Background(), runID)
	require.NoError(t, err)

	_, err = m.AddNode("late", nil, Position{})
	assert.NoError(t, err)
}
