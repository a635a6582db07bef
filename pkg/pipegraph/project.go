package pipegraph

import "context"

// ProjectRuns binds a project's graph manager to a run manager, giving
// one handle for the edit-then-execute workflow: mutate the graph, run
// it, inspect history. The run gate is wired automatically, so edits are
// rejected with ErrBusy while the project has a run in flight.
type ProjectRuns struct {
	manager *Manager
	runs    *Runs
}

// NewProjectRuns creates the combined handle. The manager gains the run
// manager as its gate; any gate set earlier is replaced.
func NewProjectRuns(manager *Manager, runs *Runs) *ProjectRuns {
	manager.gate = runs
	return &ProjectRuns{manager: manager, runs: runs}
}

// Manager returns the underlying graph mutation manager.
func (p *ProjectRuns) Manager() *Manager { return p.manager }

// Runs returns the underlying run manager.
func (p *ProjectRuns) Runs() *Runs { return p.runs }

// RunFlow launches the project's current graph and returns the run id
// immediately.
func (p *ProjectRuns) RunFlow() (string, error) {
	return p.runs.RunFlow(p.manager.ProjectID(), p.manager.Get())
}

// GetStatus returns the current state of a run.
func (p *ProjectRuns) GetStatus(runID string) (Snapshot, error) {
	return p.runs.GetStatus(runID)
}

// Cancel stops a run in flight.
func (p *ProjectRuns) Cancel(runID string) error {
	return p.runs.Cancel(runID)
}

// Wait blocks until a run is terminal or the context is done.
func (p *ProjectRuns) Wait(ctx context.Context, runID string) (Snapshot, error) {
	return p.runs.Wait(ctx, runID)
}

// History returns the project's runs, newest first.
func (p *ProjectRuns) History() ([]Summary, error) {
	return p.runs.List(p.manager.ProjectID())
}
