// Package pipegraph provides a DAG compiler and execution engine for
// containerized scientific-computing pipelines.
package pipegraph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for graph mutation and compilation.
var (
	// ErrNotFound indicates an unknown node, edge, or run id.
	ErrNotFound = errors.New("not found")

	// ErrCycle indicates a mutation or compilation would create or
	// contains a dependency cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrBusy indicates a graph mutation was attempted while a run on
	// the same project is active.
	ErrBusy = errors.New("project has an active run")

	// ErrEmptyGraph indicates RunFlow was called on a graph with no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes to run")
)

// Sentinel errors for execution.
var (
	// ErrTimeout indicates a node exceeded its configured deadline.
	ErrTimeout = errors.New("node deadline exceeded")

	// ErrRunFinished indicates an operation on a run that already
	// reached a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

// ValidationError indicates a malformed graph: a dangling edge endpoint,
// a duplicate id, or a self-loop.
type ValidationError struct {
	// Reason describes what is malformed.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "invalid graph: " + e.Reason
}

// NotFoundError reports an unknown node, edge, or run id.
type NotFoundError struct {
	// Kind is what was looked up ("node", "edge", "run").
	Kind string
	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

// Unwrap returns ErrNotFound for errors.Is support.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CycleError reports a dependency cycle, naming the participating nodes.
type CycleError struct {
	// Nodes are the node ids that could not be ordered, in insertion order.
	Nodes []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return "dependency cycle involving nodes: " + strings.Join(e.Nodes, ", ")
}

// Unwrap returns ErrCycle for errors.Is support.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// BusyError reports a rejected graph mutation caused by an active run.
type BusyError struct {
	// ProjectID is the project whose graph was being mutated.
	ProjectID string
	// RunID is the active run blocking the mutation.
	RunID string
}

// Error implements the error interface.
func (e *BusyError) Error() string {
	return fmt.Sprintf("project %s: graph locked by active run %s", e.ProjectID, e.RunID)
}

// Unwrap returns ErrBusy for errors.Is support.
func (e *BusyError) Unwrap() error {
	return ErrBusy
}

// TimeoutError reports a node that exceeded its configured deadline.
// Timeouts are recorded as node failures and trigger the same cascading
// cancellation as a backend-reported failure.
type TimeoutError struct {
	// NodeID is the node that timed out.
	NodeID string
	// Timeout is the configured per-node deadline.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: exceeded deadline of %s", e.NodeID, e.Timeout)
}

// Unwrap returns ErrTimeout for errors.Is support.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// BackendError wraps a failure from the execution backend.
type BackendError struct {
	// NodeID is the node whose execution failed.
	NodeID string
	// Op is the backend operation that failed ("start", "poll", "cancel").
	Op string
	// Err is the underlying transport or engine error.
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("node %s: backend %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *BackendError) Unwrap() error {
	return e.Err
}
