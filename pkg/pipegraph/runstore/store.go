// Package runstore provides persistent run-history storage.
package runstore

import (
	"errors"
	"time"
)

// Record is the persisted view of one run: identity, overall status,
// per-node statuses, and timestamps.
type Record struct {
	RunID      string
	ProjectID  string
	Status     string
	Nodes      map[string]string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Store persists run records for history across restarts.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save upserts a record keyed by run id.
	Save(rec Record) error

	// Get retrieves a record.
	// Returns ErrNotFound if the run is unknown.
	Get(runID string) (Record, error)

	// List returns all records for a project, newest first.
	// Returns an empty slice (not an error) for an unknown project.
	List(projectID string) ([]Record, error)

	// Delete removes a record. Returns nil if the run is unknown.
	Delete(runID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a run record doesn't exist.
	ErrNotFound = errors.New("run record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("run store closed")
)
