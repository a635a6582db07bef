// Package observability provides structured logging, metrics, and
// distributed tracing for pipegraph runs.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id and node_id fields.
func EnrichLogger(logger *slog.Logger, runID, nodeID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
	)
}

// LogRunStart logs the start of a run.
func LogRunStart(logger *slog.Logger, runID, projectID string, nodes, levels int) {
	if logger == nil {
		return
	}
	logger.Info("run starting",
		slog.String("run_id", runID),
		slog.String("project_id", projectID),
		slog.Int("nodes", nodes),
		slog.Int("levels", levels),
	)
}

// LogRunComplete logs run completion with its derived overall status.
func LogRunComplete(logger *slog.Logger, runID, overall string, durationMs float64, succeeded int) {
	if logger == nil {
		return
	}
	logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("overall", overall),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_succeeded", succeeded),
	)
}

// LogLevelStart logs entry into a concurrency level.
func LogLevelStart(logger *slog.Logger, runID string, level, width int) {
	if logger == nil {
		return
	}
	logger.Debug("level starting",
		slog.String("run_id", runID),
		slog.Int("level", level),
		slog.Int("width", width),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID, image string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
		slog.String("image", image),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution failure.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogNodeCancelled logs a node that was cancelled before or during
// execution, with the cause (upstream failure, run cancellation).
func LogNodeCancelled(logger *slog.Logger, nodeID, cause string) {
	if logger == nil {
		return
	}
	logger.Info("node cancelled",
		slog.String("node_id", nodeID),
		slog.String("cause", cause),
	)
}

// LogStoreError logs a run-store persistence failure (non-fatal).
func LogStoreError(logger *slog.Logger, runID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("run store operation failed",
		slog.String("run_id", runID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
