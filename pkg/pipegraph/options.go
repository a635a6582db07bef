package pipegraph

import (
	"log/slog"
	"time"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph/observability"
	"github.com/caldera-labs/pipegraph/pkg/pipegraph/runstore"
)

// Defaults for run execution.
const (
	// DefaultMaxConcurrency caps simultaneous node launches per run.
	// The contract does not mandate a cap; a bounded pool is the safe
	// default for container workloads.
	DefaultMaxConcurrency = 4

	// DefaultNodeTimeout is the per-node deadline when the node
	// definition carries no override.
	DefaultNodeTimeout = 30 * time.Minute

	// DefaultPollInterval is the backend poll cadence.
	DefaultPollInterval = 2 * time.Second
)

// runsConfig holds configuration for the runs manager.
type runsConfig struct {
	store          runstore.Store
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool
	maxConcurrency int64
	nodeTimeout    time.Duration
	pollInterval   time.Duration
}

func defaultRunsConfig() runsConfig {
	return runsConfig{
		store:          runstore.NewMemoryStore(),
		logger:         slog.Default(),
		metrics:        observability.NoopMetrics{},
		spans:          observability.NoopSpanManager{},
		maxConcurrency: DefaultMaxConcurrency,
		nodeTimeout:    DefaultNodeTimeout,
		pollInterval:   DefaultPollInterval,
	}
}

// RunsOption configures a Runs manager.
type RunsOption func(*runsConfig)

// WithStore sets the run-history store. Default: in-memory.
func WithStore(store runstore.Store) RunsOption {
	return func(c *runsConfig) {
		if store != nil {
			c.store = store
		}
	}
}

// WithLogger sets the structured logger for run and node lifecycle events.
func WithLogger(logger *slog.Logger) RunsOption {
	return func(c *runsConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics recording.
func WithMetrics(m observability.MetricsRecorder) RunsOption {
	return func(c *runsConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry span creation for runs, levels,
// and nodes.
func WithTracing(enabled bool) RunsOption {
	return func(c *runsConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		}
	}
}

// WithMaxConcurrency caps simultaneous node executions within a level.
// Default: DefaultMaxConcurrency. Values < 1 are ignored.
func WithMaxConcurrency(n int) RunsOption {
	return func(c *runsConfig) {
		if n > 0 {
			c.maxConcurrency = int64(n)
		}
	}
}

// WithNodeTimeout sets the default per-node deadline. A node definition
// may override it with a "timeout" entry. Expiry is treated like a
// backend-reported failure.
func WithNodeTimeout(d time.Duration) RunsOption {
	return func(c *runsConfig) {
		if d > 0 {
			c.nodeTimeout = d
		}
	}
}

// WithPollInterval sets the backend poll cadence.
func WithPollInterval(d time.Duration) RunsOption {
	return func(c *runsConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}
