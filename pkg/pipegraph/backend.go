package pipegraph

import (
	"context"
	"time"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph/config"
)

// NodeSpec is everything a backend needs to execute one node: the
// container image, working directory, output path, and the opaque
// parameters from the node definition.
type NodeSpec struct {
	NodeID     string
	Label      string
	Image      string
	WorkDir    string
	OutputPath string
	Params     map[string]string
	Env        map[string]string
}

// Inputs maps each succeeded upstream node id to its recorded outputs,
// with edge port mappings already applied for direct dependencies.
type Inputs map[string]map[string]string

// Handle identifies one in-flight node execution on a backend.
type Handle struct {
	// ID is the backend-assigned identifier (process id, job name, ...).
	ID string
	// NodeID is the graph node being executed.
	NodeID string
}

// Phase is the backend-reported state of a node execution.
type Phase string

const (
	// PhaseRunning means the execution has not reached a terminal state.
	PhaseRunning Phase = "running"
	// PhaseSucceeded means the execution completed successfully.
	PhaseSucceeded Phase = "succeeded"
	// PhaseFailed means the execution terminated with an error.
	PhaseFailed Phase = "failed"
)

// PollResult is one observation of an in-flight execution.
type PollResult struct {
	Phase Phase
	// Outputs are the node's declared outputs, valid once Phase is
	// PhaseSucceeded.
	Outputs map[string]string
	// Message carries backend diagnostics (failure reason, log tail).
	Message string
}

// Backend is the execution capability contract. Two variants ship with
// this module: backend/local (direct container engine) and
// backend/remote (cluster workflow submission). The runner is
// polymorphic over this interface and never branches on which variant
// is active.
//
// Implementations must be safe for concurrent use; the runner starts
// every node of a level concurrently.
type Backend interface {
	// Start launches the node's containerized execution and returns a
	// handle for polling. Start must not block for the duration of the
	// execution.
	Start(ctx context.Context, spec NodeSpec, inputs Inputs) (Handle, error)

	// Poll reports the current state of an execution.
	Poll(ctx context.Context, h Handle) (PollResult, error)

	// Cancel terminates an in-flight execution. Cancelling an already
	// terminal execution is not an error.
	Cancel(ctx context.Context, h Handle) error
}

// Node definition keys understood by buildNodeSpec. Anything else in the
// definition is passed through to the backend as string parameters.
const (
	defImage      = "container_image"
	defWorkDir    = "working_directory"
	defOutputPath = "output_path"
	defParams     = "parameters"
	defEnv        = "environment"
	defTimeout    = "timeout"
)

// buildNodeSpec extracts the backend-facing spec from a node's opaque
// definition.
func buildNodeSpec(n Node) NodeSpec {
	def := config.New(n.Definition)
	return NodeSpec{
		NodeID:     n.ID,
		Label:      n.Label,
		Image:      def.String(defImage, ""),
		WorkDir:    def.String(defWorkDir, ""),
		OutputPath: def.String(defOutputPath, ""),
		Params:     def.StringMap(defParams),
		Env:        def.StringMap(defEnv),
	}
}

// nodeTimeout returns the node's deadline override from its definition,
// or fallback when absent.
func nodeTimeout(n Node, fallback time.Duration) time.Duration {
	return config.New(n.Definition).Duration(defTimeout, fallback)
}
