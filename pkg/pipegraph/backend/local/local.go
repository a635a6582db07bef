// Package local executes pipeline nodes as containers through the
// Docker CLI on the host. Executions run detached from the caller's
// context: Start launches the container and returns, Poll observes the
// attached process, Cancel kills it.
package local

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph"
)

// outputPrefix marks container stdout lines that declare node outputs,
// as "pipegraph-output: key=value".
const outputPrefix = "pipegraph-output:"

// Backend runs nodes through a container engine CLI.
type Backend struct {
	binary    string
	extraArgs []string
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// proc is one attached container execution.
type proc struct {
	cmd    *exec.Cmd
	spec   pipegraph.NodeSpec
	stdout *bytes.Buffer
	stderr *bytes.Buffer

	done chan struct{}
	err  error
}

// Option configures the backend.
type Option func(*Backend)

// WithBinary overrides the container engine binary. Default "docker";
// "podman" works with the same argument shape.
func WithBinary(path string) Option {
	return func(b *Backend) { b.binary = path }
}

// WithExtraArgs appends engine arguments to every container launch
// (e.g. "--gpus", "all").
func WithExtraArgs(args ...string) Option {
	return func(b *Backend) { b.extraArgs = append(b.extraArgs, args...) }
}

// WithLaunchRate throttles container launches. Default: unlimited.
func WithLaunchRate(perSecond float64, burst int) Option {
	return func(b *Backend) { b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the backend's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Docker CLI backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		binary:  "docker",
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.Default(),
		procs:   make(map[string]*proc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start implements pipegraph.Backend. The container runs detached from
// ctx: cancelling the run context does not kill an already started
// container, that is Cancel's job.
func (b *Backend) Start(ctx context.Context, spec pipegraph.NodeSpec, inputs pipegraph.Inputs) (pipegraph.Handle, error) {
	if spec.Image == "" {
		return pipegraph.Handle{}, fmt.Errorf("node %s: definition has no container_image", spec.NodeID)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return pipegraph.Handle{}, err
	}

	name := containerName(spec.NodeID)
	args := b.buildArgs(name, spec, inputs)

	p := &proc{
		spec:   spec,
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		done:   make(chan struct{}),
	}
	p.cmd = exec.Command(b.binary, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		return pipegraph.Handle{}, fmt.Errorf("launch container: %w", err)
	}

	go func() {
		p.err = p.cmd.Wait()
		close(p.done)
	}()

	b.mu.Lock()
	b.procs[name] = p
	b.mu.Unlock()

	b.logger.Debug("container started",
		slog.String("node_id", spec.NodeID),
		slog.String("container", name),
		slog.String("image", spec.Image),
	)

	return pipegraph.Handle{ID: name, NodeID: spec.NodeID}, nil
}

// Poll implements pipegraph.Backend.
func (b *Backend) Poll(_ context.Context, h pipegraph.Handle) (pipegraph.PollResult, error) {
	b.mu.Lock()
	p, ok := b.procs[h.ID]
	b.mu.Unlock()
	if !ok {
		return pipegraph.PollResult{}, fmt.Errorf("unknown execution %s", h.ID)
	}

	select {
	case <-p.done:
	default:
		return pipegraph.PollResult{Phase: pipegraph.PhaseRunning}, nil
	}

	if p.err != nil {
		return pipegraph.PollResult{
			Phase:   pipegraph.PhaseFailed,
			Message: failureMessage(p.err, p.stderr.String()),
		}, nil
	}
	return pipegraph.PollResult{
		Phase:   pipegraph.PhaseSucceeded,
		Outputs: parseOutputs(p.spec, p.stdout.String()),
	}, nil
}

// Cancel implements pipegraph.Backend. It asks the engine to kill the
// container, then kills the attached CLI process.
func (b *Backend) Cancel(ctx context.Context, h pipegraph.Handle) error {
	b.mu.Lock()
	p, ok := b.procs[h.ID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	// Best effort: the attached process dies with the container anyway.
	_ = exec.CommandContext(ctx, b.binary, "kill", h.ID).Run()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("execution %s did not stop", h.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// buildArgs assembles the engine command line for one node.
func (b *Backend) buildArgs(name string, spec pipegraph.NodeSpec, inputs pipegraph.Inputs) []string {
	args := []string{"run", "--rm", "--name", name}

	if spec.WorkDir != "" {
		args = append(args, "-v", spec.WorkDir+":/workspace", "-w", "/workspace")
	}

	args = append(args,
		"-e", "PIPEGRAPH_NODE_ID="+spec.NodeID,
		"-e", "PIPEGRAPH_NODE_LABEL="+spec.Label,
	)
	if spec.OutputPath != "" {
		args = append(args, "-e", "PIPEGRAPH_OUTPUT_PATH="+spec.OutputPath)
	}

	for _, k := range sortedKeys(spec.Params) {
		args = append(args, "-e", "PIPEGRAPH_PARAM_"+envKey(k)+"="+spec.Params[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	upstreams := make([]string, 0, len(inputs))
	for up := range inputs {
		upstreams = append(upstreams, up)
	}
	sort.Strings(upstreams)
	for _, up := range upstreams {
		for _, k := range sortedKeys(inputs[up]) {
			args = append(args,
				"-e", "PIPEGRAPH_INPUT_"+envKey(up)+"_"+envKey(k)+"="+inputs[up][k])
		}
	}

	args = append(args, b.extraArgs...)
	return append(args, spec.Image)
}

// containerName builds a unique, engine-safe container name for a node.
func containerName(nodeID string) string {
	return "pipegraph-" + sanitize(nodeID) + "-" + uuid.New().String()[:8]
}

// parseOutputs collects declared outputs from container stdout, plus the
// node's output path when configured.
func parseOutputs(spec pipegraph.NodeSpec, stdout string) map[string]string {
	outputs := make(map[string]string)
	if spec.OutputPath != "" {
		outputs["output_path"] = spec.OutputPath
	}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, outputPrefix) {
			continue
		}
		kv := strings.TrimSpace(strings.TrimPrefix(line, outputPrefix))
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			outputs[k] = v
		}
	}
	return outputs
}

// failureMessage folds the process error and a stderr tail into one
// diagnostic line.
func failureMessage(err error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err.Error()
	}
	const tail = 512
	if len(stderr) > tail {
		stderr = stderr[len(stderr)-tail:]
	}
	return fmt.Sprintf("%v: %s", err, stderr)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// envKey renders an identifier as an environment variable fragment.
func envKey(s string) string {
	return strings.ToUpper(sanitizeWith(s, '_'))
}

// sanitize renders an identifier container-name safe.
func sanitize(s string) string {
	return sanitizeWith(s, '-')
}

func sanitizeWith(s string, repl rune) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune(repl)
		}
	}
	return sb.String()
}
