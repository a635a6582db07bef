// Package remote executes pipeline nodes as jobs on a cluster through
// its HTTP job API: POST submits a job, GET reports its phase, DELETE
// tears it down. Job names are derived from the node id so submissions
// are addressable without client-side state.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caldera-labs/pipegraph/pkg/pipegraph"
)

const jobsPath = "/api/v1/jobs"

// jobRequest is the submission payload.
type jobRequest struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	Image      string            `json:"image"`
	WorkDir    string            `json:"work_dir,omitempty"`
	OutputPath string            `json:"output_path,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Inputs     pipegraph.Inputs  `json:"inputs,omitempty"`
}

// jobStatus is the cluster's view of a submitted job.
type jobStatus struct {
	Name          string            `json:"name"`
	Phase         string            `json:"phase"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// Backend submits node executions to a cluster job API.
type Backend struct {
	baseURL   string
	namespace string
	token     string
	client    *http.Client
	logger    *slog.Logger
}

// Option configures the backend.
type Option func(*Backend)

// WithNamespace sets the cluster namespace jobs run in. Default
// "pipegraph".
func WithNamespace(ns string) Option {
	return func(b *Backend) { b.namespace = ns }
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(b *Backend) { b.token = token }
}

// WithHTTPClient overrides the HTTP client, e.g. for custom TLS or
// timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.client = c
		}
	}
}

// WithLogger sets the backend's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a cluster backend for the API at baseURL.
func New(baseURL string, opts ...Option) *Backend {
	b := &Backend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		namespace: "pipegraph",
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start implements pipegraph.Backend.
func (b *Backend) Start(ctx context.Context, spec pipegraph.NodeSpec, inputs pipegraph.Inputs) (pipegraph.Handle, error) {
	if spec.Image == "" {
		return pipegraph.Handle{}, fmt.Errorf("node %s: definition has no container_image", spec.NodeID)
	}

	name := jobName(spec.NodeID)
	payload := jobRequest{
		Name:       name,
		Namespace:  b.namespace,
		Image:      spec.Image,
		WorkDir:    spec.WorkDir,
		OutputPath: spec.OutputPath,
		Params:     spec.Params,
		Env:        spec.Env,
		Inputs:     inputs,
	}

	var status jobStatus
	if err := b.do(ctx, http.MethodPost, jobsPath, payload, &status); err != nil {
		return pipegraph.Handle{}, err
	}

	b.logger.Debug("job submitted",
		slog.String("node_id", spec.NodeID),
		slog.String("job", name),
		slog.String("namespace", b.namespace),
	)

	return pipegraph.Handle{ID: name, NodeID: spec.NodeID}, nil
}

// Poll implements pipegraph.Backend.
func (b *Backend) Poll(ctx context.Context, h pipegraph.Handle) (pipegraph.PollResult, error) {
	var status jobStatus
	if err := b.do(ctx, http.MethodGet, jobsPath+"/"+url.PathEscape(h.ID), nil, &status); err != nil {
		return pipegraph.PollResult{}, err
	}

	switch strings.ToLower(status.Phase) {
	case "succeeded", "complete":
		return pipegraph.PollResult{Phase: pipegraph.PhaseSucceeded, Outputs: status.Outputs}, nil
	case "failed", "error":
		return pipegraph.PollResult{Phase: pipegraph.PhaseFailed, Message: status.FailureReason}, nil
	default:
		return pipegraph.PollResult{Phase: pipegraph.PhaseRunning}, nil
	}
}

// Cancel implements pipegraph.Backend. Deleting an already finished or
// unknown job is not an error.
func (b *Backend) Cancel(ctx context.Context, h pipegraph.Handle) error {
	err := b.do(ctx, http.MethodDelete, jobsPath+"/"+url.PathEscape(h.ID), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// APIError is a non-2xx response from the cluster API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cluster API: status %d: %s", e.StatusCode, e.Body)
}

// do issues one API request, handling auth, JSON codec, and error
// mapping.
func (b *Backend) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// jobName builds a unique, cluster-safe job name for a node.
func jobName(nodeID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, nodeID)
	const maxNode = 40
	if len(safe) > maxNode {
		safe = safe[:maxNode]
	}
	return "pipegraph-" + safe + "-" + uuid.New().String()[:8]
}
