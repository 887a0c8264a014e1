// Package switchboard implements a coordination-free, client-side load
// balancer that distributes chat-completion requests across a pool of
// interchangeable Azure OpenAI deployments, handling selection, session
// affinity, health tracking, rate-limit accounting, and failover.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opsflow/switchboard/internal/config"
	"github.com/opsflow/switchboard/internal/deployment"
	"github.com/opsflow/switchboard/internal/metrics"
	"github.com/opsflow/switchboard/internal/selector"
	"github.com/opsflow/switchboard/internal/supervisor"
	"github.com/opsflow/switchboard/internal/tracing"
	switchboarderrors "github.com/opsflow/switchboard/pkg/errors"
	"github.com/opsflow/switchboard/pkg/types"
)

// Re-export core request/response types for convenience: callers use
// switchboard.ChatRequest instead of reaching into pkg/types directly.
type (
	ChatRequest  = types.ChatRequest
	ChatResponse = types.ChatResponse
	ChatMessage  = types.ChatMessage
	StreamChunk  = types.StreamChunk
	Usage        = types.Usage
	Choice       = types.Choice
	StreamChoice = types.StreamChoice
	StreamDelta  = types.StreamDelta
)

// Re-export the error taxonomy.
type (
	Error                     = switchboarderrors.Error
	ErrorKind                 = switchboarderrors.Kind
	AllDeploymentsFailedError = switchboarderrors.AllDeploymentsFailedError
)

const (
	TransientUpstream    = switchboarderrors.TransientUpstream
	RateLimited          = switchboarderrors.RateLimited
	Unauthorized         = switchboarderrors.Unauthorized
	BadRequest           = switchboarderrors.BadRequest
	Canceled             = switchboarderrors.Canceled
	NoHealthyDeployment  = switchboarderrors.NoHealthyDeployment
	AllDeploymentsFailed = switchboarderrors.AllDeploymentsFailed
)

// DeploymentConfig configures one Azure OpenAI deployment.
type DeploymentConfig = deployment.Config

// Client is the Deployment Client capability interface, exported so
// callers can type-assert Stats()/SelectDeployment() results or supply a
// fake via WithClientFactory.
type Client = deployment.Client

// DeploymentSnapshot is a point-in-time view of one deployment's runtime
// state, returned by Stats().
type DeploymentSnapshot = deployment.Snapshot

// Switchboard is the facade: it holds the deployment client set, the
// session map (via its selector), and the background supervisor, and
// orchestrates the outer retry/failover loop across deployments.
type Switchboard struct {
	selector   *selector.Selector
	supervisor *supervisor.Supervisor
	settings   *settings
	tracerProv *tracing.Provider
	logger     *slog.Logger

	cancel context.CancelFunc
}

// New constructs a Switchboard over the given deployments. By default it
// auto-starts the background supervisor; pass WithAutoStart(false) to
// start it later explicitly.
func New(deployments []DeploymentConfig, opts ...Option) (*Switchboard, error) {
	if len(deployments) == 0 {
		return nil, fmt.Errorf("switchboard: at least one deployment is required")
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}

	sel := selector.New(s.sessionCapacity, metrics.Sink{})

	for _, cfg := range deployments {
		if s.innerMaxAttempts > 0 && cfg.MaxInnerAttempts == 0 {
			cfg.MaxInnerAttempts = s.innerMaxAttempts
		}
		client, err := s.clientFactory(cfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("switchboard: build deployment client %s: %w", cfg.Name, err)
		}
		sel.AddClient(client)
	}

	var tp *tracing.Provider
	tracer := s.tracer
	if tracer == nil {
		tp = tracing.NewProvider()
		tracer = tp.Tracer()
	}
	s.tracer = tracer

	sup := supervisor.New(supervisor.Config{
		HealthcheckInterval: s.healthcheckInterval,
		RatelimitWindow:     s.ratelimitWindow,
	}, sel, s.logger)

	sb := &Switchboard{
		selector:   sel,
		supervisor: sup,
		settings:   s,
		tracerProv: tp,
		logger:     s.logger,
	}

	if s.autoStart {
		sb.Start(context.Background())
	}

	return sb, nil
}

// Start launches the background supervisor's health-probe and usage-reset
// loops. Calling Start on an already-started Switchboard is a no-op.
func (sb *Switchboard) Start(ctx context.Context) {
	if sb.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	sb.cancel = cancel
	sb.supervisor.Start(ctx)
}

// Stop cancels the background supervisor and blocks until its loops have
// returned. It also shuts down an internally created tracer provider.
func (sb *Switchboard) Stop() {
	if sb.cancel != nil {
		sb.cancel()
	}
	sb.supervisor.Stop()
	if sb.tracerProv != nil {
		_ = sb.tracerProv.Shutdown(context.Background())
	}
}

// Run starts the Switchboard, invokes fn, and always stops afterward —
// the Go analogue of the originating implementation's async context
// manager (`async with Switchboard(...) as sb`).
func (sb *Switchboard) Run(ctx context.Context, fn func(*Switchboard) error) error {
	sb.Start(ctx)
	defer sb.Stop()
	return fn(sb)
}

// SelectDeployment exposes the selection engine directly, for testing and
// inspection, per spec's select_deployment hook.
func (sb *Switchboard) SelectDeployment(sessionID string) (Client, error) {
	return sb.selector.Select(sessionID)
}

// Stats returns a point-in-time snapshot of every deployment's runtime
// state, keyed by deployment name.
func (sb *Switchboard) Stats() map[string]DeploymentSnapshot {
	out := make(map[string]DeploymentSnapshot)
	for _, c := range sb.selector.Clients() {
		out[c.Name()] = c.Snapshot()
	}
	return out
}

// AddDeployment builds a client for cfg and registers it, making it
// immediately eligible for selection. Calling AddDeployment again with an
// already-registered name replaces that deployment's client in place.
func (sb *Switchboard) AddDeployment(cfg DeploymentConfig) error {
	if sb.settings.innerMaxAttempts > 0 && cfg.MaxInnerAttempts == 0 {
		cfg.MaxInnerAttempts = sb.settings.innerMaxAttempts
	}
	client, err := sb.settings.clientFactory(cfg, sb.logger)
	if err != nil {
		return fmt.Errorf("switchboard: build deployment client %s: %w", cfg.Name, err)
	}
	sb.selector.AddClient(client)
	return nil
}

// RemoveDeployment unregisters a deployment by name; in-flight requests
// against it are unaffected, but it becomes immediately ineligible for new
// selections.
func (sb *Switchboard) RemoveDeployment(name string) {
	sb.selector.RemoveClient(name)
}

// ReconcileDeployments brings the live deployment set in line with cfgs:
// deployments present in cfgs but not yet registered are added, and
// registered deployments absent from cfgs are removed. This is the
// operation a hot-reloaded config flows into.
func (sb *Switchboard) ReconcileDeployments(cfgs []DeploymentConfig) error {
	registered := make(map[string]bool)
	for _, c := range sb.selector.Clients() {
		registered[c.Name()] = true
	}
	want := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		want[cfg.Name] = true
		if registered[cfg.Name] {
			continue
		}
		if err := sb.AddDeployment(cfg); err != nil {
			return err
		}
	}
	for _, c := range sb.selector.Clients() {
		if !want[c.Name()] {
			sb.RemoveDeployment(c.Name())
		}
	}
	return nil
}

// WatchConfig subscribes to mgr's hot-reload notifications and reconciles
// the live deployment set against each reloaded Config's deployment list.
// Callers are still responsible for calling mgr.Watch(ctx) to start the
// underlying file watcher.
func (sb *Switchboard) WatchConfig(mgr *config.Manager) {
	mgr.OnChange(func(cfg *config.Config) {
		if err := sb.ReconcileDeployments(cfg.Deployments); err != nil {
			sb.logger.Error("failed to reconcile deployments from reloaded config", "error", err)
		}
	})
}

// Create issues a non-streaming chat completion, orchestrating the outer
// retry/failover loop across deployments. sessionID is optional; pass ""
// for sessionless requests.
func (sb *Switchboard) Create(ctx context.Context, req *ChatRequest, sessionID string) (*ChatResponse, error) {
	ctx, span := sb.settings.tracer.Start(ctx, "switchboard.create")
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.request.model", req.Model))

	excluded := make(map[string]bool)
	var attempts []error

	for attempt := 0; attempt < sb.settings.maxAttempts; attempt++ {
		dc, err := sb.selector.SelectExcluding(sessionID, excluded)
		if err != nil {
			attempts = append(attempts, err)
			continue
		}
		span.SetAttributes(attribute.String("switchboard.deployment", dc.Name()))

		start := time.Now()
		resp, err := dc.Create(ctx, req)
		duration := time.Since(start).Seconds()

		if err == nil {
			metrics.RecordRequest(dc.Name(), req.Model, "success", duration)
			if resp.Usage != nil {
				metrics.RecordTokens(dc.Name(), req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.CachedTokens())
			}
			return resp, nil
		}

		metrics.RecordRequest(dc.Name(), req.Model, "error", duration)
		attempts = append(attempts, err)

		if !isOuterRetryable(err) {
			return nil, err
		}

		excluded[dc.Name()] = true
		sb.selector.EvictSession(sessionID)
	}

	return nil, switchboarderrors.NewAllDeploymentsFailed(attempts)
}

// CreateStream issues a streaming chat completion. Retries only apply
// before the first chunk is received: once streaming begins, a failure is
// surfaced to the caller rather than silently retried on another
// deployment, since partial output may already have been consumed.
func (sb *Switchboard) CreateStream(ctx context.Context, req *ChatRequest, sessionID string) (deployment.ChatStream, error) {
	ctx, span := sb.settings.tracer.Start(ctx, "switchboard.create")
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.request.model", req.Model), attribute.Bool("switchboard.stream", true))

	excluded := make(map[string]bool)
	var attempts []error

	for attempt := 0; attempt < sb.settings.maxAttempts; attempt++ {
		dc, err := sb.selector.SelectExcluding(sessionID, excluded)
		if err != nil {
			attempts = append(attempts, err)
			continue
		}
		span.SetAttributes(attribute.String("switchboard.deployment", dc.Name()))

		start := time.Now()
		stream, err := dc.CreateStream(ctx, req)
		if err == nil {
			return &meteredStream{inner: stream, deployment: dc.Name(), model: req.Model, start: start}, nil
		}

		metrics.RecordRequest(dc.Name(), req.Model, "error", time.Since(start).Seconds())
		attempts = append(attempts, err)

		if !isOuterRetryable(err) {
			return nil, err
		}

		excluded[dc.Name()] = true
		sb.selector.EvictSession(sessionID)
	}

	return nil, switchboarderrors.NewAllDeploymentsFailed(attempts)
}

// meteredStream wraps a deployment.ChatStream to instrument
// request_duration_seconds for streaming requests: TTFB observed at the
// first chunk, total (with requests_total) observed once at stream close,
// matching the non-streaming Create path's single terminal observation.
type meteredStream struct {
	inner      deployment.ChatStream
	deployment string
	model      string
	start      time.Time
	ttfbSeen   bool
	done       bool
}

func (m *meteredStream) Next() (*types.StreamChunk, error) {
	chunk, err := m.inner.Next()
	if err != nil {
		m.finish(err)
		return chunk, err
	}
	if !m.ttfbSeen {
		m.ttfbSeen = true
		metrics.ObserveDuration(m.deployment, m.model, "success", time.Since(m.start).Seconds())
	}
	if chunk != nil && chunk.Usage != nil {
		metrics.RecordTokens(m.deployment, m.model, chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.CachedTokens())
	}
	return chunk, nil
}

func (m *meteredStream) Close() error {
	m.finish(nil)
	return m.inner.Close()
}

func (m *meteredStream) finish(err error) {
	if m.done {
		return
	}
	m.done = true
	status := "success"
	if err != nil && !errors.Is(err, io.EOF) {
		status = "error"
	}
	metrics.RecordRequest(m.deployment, m.model, status, time.Since(m.start).Seconds())
}

// isOuterRetryable reports whether a failed attempt should trigger
// failover to a different deployment. Client-error classes (Unauthorized,
// BadRequest) and caller cancellation bypass failover and surface
// immediately.
func isOuterRetryable(err error) bool {
	var sberr *switchboarderrors.Error
	if !errors.As(err, &sberr) {
		return true
	}
	switch sberr.Kind {
	case switchboarderrors.Unauthorized, switchboarderrors.BadRequest, switchboarderrors.Canceled:
		return false
	default:
		return true
	}
}
