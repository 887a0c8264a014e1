package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsflow/switchboard/internal/tokenestimate"
	switchboarderrors "github.com/opsflow/switchboard/pkg/errors"
	"github.com/opsflow/switchboard/pkg/types"
)

// ChatStream is a lazy, finite, non-restartable sequence of stream chunks.
// Next returns io.EOF once the underlying stream is exhausted.
type ChatStream interface {
	Next() (*types.StreamChunk, error)
	Close() error
}

// InferenceClient is the low-level, per-deployment HTTP client that
// actually issues requests against Azure OpenAI. It knows nothing about
// utilization, cooldowns, or retries — that belongs to Client.
type InferenceClient interface {
	Do(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	DoStream(ctx context.Context, req *types.ChatRequest) (ChatStream, error)
}

// Client is the Deployment Client contract: the capability interface the
// selection engine and switchboard depend on. Test doubles substitute
// freely (see the Polymorphism design note), and a real implementation is
// pluggable via a ClientFactory.
type Client interface {
	Name() string
	Create(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	CreateStream(ctx context.Context, req *types.ChatRequest) (ChatStream, error)
	Probe(ctx context.Context) error
	Utilization() float64
	InFlight() int
	Cooldown(d time.Duration)
	ResetUsage()
	Healthy() bool
	Snapshot() Snapshot
}

// Snapshot is a point-in-time view of a deployment's runtime state, used
// by Switchboard.Stats() and by tests.
type Snapshot struct {
	Name          string
	Healthy       bool
	Utilization   float64
	TPMUsed       int
	RPMUsed       int
	TPMRatelimit  int
	RPMRatelimit  int
	InFlight      int
	CooldownUntil time.Time
	LastResetAt   time.Time
}

// ClientFactory builds the Deployment Client for one Config. The default
// factory (NewAzureClient) issues real HTTP requests against Azure OpenAI;
// tests and demos substitute a fake.
type ClientFactory func(cfg Config, logger *slog.Logger) (Client, error)

const (
	innerBackoffBase     = 100 * time.Millisecond
	innerBackoffMax      = 2 * time.Second
	shortRetryAfterLimit = 2 * time.Second
)

// runtimeClient is the concrete Client implementation: state machine,
// sliding-window usage accounting, and inner transient-retry loop sit on
// top of an InferenceClient.
type runtimeClient struct {
	cfg    Config
	infer  InferenceClient
	logger *slog.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
	tpmUsed       int
	rpmUsed       int
	lastResetAt   time.Time
	inFlight      int

	rngMu sync.Mutex
	rng   *rand.Rand

	// probeLimiter caps how often Probe may actually dial the endpoint, at
	// one token per HealthcheckInterval, so a caller invoking Probe more
	// often than the supervisor would (a CLI, a test, a misconfigured
	// second supervisor) can't spam a flapping deployment.
	probeLimiter *rate.Limiter
}

// NewClient wraps an arbitrary InferenceClient with the Deployment Client
// state machine, bypassing Azure HTTP transport construction entirely.
// Tests and demos use this to supply a fake InferenceClient while still
// exercising the real selection/utilization/retry logic.
func NewClient(cfg Config, infer InferenceClient, logger *slog.Logger) Client {
	return newRuntimeClient(cfg, infer, logger)
}

// newRuntimeClient wraps an InferenceClient with the DC state machine.
func newRuntimeClient(cfg Config, infer InferenceClient, logger *slog.Logger) *runtimeClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &runtimeClient{
		cfg:          cfg,
		infer:        infer,
		logger:       logger,
		lastResetAt:  time.Now(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		probeLimiter: rate.NewLimiter(rate.Every(cfg.HealthcheckInterval), 1),
	}
}

func (c *runtimeClient) Name() string { return c.cfg.Name }

// Utilization returns max(rpm_used/rpm_ratelimit, tpm_used/tpm_ratelimit),
// treating unlimited (0) sides as 0, plus a small jitter term to prevent
// selection oscillation between equally-loaded deployments. Returns 1 (full
// utilization, unselectable under power-of-two) while cooling down.
func (c *runtimeClient) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utilizationLocked()
}

func (c *runtimeClient) utilizationLocked() float64 {
	if time.Now().Before(c.cooldownUntil) {
		return 1
	}

	var tokenUtil, requestUtil float64
	if c.cfg.TPMRatelimit > 0 {
		tokenUtil = float64(c.tpmUsed) / float64(c.cfg.TPMRatelimit)
	}
	if c.cfg.RPMRatelimit > 0 {
		requestUtil = float64(c.rpmUsed) / float64(c.cfg.RPMRatelimit)
	}

	util := tokenUtil
	if requestUtil > util {
		util = requestUtil
	}

	c.rngMu.Lock()
	jitter := c.rng.Float64() * 0.01
	c.rngMu.Unlock()

	return roundTo3(util + jitter)
}

func roundTo3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func (c *runtimeClient) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Healthy reports whether the deployment currently has available capacity
// to serve requests: util < 1.
func (c *runtimeClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utilizationLocked() < 1
}

// Cooldown marks the deployment unhealthy for d (or the configured
// CooldownPeriod if d is zero).
func (c *runtimeClient) Cooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		d = c.cfg.CooldownPeriod
	}
	c.cooldownUntil = time.Now().Add(d)
	c.logger.Warn("deployment cooling down", "deployment", c.cfg.Name, "until", c.cooldownUntil)
}

// ResetUsage rolls the sliding usage window, called by the supervisor's
// usage-reset loop at the rate-limit accounting window boundary.
func (c *runtimeClient) ResetUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tpmUsed = 0
	c.rpmUsed = 0
	c.lastResetAt = time.Now()
	c.logger.Debug("deployment usage counters reset", "deployment", c.cfg.Name)
}

// Snapshot returns a point-in-time copy of the deployment's runtime state.
func (c *runtimeClient) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Name:          c.cfg.Name,
		Healthy:       c.utilizationLocked() < 1,
		Utilization:   c.utilizationLocked(),
		TPMUsed:       c.tpmUsed,
		RPMUsed:       c.rpmUsed,
		TPMRatelimit:  c.cfg.TPMRatelimit,
		RPMRatelimit:  c.cfg.RPMRatelimit,
		InFlight:      c.inFlight,
		CooldownUntil: c.cooldownUntil,
		LastResetAt:   c.lastResetAt,
	}
}

// Probe issues a minimal 1-token completion with a short timeout. Success
// clears any elapsed cooldown; failure cools the deployment down.
func (c *runtimeClient) Probe(ctx context.Context) error {
	if err := c.probeLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("probe %s: rate limited: %w", c.cfg.Name, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &types.ChatRequest{
		Model: "probe",
		Messages: []types.ChatMessage{
			{Role: "user", Content: []byte(`"healthcheck"`)},
		},
		MaxTokens: 1,
	}

	_, err := c.infer.Do(probeCtx, req)
	if err != nil {
		c.Cooldown(0)
		c.logger.Warn("deployment probe failed", "deployment", c.cfg.Name, "error", err)
		return fmt.Errorf("probe %s: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	if !time.Now().Before(c.cooldownUntil) {
		c.cooldownUntil = time.Time{}
	}
	c.mu.Unlock()
	c.logger.Debug("deployment probe succeeded", "deployment", c.cfg.Name)
	return nil
}

// Create issues a completion request, accounting tokens provisionally
// before dispatch and reconciling against the server's reported usage
// afterward. Transient failures retry inside the DC with exponential
// backoff and full jitter; exhaustion triggers a cooldown.
func (c *runtimeClient) Create(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	estimate := tokenestimate.EstimateRequestTokens(req)

	c.mu.Lock()
	c.inFlight++
	c.rpmUsed++
	c.tpmUsed += estimate
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	resp, err := c.createWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	actual := estimate
	if resp.Usage != nil {
		actual = resp.Usage.TotalTokens
	}
	c.mu.Lock()
	c.tpmUsed += actual - estimate
	if c.tpmUsed < 0 {
		c.tpmUsed = 0
	}
	c.mu.Unlock()

	return resp, nil
}

func (c *runtimeClient) createWithRetry(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	var lastErr error
	maxAttempts := c.cfg.MaxInnerAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.infer.Do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, switchboarderrors.NewCanceled(c.cfg.Name, ctx.Err())
		}

		var sberr *switchboarderrors.Error
		if !errors.As(err, &sberr) || !sberr.Retryable {
			return nil, err
		}

		if sberr.Kind == switchboarderrors.RateLimited && sberr.RetryAfter > 0 {
			wait := time.Duration(sberr.RetryAfter) * time.Second
			if wait > shortRetryAfterLimit {
				break
			}
			c.logger.Debug("deployment rate limited, retrying after short wait", "deployment", c.cfg.Name, "attempt", attempt, "wait", wait)
			c.sleep(ctx, wait)
			continue
		}

		if attempt < maxAttempts {
			backoff := c.backoff(attempt)
			c.logger.Debug("deployment transient failure, retrying", "deployment", c.cfg.Name, "attempt", attempt, "backoff", backoff, "error", err)
			c.sleep(ctx, backoff)
		}
	}

	c.coolDownIfRequired(lastErr)
	return nil, lastErr
}

// coolDownIfRequired cools the deployment down when the exhausted error's
// Kind is one the taxonomy says should trigger a cooldown, per
// switchboarderrors.CooldownRequired.
func (c *runtimeClient) coolDownIfRequired(err error) {
	var sberr *switchboarderrors.Error
	if errors.As(err, &sberr) && switchboarderrors.CooldownRequired(sberr.Kind) {
		c.Cooldown(retryAfterCooldown(err))
	}
}

func retryAfterCooldown(err error) time.Duration {
	var sberr *switchboarderrors.Error
	if errors.As(err, &sberr) && sberr.RetryAfter > 0 {
		return time.Duration(sberr.RetryAfter) * time.Second
	}
	return 0
}

func (c *runtimeClient) backoff(attempt int) time.Duration {
	d := innerBackoffBase * time.Duration(1<<uint(attempt-1))
	if d > innerBackoffMax {
		d = innerBackoffMax
	}
	c.rngMu.Lock()
	jittered := time.Duration(c.rng.Float64() * float64(d))
	c.rngMu.Unlock()
	return jittered
}

func (c *runtimeClient) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// CreateStream issues a streaming completion request. Usage accounting on
// the stream is reconciled from its final chunk's usage field by the
// wrapping accountingStream.
func (c *runtimeClient) CreateStream(ctx context.Context, req *types.ChatRequest) (ChatStream, error) {
	estimate := tokenestimate.EstimateRequestTokens(req)

	c.mu.Lock()
	c.inFlight++
	c.rpmUsed++
	c.tpmUsed += estimate
	c.mu.Unlock()

	stream, err := c.infer.DoStream(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()

		c.coolDownIfRequired(err)
		return nil, err
	}

	return &accountingStream{
		inner:    stream,
		client:   c,
		estimate: estimate,
	}, nil
}

// accountingStream wraps an inner ChatStream, reconciling provisional
// token accounting against the final usage chunk and decrementing
// in_flight exactly once when the stream terminates (success or error).
type accountingStream struct {
	inner    ChatStream
	client   *runtimeClient
	estimate int
	done     bool
}

func (s *accountingStream) Next() (*types.StreamChunk, error) {
	chunk, err := s.inner.Next()
	if err != nil {
		s.finish(chunk)
		return chunk, err
	}
	if chunk != nil && chunk.Usage != nil {
		s.reconcile(chunk.Usage.TotalTokens)
	}
	return chunk, nil
}

func (s *accountingStream) Close() error {
	s.finish(nil)
	return s.inner.Close()
}

func (s *accountingStream) finish(last *types.StreamChunk) {
	if s.done {
		return
	}
	s.done = true
	if last != nil && last.Usage != nil {
		s.reconcile(last.Usage.TotalTokens)
	}
	s.client.mu.Lock()
	s.client.inFlight--
	s.client.mu.Unlock()
}

func (s *accountingStream) reconcile(actual int) {
	s.client.mu.Lock()
	s.client.tpmUsed += actual - s.estimate
	if s.client.tpmUsed < 0 {
		s.client.tpmUsed = 0
	}
	s.client.mu.Unlock()
	s.estimate = actual
}
