// Package supervisor implements the Background Supervisor: two
// independent, cancellable periodic loops that probe deployment health
// and roll the rate-limit accounting window.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsflow/switchboard/internal/deployment"
	"github.com/opsflow/switchboard/internal/metrics"
)

// ClientLister supplies the current set of deployment clients. The
// selector satisfies this.
type ClientLister interface {
	Clients() []deployment.Client
}

// Config controls the supervisor's two loop intervals.
type Config struct {
	// HealthcheckInterval is how often every deployment is probed.
	HealthcheckInterval time.Duration
	// RatelimitWindow is how often usage counters are reset. Zero
	// disables the reset loop entirely: counters then accumulate without
	// reset, a deliberately testable behavior (spec scenario S6).
	RatelimitWindow time.Duration
}

// Supervisor runs the health-probe loop and the usage-reset loop for one
// Switchboard instance. Grounded on internal/healthcheck/prober.go's
// ticker-driven loop with an immediate first run and context cancellation;
// the usage-reset loop is a second, structurally identical loop.
type Supervisor struct {
	cfg     Config
	lister  ClientLister
	logger  *slog.Logger
	started atomic.Bool

	wg sync.WaitGroup
}

// New creates a Supervisor. If logger is nil, slog.Default() is used.
func New(cfg Config, lister ClientLister, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, lister: lister, logger: logger}
}

// Start launches both loops until ctx is canceled. Idempotent: calling
// Start twice on an already-started supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	if s.cfg.HealthcheckInterval > 0 {
		s.wg.Add(1)
		go s.healthLoop(ctx)
	}
	if s.cfg.RatelimitWindow > 0 {
		s.wg.Add(1)
		go s.resetLoop(ctx)
	}
}

// Stop blocks until both loops have observed cancellation and returned.
// Callers cancel the context passed to Start and then call Stop.
func (s *Supervisor) Stop() {
	s.wg.Wait()
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthcheckInterval)
	defer ticker.Stop()

	s.probeAll(ctx)
	s.recordState()
	for {
		select {
		case <-ticker.C:
			s.probeAll(ctx)
			s.recordState()
		case <-ctx.Done():
			s.logger.Info("health probe loop stopped")
			return
		}
	}
}

func (s *Supervisor) probeAll(ctx context.Context) {
	clients := s.lister.Clients()
	var wg sync.WaitGroup
	for _, c := range clients {
		if ctx.Err() != nil {
			return
		}
		// Probes are skipped for deployments still within cooldown:
		// Healthy() returns false while cooling down, but a probe would
		// still dial the endpoint, so check explicitly via Utilization
		// rather than dispatching a wasted probe.
		if c.Utilization() >= 1 && !c.Healthy() {
			continue
		}
		wg.Add(1)
		go func(client deployment.Client) {
			defer wg.Done()
			if err := client.Probe(ctx); err != nil {
				s.logger.Debug("probe failed", "deployment", client.Name(), "error", err)
			}
		}(c)
	}
	wg.Wait()
}

// recordState mirrors every deployment's current utilization and health
// into the rpm_utilization/tpm_utilization/deployment_healthy gauges, right
// after a probe sweep so the gauges reflect freshly-probed state rather
// than stale data between ticks.
func (s *Supervisor) recordState() {
	for _, c := range s.lister.Clients() {
		snap := c.Snapshot()

		var rpmUtil, tpmUtil float64
		if snap.RPMRatelimit > 0 {
			rpmUtil = float64(snap.RPMUsed) / float64(snap.RPMRatelimit)
		}
		if snap.TPMRatelimit > 0 {
			tpmUtil = float64(snap.TPMUsed) / float64(snap.TPMRatelimit)
		}

		metrics.RecordDeploymentState(snap.Name, rpmUtil, tpmUtil, snap.Healthy)
	}
}

func (s *Supervisor) resetLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RatelimitWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, c := range s.lister.Clients() {
				c.ResetUsage()
			}
		case <-ctx.Done():
			s.logger.Info("usage reset loop stopped")
			return
		}
	}
}
