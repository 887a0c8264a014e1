package switchboard

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opsflow/switchboard/internal/deployment"
)

// settings holds all configuration for a Switchboard instance, assembled
// from functional options over sensible defaults. Grounded on the
// teacher's ClientConfig/defaultConfig/Option pattern in options.go.
type settings struct {
	healthcheckInterval time.Duration
	ratelimitWindow     time.Duration
	sessionCapacity     int
	maxAttempts         int
	innerMaxAttempts    int
	clientFactory       deployment.ClientFactory
	logger              *slog.Logger
	tracer              trace.Tracer
	autoStart           bool
}

// defaultSettings returns the baseline tuning: a 10s healthcheck interval,
// a 60s rate-limit window, a 1024-entry session map, and 3 outer attempts.
// innerMaxAttempts is left at zero so each deployment falls back to
// internal/deployment's own default unless overridden.
func defaultSettings() *settings {
	return &settings{
		healthcheckInterval: 10 * time.Second,
		ratelimitWindow:     60 * time.Second,
		sessionCapacity:     1024,
		maxAttempts:         3,
		clientFactory:       deployment.NewAzureClient,
		logger:              slog.Default(),
		autoStart:           true,
	}
}

// Option configures a Switchboard at construction time.
type Option func(*settings)

// WithHealthcheckInterval sets how often the background supervisor probes
// every deployment.
func WithHealthcheckInterval(d time.Duration) Option {
	return func(s *settings) { s.healthcheckInterval = d }
}

// WithRatelimitWindow sets how often per-deployment usage counters reset.
// Zero disables the reset loop: counters accumulate without reset.
func WithRatelimitWindow(d time.Duration) Option {
	return func(s *settings) { s.ratelimitWindow = d }
}

// WithSessionCapacity sets the session-affinity map's entry capacity.
func WithSessionCapacity(n int) Option {
	return func(s *settings) { s.sessionCapacity = n }
}

// WithMaxAttempts sets the outer retry/failover loop's attempt bound.
func WithMaxAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// WithInnerMaxAttempts sets each deployment's own transient-retry loop
// bound, distinct from the outer failover attempt count set by
// WithMaxAttempts. Applied to every deployment at construction time unless
// a deployment's Config already specifies MaxInnerAttempts explicitly.
func WithInnerMaxAttempts(n int) Option {
	return func(s *settings) { s.innerMaxAttempts = n }
}

// WithClientFactory overrides how deployment clients are constructed,
// substituting a fake InferenceClient in tests or demos.
func WithClientFactory(factory deployment.ClientFactory) Option {
	return func(s *settings) { s.clientFactory = factory }
}

// WithLogger sets the structured logger used throughout Switchboard.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithTracer sets the OpenTelemetry tracer used to annotate completion
// spans. If unset, a default no-exporter tracer is created internally.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) { s.tracer = tracer }
}

// WithAutoStart controls whether New starts the background supervisor
// automatically. Defaults to true; set false to call Start explicitly.
func WithAutoStart(enabled bool) Option {
	return func(s *settings) { s.autoStart = enabled }
}
