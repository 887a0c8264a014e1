// Package metrics provides the Switchboard's Prometheus instrumentation.
// Grounded on internal/metrics/deployment.go and prometheus.go's
// promauto-registered vector pattern under one package-wide namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opsflow/switchboard/internal/selector"
)

const namespace = "switchboard"

var (
	// RequestsTotal counts completion requests by deployment, model, and
	// terminal status ("success" or "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total completion requests handled, by deployment, model, and status",
		},
		[]string{"deployment", "model", "status"},
	)

	// RequestDuration tracks request latency by deployment, model, and
	// status. For streaming requests this observes TTFB (time to the first
	// chunk) and total (time to stream close) as separate observations.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Completion request latency in seconds, by deployment, model, and status",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"deployment", "model", "status"},
	)

	// TokensTotal accumulates reconciled token usage by deployment, model,
	// and kind ("prompt", "completion", or "cached").
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens accounted, by deployment, model, and kind",
		},
		[]string{"deployment", "model", "kind"},
	)

	// RPMUtilization reports each deployment's current request-per-minute
	// utilization fraction.
	RPMUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpm_utilization",
			Help:      "Current request-rate utilization fraction, by deployment",
		},
		[]string{"deployment"},
	)

	// TPMUtilization reports each deployment's current token-per-minute
	// utilization fraction.
	TPMUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tpm_utilization",
			Help:      "Current token-rate utilization fraction, by deployment",
		},
		[]string{"deployment"},
	)

	// DeploymentHealthy is 1 while a deployment is selectable, 0 while
	// cooling down or otherwise unhealthy.
	DeploymentHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployment_healthy",
			Help:      "Whether a deployment is currently selectable (1) or not (0)",
		},
		[]string{"deployment"},
	)

	// SessionAffinityEventsTotal counts session-affinity hits, misses, and
	// rebinds, observed by the selection engine.
	SessionAffinityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_affinity_events_total",
			Help:      "Total session affinity outcomes, by event type",
		},
		[]string{"event"},
	)
)

// RecordAffinityEvent increments session_affinity_events_total for event.
// Sink forwards selector.MetricsSink calls here.
func RecordAffinityEvent(event selector.AffinityEvent) {
	SessionAffinityEventsTotal.WithLabelValues(string(event)).Inc()
}

// Sink adapts the package-level affinity counter to selector.MetricsSink,
// so a Selector can be constructed with metrics.Sink{} instead of reaching
// for package-level functions directly.
type Sink struct{}

func (Sink) RecordAffinityEvent(event selector.AffinityEvent) {
	RecordAffinityEvent(event)
}

// RecordRequest records the terminal outcome of one completion attempt
// against a single deployment and model, along with its latency.
func RecordRequest(deployment, model, status string, durationSeconds float64) {
	RequestsTotal.WithLabelValues(deployment, model, status).Inc()
	RequestDuration.WithLabelValues(deployment, model, status).Observe(durationSeconds)
}

// ObserveDuration records a single request_duration_seconds sample without
// incrementing requests_total. Used for a streamed request's TTFB sample,
// which precedes the terminal outcome RecordRequest later records at stream
// close.
func ObserveDuration(deployment, model, status string, durationSeconds float64) {
	RequestDuration.WithLabelValues(deployment, model, status).Observe(durationSeconds)
}

// RecordTokens records reconciled prompt, completion, and cached token
// counts for one completed request.
func RecordTokens(deployment, model string, promptTokens, completionTokens, cachedTokens int) {
	if promptTokens > 0 {
		TokensTotal.WithLabelValues(deployment, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		TokensTotal.WithLabelValues(deployment, model, "completion").Add(float64(completionTokens))
	}
	if cachedTokens > 0 {
		TokensTotal.WithLabelValues(deployment, model, "cached").Add(float64(cachedTokens))
	}
}

// RecordDeploymentState mirrors one deployment's current utilization and
// health gauges. Called by the supervisor's health loop after every probe
// sweep, so the gauges track point-in-time state rather than per-request
// events.
func RecordDeploymentState(deployment string, rpmUtil, tpmUtil float64, healthy bool) {
	RPMUtilization.WithLabelValues(deployment).Set(rpmUtil)
	TPMUtilization.WithLabelValues(deployment).Set(tpmUtil)
	h := 0.0
	if healthy {
		h = 1.0
	}
	DeploymentHealthy.WithLabelValues(deployment).Set(h)
}
