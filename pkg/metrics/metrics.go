package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KernelUptimeSeconds reports how long the daemon has been running,
	// refreshed every five seconds by the daemon's uptime reporter.
	KernelUptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_uptime_seconds",
			Help: "Seconds since the kernel daemon started",
		},
	)

	// KernelTicksTotal counts scheduler cycles per drive, regardless of
	// outcome (success, failure, or brake-blocked).
	KernelTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_ticks_total",
			Help: "Total scheduler ticks by drive",
		},
		[]string{"drive"},
	)

	// KernelTickFailuresTotal counts ticks whose drive function returned
	// an error or was skipped because of an engaged parking brake.
	KernelTickFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_tick_failures_total",
			Help: "Total failed or brake-blocked scheduler ticks by drive and reason",
		},
		[]string{"drive", "reason"},
	)

	// KernelTickDuration times a single drive's execution.
	KernelTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_tick_duration_seconds",
			Help:    "Drive execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"drive"},
	)

	// KernelPendingNudges tracks the current backlog of unacknowledged
	// nudges, sampled by the self_check drive.
	KernelPendingNudges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_pending_nudges",
			Help: "Number of nudges awaiting a status other than pending",
		},
	)

	// KernelBrakeEngaged mirrors the parking brake's current state, one
	// series per scope, 1 when that scope is blocked.
	KernelBrakeEngaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_brake_engaged",
			Help: "Whether the parking brake currently blocks a scope (1) or not (0)",
		},
		[]string{"scope"},
	)

	// KernelFTSSearchDuration times full-text search queries, labeled by
	// whether bm25 ranking or the matchinfo fallback was used.
	KernelFTSSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_fts_search_duration_seconds",
			Help:    "FTS search duration in seconds by ranking strategy",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(
		KernelUptimeSeconds,
		KernelTicksTotal,
		KernelTickFailuresTotal,
		KernelTickDuration,
		KernelPendingNudges,
		KernelBrakeEngaged,
		KernelFTSSearchDuration,
	)
}

// Handler returns the Prometheus HTTP handler for the public /metrics
// surface.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InternalHandler returns the same handler for the /internal/metrics
// surface gated by METRICS_INTERNAL_ONLY; callers decide whether to
// mount it based on that environment toggle.
func InternalHandler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
