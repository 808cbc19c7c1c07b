// Package metrics exposes the kernel's Prometheus surface: uptime,
// per-drive tick counters and durations, pending-nudge backlog, and
// parking-brake state. Handler and InternalHandler serve the same
// registry; the daemon mounts InternalHandler at /internal/metrics when
// METRICS_INTERNAL_ONLY is set (leaving /metrics unmounted) and Handler
// at /metrics otherwise.
package metrics
