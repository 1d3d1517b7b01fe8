package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	Decisions          *prometheus.CounterVec
	Resolutions        *prometheus.CounterVec
	ApprovalLatency    prometheus.Histogram
	DispatchDuration   *prometheus.HistogramVec
	PendingApprovals   prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	RateLimitRejects   prometheus.Counter
	OfflineResults     prometheus.Counter
	OfflineDrains      prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentpass",
				Name:      "requests_total",
				Help:      "Total agent channel requests processed",
			},
			[]string{"method", "status"}, // method=tool_request/..., status=ok/error
		),
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentpass",
				Name:      "policy_decisions_total",
				Help:      "Total policy decisions",
			},
			[]string{"decision"}, // ALLOW/ASK/DENY
		),
		Resolutions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentpass",
				Name:      "resolutions_total",
				Help:      "Total terminal request resolutions",
			},
			[]string{"resolution"},
		),
		ApprovalLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentpass",
				Name:      "approval_latency_seconds",
				Help:      "Time from approval prompt to guardian decision",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
		),
		DispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentpass",
				Name:      "dispatch_duration_seconds",
				Help:      "Service dispatch duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentpass",
				Name:      "pending_approvals",
				Help:      "Number of approvals currently waiting",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentpass",
				Name:      "active_sessions",
				Help:      "Number of connected agent sessions",
			},
		),
		RateLimitRejects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentpass",
				Name:      "rate_limit_rejects_total",
				Help:      "Requests rejected by the auto-allow budget or pending quota",
			},
		),
		OfflineResults: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentpass",
				Name:      "offline_results_total",
				Help:      "Results queued for disconnected agents",
			},
		),
		OfflineDrains: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentpass",
				Name:      "offline_drains_total",
				Help:      "get_pending_results drains served",
			},
		),
	}
}
