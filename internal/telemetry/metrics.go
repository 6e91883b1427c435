package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the admin/operator
// surface. Shared across every mounted handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "reactorhub",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// LockAcquisitionsTotal counts distributed lock acquire attempts by outcome
// ("acquired", "held", "error").
var LockAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reactorhub",
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Total distributed lock acquisition attempts by outcome.",
	},
	[]string{"outcome"},
)

// ElectionState reports 1 when this instance currently holds leadership for
// the named election, 0 otherwise.
var ElectionState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "reactorhub",
		Subsystem: "election",
		Name:      "is_leader",
		Help:      "1 if this instance holds leadership for the named election.",
	},
	[]string{"election"},
)

// CronExecutionsTotal counts cron tick executions by schedule and outcome
// ("run", "skipped_not_leader", "skipped_deduplicated").
var CronExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reactorhub",
		Subsystem: "cron",
		Name:      "executions_total",
		Help:      "Total cron tick executions by schedule and outcome.",
	},
	[]string{"schedule", "outcome"},
)

// RetryQueueDepth reports the current number of pending items in the retry
// queue.
var RetryQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "reactorhub",
		Subsystem: "retryqueue",
		Name:      "depth",
		Help:      "Current number of pending items in the retry queue.",
	},
)

// WebhookDeliveriesTotal counts webhook delivery attempts by outcome
// ("success", "failure", "exhausted").
var WebhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reactorhub",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by outcome.",
	},
	[]string{"subscription", "outcome"},
)

// WebhookDeliveryDuration tracks webhook delivery attempt latency.
var WebhookDeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "reactorhub",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook delivery attempt duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"subscription"},
)

// SandboxExecutionsTotal counts script sandbox runs by outcome
// ("success", "error", "timeout").
var SandboxExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reactorhub",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Total script sandbox executions by outcome.",
	},
	[]string{"outcome"},
)

// SandboxExecutionDuration tracks script sandbox execution wall-clock time.
var SandboxExecutionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "reactorhub",
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Script sandbox execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
)

// RateLimitedTotal counts requests rejected by the rate limiter, by key
// scope ("webhook", "sandbox").
var RateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reactorhub",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total requests rejected by the rate limiter, by scope.",
	},
	[]string{"scope"},
)

// All returns every reactorhub-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		LockAcquisitionsTotal,
		ElectionState,
		CronExecutionsTotal,
		RetryQueueDepth,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		SandboxExecutionsTotal,
		SandboxExecutionDuration,
		RateLimitedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
