// Package metrics provides Prometheus instrumentation for the marketplace core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "akatua",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookEventsTotal counts inbound gateway webhook events by type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "webhook_events_total",
			Help:      "Inbound gateway webhook events by event type and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// PaymentsSettledTotal counts payments settled via webhook by result.
	PaymentsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "payments_settled_total",
			Help:      "Payments settled by result (success, failed, duplicate).",
		},
		[]string{"result"},
	)

	// AmountMismatchTotal counts webhooks rejected for amount mismatch.
	AmountMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "akatua",
		Name:      "webhook_amount_mismatch_total",
		Help:      "Webhooks whose reported amount did not reconcile with order totals.",
	})

	// EscrowsCreatedTotal counts escrows opened after successful payment.
	EscrowsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "akatua",
		Name:      "escrows_created_total",
		Help:      "Total escrows created.",
	})

	// EscrowReleasesTotal counts escrow release attempts by trigger and result.
	EscrowReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "escrow_releases_total",
			Help:      "Escrow release attempts by trigger (buyer_confirmation, auto_timer) and result.",
		},
		[]string{"trigger", "result"},
	)

	// EscrowHeldDuration observes time from escrow creation to terminal state.
	EscrowHeldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "akatua",
		Name:      "escrow_held_duration_seconds",
		Help:      "Time funds stayed in escrow before release or refund.",
		Buckets:   []float64{3600, 21600, 86400, 172800, 259200, 345600, 432000, 604800},
	})

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "disputes_total",
			Help:      "Dispute lifecycle events (opened, resolved, cancelled, manual_refund).",
		},
		[]string{"event"},
	)

	// OrderTransitionsTotal counts order state machine transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "order_transitions_total",
			Help:      "Accepted order status transitions.",
		},
		[]string{"from", "to"},
	)

	// GatewayCallsTotal counts outbound gateway calls by operation and result.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "gateway_calls_total",
			Help:      "Outbound payment gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// SchedulerSweepsTotal counts release scheduler sweeps.
	SchedulerSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "akatua",
		Name:      "scheduler_sweeps_total",
		Help:      "Total escrow release scheduler sweeps.",
	})

	// NotificationsTotal counts notification dispatch attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "akatua",
			Name:      "notifications_total",
			Help:      "Notification dispatch attempts by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "akatua", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "akatua", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "akatua", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// ActiveWebSocketClients tracks connected ops feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "akatua", Name: "websocket_clients",
		Help: "Currently connected websocket clients.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "akatua", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsTotal,
		PaymentsSettledTotal,
		AmountMismatchTotal,
		EscrowsCreatedTotal,
		EscrowReleasesTotal,
		EscrowHeldDuration,
		DisputesTotal,
		OrderTransitionsTotal,
		GatewayCallsTotal,
		SchedulerSweepsTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
