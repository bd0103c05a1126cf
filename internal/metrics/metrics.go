// Package metrics provides Prometheus instrumentation for the tokengate fleet.
package metrics

import (
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
			Namespace: "tokengate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LockDecisionsTotal counts reservation lock attempts by budget group
	// and outcome (allowed, denied_tokens, denied_requests, invalid).
	LockDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "lock_decisions_total",
			Help:      "Reservation lock decisions by budget group and outcome.",
		},
		[]string{"group", "outcome"},
	)

	// WindowRollsTotal counts tumbling-window resets per budget.
	WindowRollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "window_rolls_total",
			Help:      "Budget window roll-overs by budget kind.",
		},
		[]string{"budget"},
	)

	// ReclaimedReservationsTotal counts reservations discarded at window
	// roll-over because the client never reported or released them.
	ReclaimedReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "reclaimed_reservations_total",
			Help:      "Reservations discarded at window roll-over by budget kind.",
		},
		[]string{"budget"},
	)

	// OvercommitTotal counts reports whose actual usage exceeded the
	// reservation. Chronic growth here means client-side estimation is
	// running low and windows are being transiently oversubscribed.
	OvercommitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "budget_overcommit_total",
			Help:      "Reports exceeding their reservation by budget kind.",
		},
		[]string{"budget"},
	)

	// BudgetLimit publishes the configured per-minute limit per budget.
	BudgetLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tokengate",
			Name:      "budget_limit",
			Help:      "Configured per-minute limit by budget kind.",
		},
		[]string{"budget"},
	)

	// BudgetCommitted tracks usage reported in the current window.
	BudgetCommitted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tokengate",
			Name:      "budget_committed",
			Help:      "Usage committed in the current window by budget kind.",
		},
		[]string{"budget"},
	)

	// BudgetHeld tracks outstanding reservations in the current window.
	BudgetHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tokengate",
			Name:      "budget_held",
			Help:      "Outstanding reservations in the current window by budget kind.",
		},
		[]string{"budget"},
	)

	// CoordinatorWaits observes how long workers sleep waiting for a
	// window to roll after a quota denial.
	CoordinatorWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Name:      "coordinator_wait_seconds",
			Help:      "Backoff coordinator sleep durations by budget group.",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"group"},
	)

	// WorkerMessagesTotal counts processed queue messages by outcome
	// (settled, abandoned, decode_error).
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "worker_messages_total",
			Help:      "Queue messages processed by outcome.",
		},
		[]string{"outcome"},
	)

	// ProviderCallDuration observes provider API latency by operation.
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokengate",
			Name:      "provider_call_duration_seconds",
			Help:      "Provider API call duration by operation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokengate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LockDecisionsTotal,
		WindowRollsTotal,
		ReclaimedReservationsTotal,
		OvercommitTotal,
		BudgetLimit,
		BudgetCommitted,
		BudgetHeld,
		CoordinatorWaits,
		WorkerMessagesTotal,
		ProviderCallDuration,
		GoroutineCount,
	)
}

// StartRuntimeCollector samples runtime gauges on an interval until stop
// is closed.
func StartRuntimeCollector(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				GoroutineCount.Set(float64(runtime.NumGoroutine()))
			case <-stop:
				return
			}
		}
	}()
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
