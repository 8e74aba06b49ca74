// Package metrics provides Prometheus instrumentation for the session store.
// It exposes counters and latency histograms for backend round trips, gauges
// for locally held sessions, and counters for session lifecycle events.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StoreOpsTotal counts backend operations, labeled by op and result:
	// "ok", "miss" or "error".
	StoreOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvsessions_store_ops_total",
		Help: "Total number of key-value backend operations",
	}, []string{"op", "result"})

	// StoreLatency records backend round trip latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvsessions_store_latency_seconds",
		Help:    "Key-value backend round trip latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// ActiveSessions tracks sessions held in memory, per context.
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvsessions_active_sessions",
		Help: "Current number of sessions held locally",
	}, []string{"context"})

	// SessionEventsTotal counts session lifecycle events by type:
	// "created", "invalidated", "expired", "renewed".
	SessionEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvsessions_session_events_total",
		Help: "Total number of session lifecycle events",
	}, []string{"type"})

	// ScavengeDuration records how long a full scavenge sweep took.
	ScavengeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvsessions_scavenge_duration_seconds",
		Help:    "Duration of a scavenge sweep in seconds",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10},
	})

	// ScavengedTotal counts ids expired by the scavenger.
	ScavengedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvsessions_scavenged_total",
		Help: "Total number of session ids expired by the scavenger",
	})

	// CodecErrorsTotal counts persisted records that could not be decoded.
	CodecErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvsessions_codec_errors_total",
		Help: "Total number of records that failed to encode or decode",
	}, []string{"op"})

	// ClusterEventsTotal counts events exchanged with other nodes, labeled
	// by direction ("sent", "received", "dropped").
	ClusterEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvsessions_cluster_events_total",
		Help: "Total number of session events exchanged with other nodes",
	}, []string{"direction"})

	// RateLimitedTotal counts session creations rejected by the limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvsessions_rate_limited_total",
		Help: "Total number of session creations rejected by rate limiting",
	})
)

func init() {
	prometheus.MustRegister(
		StoreOpsTotal,
		StoreLatency,
		ActiveSessions,
		SessionEventsTotal,
		ScavengeDuration,
		ScavengedTotal,
		CodecErrorsTotal,
		ClusterEventsTotal,
		RateLimitedTotal,
	)
}

// ObserveStoreOp records one backend call that started at start.
func ObserveStoreOp(op string, start time.Time, err error, hit bool) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !hit:
		result = "miss"
	}
	StoreOpsTotal.WithLabelValues(op, result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
