package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	govRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	govRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "govledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	govLedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_ledger_appends_total",
		Help: "Total envelopes appended by event type.",
	}, []string{"event_type"})

	govEpochsSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govledger_epochs_sealed_total",
		Help: "Total Merkle epochs sealed.",
	})

	govEpochEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "govledger_epoch_events",
		Help:    "Number of envelopes per sealed epoch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	govHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "govledger_halted",
		Help: "1 while the system is halted, by halt reason.",
	}, []string{"reason"})

	govOrphansResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govledger_orphans_resolved_total",
		Help: "Total two-phase intents auto-failed by the orphan scanner.",
	})

	govWitnessGapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_witness_gaps_total",
		Help: "Total witness-gap violations emitted by kind.",
	}, []string{"kind"})

	govIntegrityIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govledger_integrity_issues_total",
		Help: "Total integrity issues found by source and kind.",
	}, []string{"source", "kind"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		govRequestsTotal.WithLabelValues(method, path, status).Inc()
		govRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records an appended envelope.
func RecordLedgerAppend(eventType string) {
	govLedgerAppendsTotal.WithLabelValues(eventType).Inc()
}

// RecordEpochSealed records a sealed epoch.
func RecordEpochSealed(ep *epoch.Epoch) {
	govEpochsSealedTotal.Inc()
	govEpochEvents.Observe(float64(ep.EventCount))
}

// RecordHalt sets the halt gauge from a status.
func RecordHalt(s halt.Status) {
	if s.IsHalted {
		govHalted.WithLabelValues(string(s.Reason)).Set(1)
	}
}

// RecordOrphanResolved records an orphaned intent auto-failed by the scanner.
func RecordOrphanResolved() {
	govOrphansResolvedTotal.Inc()
}

// RecordWitnessGap records an emitted witness-gap violation.
func RecordWitnessGap(kind string) {
	govWitnessGapsTotal.WithLabelValues(kind).Inc()
}

// IntegrityIssueRecorder returns a callback counting issues under source,
// e.g. "watchdog" or "verification".
func IntegrityIssueRecorder(source string) func(ledger.IssueKind) {
	return func(kind ledger.IssueKind) {
		govIntegrityIssuesTotal.WithLabelValues(source, string(kind)).Inc()
	}
}
