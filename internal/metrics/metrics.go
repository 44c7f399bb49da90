package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedRoute = "unmatched"

// Outcome labels shared by the counters below.
const (
	OutcomeApplied   = "applied"
	OutcomeSkipped   = "skipped"
	OutcomeLocal     = "local"
	OutcomeRemote    = "remote"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomePaired    = "paired"
	OutcomeRejected  = "rejected"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_http_requests_total",
			Help: "Total number of HTTP requests processed by the peerchat API.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peerchat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	logEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_log_entries_total",
			Help: "Log entries folded into room views, by outcome.",
		},
		[]string{"outcome"},
	)
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_downloads_total",
			Help: "Attachment downloads, by outcome.",
		},
		[]string{"outcome"},
	)
	blobBytesStreamed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peerchat_blob_bytes_streamed_total",
			Help: "Blob bytes received from remote peers.",
		},
	)
	pairingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerchat_pairing_requests_total",
			Help: "Pairing requests answered by members, by outcome.",
		},
		[]string{"outcome"},
	)
	openRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerchat_open_rooms",
			Help: "Number of rooms with a running replica.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		logEntriesTotal,
		downloadsTotal,
		blobBytesStreamed,
		pairingsTotal,
		openRooms,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per route.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncLogEntries(outcome string, count int) {
	if count <= 0 {
		return
	}
	logEntriesTotal.WithLabelValues(outcome).Add(float64(count))
}

func IncDownload(outcome string) {
	downloadsTotal.WithLabelValues(outcome).Inc()
}

func AddStreamedBytes(count int) {
	if count <= 0 {
		return
	}
	blobBytesStreamed.Add(float64(count))
}

func IncPairing(outcome string) {
	pairingsTotal.WithLabelValues(outcome).Inc()
}

func IncOpenRooms() {
	openRooms.Inc()
}

func DecOpenRooms() {
	openRooms.Dec()
}
