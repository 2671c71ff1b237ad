// Package metrics provides process-wide Prometheus instrumentation: HTTP
// request metrics, database pool stats and the /metrics handler. Domain
// packages register their own collectors next to the code they measure.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "safetrade"

// ErrorCodeKey is the gin context key under which error responders store
// the machine-readable error code.
const ErrorCodeKey = "error_code"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	requestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})

	responseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "HTTP response body size by route.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
	}, []string{"route"})

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "business_errors_total",
		Help:      "Requests rejected with a 4xx business error, by error code.",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, responseBytes, inFlight, rejectedTotal)
}

// RegisterDB exports connection pool stats for db. Registering the same
// pool twice is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count, latency, size and business error codes.
// Routes are labelled by pattern to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method

		inFlight.Inc()
		timer := prometheus.NewTimer(requestSeconds.WithLabelValues(method, route))
		defer func() {
			timer.ObserveDuration()
			inFlight.Dec()
		}()

		c.Next()

		status := c.Writer.Status()
		requestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
		if size := c.Writer.Size(); size > 0 {
			responseBytes.WithLabelValues(route).Observe(float64(size))
		}
		if status >= 400 && status < 500 {
			if code := c.GetString(ErrorCodeKey); code != "" {
				rejectedTotal.WithLabelValues(code).Inc()
			}
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps a status code to "2xx", "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
