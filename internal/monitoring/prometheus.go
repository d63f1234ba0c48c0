package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "qsim/internal/errors"
)

// Status label values
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec

	backtestsTotal   *prometheus.CounterVec
	backtestDuration *prometheus.HistogramVec
	backtestTrades   *prometheus.HistogramVec

	searchesTotal     *prometheus.CounterVec
	searchDuration    *prometheus.HistogramVec
	searchEvaluations *prometheus.CounterVec
	searchFailures    *prometheus.CounterVec

	walkForwardsTotal   *prometheus.CounterVec
	walkForwardSegments *prometheus.HistogramVec

	scheduledRuns     *prometheus.CounterVec
	scheduledTriggers *prometheus.CounterVec

	alertsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh registry with the Go and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		backtestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtests_total",
				Help: "Total number of backtest runs",
			},
			[]string{"strategy", "status"},
		),
		backtestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backtest_duration_seconds",
				Help:    "Backtest run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"strategy"},
		),
		backtestTrades: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backtest_trades",
				Help:    "Number of closed trades per backtest run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"strategy"},
		),
		searchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimization_tasks_total",
				Help: "Total number of parameter searches",
			},
			[]string{"method", "status"},
		),
		searchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "optimization_duration_seconds",
				Help:    "Parameter search duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"method"},
		),
		searchEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimization_evaluations_total",
				Help: "Total number of parameter combinations evaluated",
			},
			[]string{"method"},
		),
		searchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optimization_failures_total",
				Help: "Total number of parameter combinations that failed to simulate",
			},
			[]string{"method"},
		),
		walkForwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walkforward_runs_total",
				Help: "Total number of walk-forward validations",
			},
			[]string{"strategy", "status"},
		),
		walkForwardSegments: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walkforward_segments",
				Help:    "Number of completed segments per walk-forward validation",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
			[]string{"strategy"},
		),
		scheduledRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduled_runs_total",
				Help: "Total number of scheduled revalidation runs",
			},
			[]string{"job", "status"},
		),
		scheduledTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduled_triggers_total",
				Help: "Total number of scheduled runs that tripped the re-optimization trigger",
			},
			[]string{"job"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_sent_total",
				Help: "Total number of alert deliveries",
			},
			[]string{"channel", "status"},
		),
	}

	// Register metrics
	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.backtestsTotal,
		m.backtestDuration,
		m.backtestTrades,
		m.searchesTotal,
		m.searchDuration,
		m.searchEvaluations,
		m.searchFailures,
		m.walkForwardsTotal,
		m.walkForwardSegments,
		m.scheduledRuns,
		m.scheduledTriggers,
		m.alertsTotal,
	)

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		// Track in-flight requests
		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case apperrors.IsCancelled(err):
		return StatusCancelled
	default:
		return StatusError
	}
}

// RecordBacktest records one backtest run
func (m *Metrics) RecordBacktest(strategy string, duration time.Duration, trades int, err error) {
	if m == nil {
		return
	}
	m.backtestsTotal.WithLabelValues(strategy, status(err)).Inc()
	m.backtestDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	if err == nil {
		m.backtestTrades.WithLabelValues(strategy).Observe(float64(trades))
	}
}

// RecordSearch records one parameter search
func (m *Metrics) RecordSearch(method string, evaluations, failures int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.searchesTotal.WithLabelValues(method, status(err)).Inc()
	m.searchDuration.WithLabelValues(method).Observe(duration.Seconds())
	m.searchEvaluations.WithLabelValues(method).Add(float64(evaluations))
	m.searchFailures.WithLabelValues(method).Add(float64(failures))
}

// RecordWalkForward records one walk-forward validation
func (m *Metrics) RecordWalkForward(strategy string, segments int, _ time.Duration, err error) {
	if m == nil {
		return
	}
	m.walkForwardsTotal.WithLabelValues(strategy, status(err)).Inc()
	m.walkForwardSegments.WithLabelValues(strategy).Observe(float64(segments))
}

// RecordScheduledRun records one scheduled revalidation
func (m *Metrics) RecordScheduledRun(job string, triggered bool, err error) {
	if m == nil {
		return
	}
	m.scheduledRuns.WithLabelValues(job, status(err)).Inc()
	if triggered {
		m.scheduledTriggers.WithLabelValues(job).Inc()
	}
}

// RecordAlert records one alert delivery
func (m *Metrics) RecordAlert(channel string, err error) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(channel, status(err)).Inc()
}
