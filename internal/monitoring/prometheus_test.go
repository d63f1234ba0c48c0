package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"qsim/internal/alerting"
	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
)

var (
	_ backtest.Recorder             = (*Metrics)(nil)
	_ optimizer.SearchRecorder      = (*Metrics)(nil)
	_ optimizer.WalkForwardRecorder = (*Metrics)(nil)
	_ alerting.Recorder             = (*Metrics)(nil)
)

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBacktest("ma_crossover", time.Millisecond, 4, nil)
	m.RecordBacktest("ma_crossover", time.Millisecond, 0, errors.New("boom"))
	m.RecordSearch("grid", 9, 2, time.Second, nil)
	m.RecordSearch("grid", 3, 0, time.Second, apperrors.New(apperrors.ErrCodeCancelled, "search cancelled", nil))
	m.RecordWalkForward("ma_crossover", 4, time.Second, nil)
	m.RecordScheduledRun("nightly", true, nil)
	m.RecordAlert("slack", nil)
	m.RecordAlert("slack", errors.New("status 500"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backtestsTotal.WithLabelValues("ma_crossover", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backtestsTotal.WithLabelValues("ma_crossover", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues("grid", StatusCancelled)))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.searchEvaluations.WithLabelValues("grid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.searchFailures.WithLabelValues("grid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.walkForwardsTotal.WithLabelValues("ma_crossover", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduledTriggers.WithLabelValues("nightly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsTotal.WithLabelValues("slack", StatusError)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBacktest("x", time.Second, 1, nil)
		m.RecordSearch("grid", 1, 0, time.Second, nil)
		m.RecordWalkForward("x", 1, time.Second, nil)
		m.RecordScheduledRun("x", false, nil)
		m.RecordAlert("x", nil)
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(nil)

	router := gin.New()
	router.Use(m.MetricsMiddleware())
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, "/ok", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiErrorsTotal.WithLabelValues("unmatched", "client_error")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "http_requests_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
