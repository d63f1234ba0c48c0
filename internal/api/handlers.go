package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qsim/internal/cache"
	"qsim/internal/config"
	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/scheduler"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
)

// Handlers serves the backtest, optimization, comparison and schedule
// endpoints
type Handlers struct {
	config *config.Config
	deps   Deps
	logger logger.Logger
}

// NewHandlers creates the API handlers
func NewHandlers(cfg *config.Config, deps Deps, l logger.Logger) *Handlers {
	return &Handlers{config: cfg, deps: deps, logger: logger.OrGlobal(l)}
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

// bind decodes the JSON body; errors are registered on the context
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid request body", "%v", err))
		return false
	}
	return true
}

// series resolves the request's bars
func (h *Handlers) series(in SeriesInput) (*kline.Series, error) {
	if len(in.Bars) > 0 {
		s := kline.NewSeries(in.Symbol, in.Interval, in.Bars)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if in.File == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "series requires bars or a file", nil)
	}
	if err := config.ValidateDataFile(in.File); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid series file", err)
	}
	s, err := scheduler.LoadSeries(h.config.Data.Dir, in.File, in.LastBars)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeMarketDataInvalid, "failed to load series file")
	}
	if in.Interval != "" {
		s.Interval = in.Interval
	}
	return s, nil
}

// Health reports service and cache status
func (h *Handlers) Health(c *gin.Context) {
	cacheStatus := "disabled"
	switch cc := h.deps.Cache.(type) {
	case *cache.CacheManager:
		cacheStatus = "ok"
		if cc.InFallback() {
			cacheStatus = "degraded"
		}
	case *cache.MemoryCache:
		cacheStatus = "memory"
	}

	schedules := 0
	if h.deps.Scheduler != nil {
		schedules = len(h.deps.Scheduler.List())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"version": h.config.App.Version,
		"services": gin.H{
			"cache":     cacheStatus,
			"tasks":     len(h.deps.Orchestrator.ListTasks()),
			"schedules": schedules,
		},
	})
}

// ListStrategies returns the registered strategy templates
func (h *Handlers) ListStrategies(c *gin.Context) {
	ok(c, http.StatusOK, h.deps.Simulator.Registry().List())
}

// GetStrategy returns one strategy template
func (h *Handlers) GetStrategy(c *gin.Context) {
	t, err := h.deps.Simulator.Registry().Get(c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, t)
}

// RunBacktest runs one backtest synchronously
func (h *Handlers) RunBacktest(c *gin.Context) {
	var req BacktestRequest
	if !bind(c, &req) {
		return
	}
	series, err := h.series(req.Series)
	if err != nil {
		_ = c.Error(err)
		return
	}

	sim := h.deps.Simulator
	if req.Config != nil {
		engine, err := backtest.NewEngine(*req.Config, backtest.WithLogger(h.logger), backtest.WithRecorder(h.deps.Metrics))
		if err != nil {
			_ = c.Error(apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid backtest config", err))
			return
		}
		sim = backtest.NewSimulator(engine, sim.Registry())
	}

	result, err := sim.Simulate(c.Request.Context(), series, req.Strategy)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, result)
}

// RunSearch runs a parameter search synchronously
func (h *Handlers) RunSearch(c *gin.Context) {
	var req SearchRequest
	if !bind(c, &req) {
		return
	}
	series, err := h.series(req.Series)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.deps.Searcher.Search(c.Request.Context(), series, req.Strategy, req.SearchConfig(h.config))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if req.Top > 0 {
		trimmed := *result
		trimmed.Results = result.Top(req.Top)
		result = &trimmed
	}
	ok(c, http.StatusOK, result)
}

// StartSearch starts a background parameter search
func (h *Handlers) StartSearch(c *gin.Context) {
	var req SearchRequest
	if !bind(c, &req) {
		return
	}
	series, err := h.series(req.Series)
	if err != nil {
		_ = c.Error(err)
		return
	}

	id, err := h.deps.Orchestrator.StartSearch(series, req.Strategy, req.SearchConfig(h.config))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusAccepted, TaskCreated{TaskID: id, Status: string(optimizer.TaskStatusPending)})
}

// RunWalkForward runs a walk-forward validation synchronously
func (h *Handlers) RunWalkForward(c *gin.Context) {
	var req WalkForwardRequest
	if !bind(c, &req) {
		return
	}
	series, err := h.series(req.Series)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.deps.Validator.Validate(c.Request.Context(), series, req.Strategy, req.SearchConfig(h.config), req.WindowConfig(h.config))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, result)
}

// StartWalkForward starts a background walk-forward validation
func (h *Handlers) StartWalkForward(c *gin.Context) {
	var req WalkForwardRequest
	if !bind(c, &req) {
		return
	}
	series, err := h.series(req.Series)
	if err != nil {
		_ = c.Error(err)
		return
	}

	id, err := h.deps.Orchestrator.StartWalkForward(series, req.Strategy, req.SearchConfig(h.config), req.WindowConfig(h.config))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusAccepted, TaskCreated{TaskID: id, Status: string(optimizer.TaskStatusPending)})
}

// ListTasks returns all background tasks
func (h *Handlers) ListTasks(c *gin.Context) {
	ok(c, http.StatusOK, h.deps.Orchestrator.ListTasks())
}

// GetTask returns one background task
func (h *Handlers) GetTask(c *gin.Context) {
	task, err := h.deps.Orchestrator.GetTask(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, task)
}

// CancelTask requests cancellation of a background task
func (h *Handlers) CancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Orchestrator.CancelTask(id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "cancellation requested for task " + id})
}

// Compare runs several strategies over one series and compares them
func (h *Handlers) Compare(c *gin.Context) {
	var req CompareRequest
	if !bind(c, &req) {
		return
	}
	series, err := h.series(req.Series)
	if err != nil {
		_ = c.Error(err)
		return
	}

	result, err := h.deps.Comparator.Compare(c.Request.Context(), series, req.Strategies)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, result)
}

func (h *Handlers) requireScheduler() (*scheduler.Scheduler, error) {
	if h.deps.Scheduler == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "scheduler is not configured", nil)
	}
	return h.deps.Scheduler, nil
}

// ListSchedules returns the scheduled jobs
func (h *Handlers) ListSchedules(c *gin.Context) {
	if h.deps.Scheduler == nil {
		ok(c, http.StatusOK, []scheduler.Job{})
		return
	}
	ok(c, http.StatusOK, h.deps.Scheduler.List())
}

// GetSchedule returns one scheduled job
func (h *Handlers) GetSchedule(c *gin.Context) {
	s, err := h.requireScheduler()
	if err != nil {
		_ = c.Error(err)
		return
	}
	job, err := s.Get(c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, job)
}

// RunSchedule runs a scheduled job immediately and waits for it
func (h *Handlers) RunSchedule(c *gin.Context) {
	s, err := h.requireScheduler()
	if err != nil {
		_ = c.Error(err)
		return
	}
	record, err := s.RunNow(c.Request.Context(), c.Param("name"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, record)
}
