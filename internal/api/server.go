package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"qsim/internal/analysis/comparison"
	"qsim/internal/cache"
	"qsim/internal/config"
	"qsim/internal/logger"
	"qsim/internal/middleware"
	"qsim/internal/monitoring"
	"qsim/internal/scheduler"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
)

// Deps are the services exposed over HTTP. Scheduler, Cache and Metrics are
// optional.
type Deps struct {
	Simulator    *backtest.Simulator
	Searcher     *optimizer.Searcher
	Validator    *optimizer.Validator
	Orchestrator *optimizer.Orchestrator
	Comparator   *comparison.Comparator
	Scheduler    *scheduler.Scheduler
	Cache        cache.Cache
	Metrics      *monitoring.Metrics
	Logger       logger.Logger
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	logger     logger.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Simulator == nil || deps.Searcher == nil || deps.Validator == nil || deps.Orchestrator == nil || deps.Comparator == nil {
		return nil, fmt.Errorf("api server requires simulator, searcher, validator, orchestrator and comparator")
	}
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	l := logger.OrGlobal(deps.Logger).WithField("component", "api")
	server := &Server{
		config:   cfg,
		router:   gin.New(),
		deps:     deps,
		logger:   l,
		handlers: NewHandlers(cfg, deps, l),
	}
	server.setupRoutes()
	server.httpServer = &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        server.router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return server, nil
}

// Router returns the HTTP handler
func (s *Server) Router() *gin.Engine { return s.router }

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.ErrorHandler(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(s.deps.Metrics.MetricsMiddleware())
	s.router.NoRoute(middleware.NotFound(s.logger))

	// Health check
	s.router.GET("/health", s.handlers.Health)

	// Prometheus metrics
	if s.config.Monitoring.PrometheusEnabled && s.deps.Metrics != nil {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	if s.config.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerMinute, s.config.RateLimit.Burst)
		v1.Use(limiter.Middleware(s.logger))
	}
	v1.Use(middleware.BodyLimit(s.config.Server.MaxBodyBytes))
	v1.Use(middleware.HandleError(s.logger))
	{
		strategies := v1.Group("/strategies")
		{
			strategies.GET("", s.handlers.ListStrategies)
			strategies.GET("/:name", s.handlers.GetStrategy)
		}

		v1.POST("/backtest", s.handlers.RunBacktest)

		optimize := v1.Group("/optimize")
		{
			optimize.POST("", s.handlers.RunSearch)
			optimize.POST("/tasks", s.handlers.StartSearch)
		}

		walkForward := v1.Group("/walkforward")
		{
			walkForward.POST("", s.handlers.RunWalkForward)
			walkForward.POST("/tasks", s.handlers.StartWalkForward)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", s.handlers.ListTasks)
			tasks.GET("/:id", s.handlers.GetTask)
			tasks.DELETE("/:id", s.handlers.CancelTask)
		}

		v1.POST("/compare", s.handlers.Compare)

		schedules := v1.Group("/schedules")
		{
			schedules.GET("", s.handlers.ListSchedules)
			schedules.GET("/:name", s.handlers.GetSchedule)
			schedules.POST("/:name/run", s.handlers.RunSchedule)
		}
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("Server stopped gracefully")
	return nil
}
