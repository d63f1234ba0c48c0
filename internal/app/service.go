package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"qsim/internal/alerting"
	"qsim/internal/analysis/comparison"
	"qsim/internal/api"
	"qsim/internal/cache"
	"qsim/internal/config"
	"qsim/internal/logger"
	"qsim/internal/monitoring"
	"qsim/internal/scheduler"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/strategy/templates"
)

// Service wires the simulation, optimization and comparison components
// together. Server is only created by Serve.
type Service struct {
	Config       *config.Config
	Cache        cache.Cache
	Metrics      *monitoring.Metrics
	Simulator    *backtest.Simulator
	Searcher     *optimizer.Searcher
	Validator    *optimizer.Validator
	Orchestrator *optimizer.Orchestrator
	Comparator   *comparison.Comparator
	Scheduler    *scheduler.Scheduler
	Alerts       *alerting.AlertManager // 未启用告警时为空
	Server       *api.Server

	configPath     string
	reloadInterval time.Duration
	logger         logger.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	group          *errgroup.Group
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithConfigPath enables hot reload of the schedules from path, checked
// every interval
func WithConfigPath(path string, interval time.Duration) Option {
	return func(s *Service) {
		s.configPath = path
		s.reloadInterval = interval
	}
}

// New builds every component from cfg
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{Config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	s.Cache = c
	s.Metrics = monitoring.NewMetrics(nil)

	engine, err := backtest.NewEngine(cfg.Backtest,
		backtest.WithLogger(s.logger),
		backtest.WithRecorder(s.Metrics),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create backtest engine: %w", err)
	}
	s.Simulator = backtest.NewSimulator(engine, templates.NewRegistry())

	s.Searcher = optimizer.NewSearcher(s.Simulator,
		optimizer.WithWorkers(cfg.Optimizer.Workers),
		optimizer.WithCache(c, cfg.Optimizer.CacheTTL),
		optimizer.WithSearchLogger(s.logger),
		optimizer.WithSearchRecorder(s.Metrics),
	)
	s.Validator = optimizer.NewValidator(s.Searcher, optimizer.NewOverfitDetector(cfg.WalkForward.Overfit), s.logger, s.Metrics)
	s.Orchestrator = optimizer.NewOrchestrator(s.Searcher, s.Validator, s.logger)
	s.Orchestrator.SetMaxRunning(cfg.Optimizer.MaxTasks)
	s.Orchestrator.SetRetention(cfg.Optimizer.TaskTTL, cfg.Optimizer.MaxFinishedTasks)

	s.Comparator, err = comparison.NewComparator(s.Simulator, cfg.Comparison, s.logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create comparator: %w", err)
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(s.logger),
		scheduler.WithRecorder(s.Metrics),
	}
	if cfg.Alerting.Enabled {
		s.Alerts = alerting.NewFromConfig(cfg.Alerting, s.Metrics, s.logger)
		s.Alerts.Start()
		schedOpts = append(schedOpts, scheduler.WithNotifier(s.Alerts))
	}

	s.Scheduler, err = scheduler.New(cfg, s.Validator, schedOpts...)
	if err != nil {
		if s.Alerts != nil {
			s.Alerts.Stop()
		}
		c.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return s, nil
}

// Serve starts the scheduler, the configuration watcher and the API server.
// It returns once the server is listening in the background; errors from
// the server are reported by Wait.
func (s *Service) Serve() error {
	server, err := api.NewServer(s.Config, api.Deps{
		Simulator:    s.Simulator,
		Searcher:     s.Searcher,
		Validator:    s.Validator,
		Orchestrator: s.Orchestrator,
		Comparator:   s.Comparator,
		Scheduler:    s.Scheduler,
		Cache:        s.Cache,
		Metrics:      s.Metrics,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	s.Server = server

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group, _ = errgroup.WithContext(s.ctx)

	s.Scheduler.Start()

	if s.configPath != "" {
		interval := s.reloadInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		watcher := config.NewConfigWatcher(s.configPath, interval, s.logger)
		watcher.AddCallback(s.Scheduler.Reload)
		s.group.Go(func() error {
			// 停止时返回 ctx.Err, 不视为错误
			_ = watcher.Start(s.ctx)
			return nil
		})
	}

	s.group.Go(server.Start)
	s.logger.Info("qsim service started",
		"addr", s.Config.Server.Addr(),
		"environment", s.Config.App.Environment,
		"schedules", len(s.Scheduler.List()))
	return nil
}

// Wait blocks until the API server stops
func (s *Service) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Shutdown stops the server, the scheduler and any background task, then
// closes the cache
func (s *Service) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.Server != nil {
		if err := s.Server.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.Scheduler.Stop()
	s.Orchestrator.Shutdown()
	if s.Alerts != nil {
		s.Alerts.Stop()
	}

	if err := s.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Cache.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close cache: %w", err)
	}
	s.logger.Info("qsim service stopped")
	return firstErr
}
