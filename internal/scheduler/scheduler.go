package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qsim/internal/alerting"
	"qsim/internal/config"
	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/strategy/sdk"
)

// JobStatus represents the status of a scheduled job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// WalkForwarder runs a walk-forward validation
type WalkForwarder interface {
	Validate(ctx context.Context, series *kline.Series, base sdk.StrategyConfig, search optimizer.SearchConfig, window optimizer.WindowConfig) (*optimizer.WalkForwardResult, error)
}

// Recorder receives the outcome of every scheduled run
type Recorder interface {
	RecordScheduledRun(job string, triggered bool, err error)
}

// Notifier delivers alerts about triggered or failed runs
type Notifier interface {
	SendAlert(ctx context.Context, alert alerting.Alert) error
}

// RunRecord summarizes one execution of a job
type RunRecord struct {
	StartedAt        time.Time               `json:"started_at"`
	Duration         time.Duration           `json:"duration"`
	Bars             int                     `json:"bars"`
	Segments         int                     `json:"segments"`
	BestParameters   sdk.Parameters          `json:"best_parameters,omitempty"`
	Robustness       float64                 `json:"robustness"`
	OverfittingIndex float64                 `json:"overfitting_index"`
	CompoundedReturn float64                 `json:"compounded_return"`
	Trigger          optimizer.TriggerResult `json:"trigger"`
	Error            string                  `json:"error,omitempty"`
}

// Job is a snapshot of a scheduled job
type Job struct {
	Name        string     `json:"name"`
	Cron        string     `json:"cron"`
	Strategy    string     `json:"strategy"`
	File        string     `json:"file"`
	Status      JobStatus  `json:"status"`
	Runs        int        `json:"runs"`
	LastRunTime time.Time  `json:"last_run_time,omitempty"`
	NextRunTime time.Time  `json:"next_run_time,omitempty"`
	LastRun     *RunRecord `json:"last_run,omitempty"`
}

type job struct {
	config  config.ScheduleConfig
	entryID cron.EntryID
	status  JobStatus
	running bool
	runs    int
	lastRun *RunRecord
}

// Scheduler re-runs walk-forward validation of configured strategies on
// cron schedules and checks the newest out-of-sample segment against the
// job's re-optimization triggers
type Scheduler struct {
	cron      *cron.Cron
	cfg       *config.Config
	validator WalkForwarder
	recorder  Recorder
	notifier  Notifier
	logger    logger.Logger
	jobs      map[string]*job
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRecorder sets the run recorder
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithNotifier sends an alert for every triggered or failed run
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// New creates a scheduler for the enabled schedules of cfg
func New(cfg *config.Config, validator WalkForwarder, opts ...Option) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		validator: validator,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger).WithField("component", "scheduler")

	if err := s.load(cfg); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// load builds a fresh cron with one entry per enabled schedule
func (s *Scheduler) load(cfg *config.Config) error {
	c := cron.New(cron.WithSeconds())
	jobs := make(map[string]*job)

	for _, sc := range cfg.Schedules {
		if !sc.Enabled {
			continue
		}
		if _, exists := jobs[sc.Name]; exists {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "duplicate schedule", "schedule %s", sc.Name)
		}
		name := sc.Name
		id, err := c.AddFunc(sc.Cron, func() {
			if _, err := s.run(s.ctx, name); err != nil && !apperrors.IsCode(err, apperrors.ErrCodeRateLimit) {
				s.logger.Warn("scheduled run failed", "job", name, "error", err)
			}
		})
		if err != nil {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "failed to add cron job "+name, err)
		}
		jobs[name] = &job{config: sc, entryID: id, status: JobStatusPending}
	}

	s.mu.Lock()
	old := s.cron
	s.cron = c
	s.cfg = cfg
	// 保留仍存在的任务的运行记录, 正在运行的任务持有原指针
	for name, j := range jobs {
		if prev, ok := s.jobs[name]; ok {
			prev.config = j.config
			prev.entryID = j.entryID
			jobs[name] = prev
		}
	}
	s.jobs = jobs
	started := s.started
	s.mu.Unlock()

	if old != nil && started {
		old.Stop()
		c.Start()
	}
	return nil
}

// Start starts the cron loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop stops the cron loop, cancels running jobs and waits for them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Reload replaces the schedules with those of cfg. It has the signature of
// a config watcher callback.
func (s *Scheduler) Reload(cfg *config.Config) error {
	if err := s.load(cfg); err != nil {
		return err
	}
	s.logger.Info("schedules reloaded", "jobs", len(cfg.Schedules))
	return nil
}

// List returns every job sorted by name
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for name := range s.jobs {
		jobs = append(jobs, s.snapshot(name))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Get returns the named job
func (s *Scheduler) Get(name string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[name]; !ok {
		return Job{}, apperrors.Newf(apperrors.ErrCodeNotFound, "schedule not found", "schedule %s", name)
	}
	return s.snapshot(name), nil
}

// snapshot must be called with s.mu held
func (s *Scheduler) snapshot(name string) Job {
	j := s.jobs[name]
	out := Job{
		Name:     name,
		Cron:     j.config.Cron,
		Strategy: j.config.Strategy.Name,
		File:     j.config.File,
		Status:   j.status,
		Runs:     j.runs,
	}
	if j.lastRun != nil {
		record := *j.lastRun
		out.LastRun = &record
		out.LastRunTime = record.StartedAt
	}
	if s.started {
		out.NextRunTime = s.cron.Entry(j.entryID).Next
	}
	return out
}

// RunNow executes the named job synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) (RunRecord, error) {
	return s.run(ctx, name)
}

func (s *Scheduler) run(ctx context.Context, name string) (RunRecord, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return RunRecord{}, apperrors.Newf(apperrors.ErrCodeNotFound, "schedule not found", "schedule %s", name)
	}
	if j.running {
		s.mu.Unlock()
		return RunRecord{}, apperrors.Newf(apperrors.ErrCodeRateLimit, "schedule already running", "schedule %s", name)
	}
	j.running = true
	j.status = JobStatusRunning
	sc := j.config
	cfg := s.cfg
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	record, err := s.execute(ctx, cfg, sc)

	s.mu.Lock()
	j.running = false
	j.runs++
	j.lastRun = &record
	if err != nil {
		j.status = JobStatusFailed
	} else {
		j.status = JobStatusCompleted
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordScheduledRun(name, record.Trigger.Triggered, err)
	}
	s.notify(sc, record, err)
	return record, err
}

// notify alerts on a tripped trigger or a failure; cancellation is silent
func (s *Scheduler) notify(sc config.ScheduleConfig, record RunRecord, err error) {
	if s.notifier == nil || apperrors.IsCancelled(err) {
		return
	}

	alert := alerting.Alert{
		Source: "scheduler/" + sc.Name,
		Metadata: map[string]interface{}{
			"strategy":          sc.Strategy.Name,
			"file":              sc.File,
			"segments":          record.Segments,
			"robustness":        record.Robustness,
			"compounded_return": record.CompoundedReturn,
		},
	}
	switch {
	case err != nil:
		alert.Level = alerting.AlertLevelError
		alert.Title = fmt.Sprintf("Scheduled validation %s failed", sc.Name)
		alert.Message = err.Error()
	case record.Trigger.Triggered:
		alert.Level = alerting.AlertLevelWarning
		alert.Title = fmt.Sprintf("Re-optimization triggered for %s", sc.Name)
		alert.Message = record.Trigger.Reason
		alert.Metadata["best_parameters"] = record.BestParameters
	default:
		return
	}

	if nerr := s.notifier.SendAlert(context.Background(), alert); nerr != nil {
		s.logger.Warn("failed to queue alert", "job", sc.Name, "error", nerr)
	}
}

// execute loads the job's bars, runs walk-forward validation and checks the
// last out-of-sample segment
func (s *Scheduler) execute(ctx context.Context, cfg *config.Config, sc config.ScheduleConfig) (record RunRecord, err error) {
	record.StartedAt = time.Now()
	log := s.logger.WithField("job", sc.Name)
	defer func() {
		record.Duration = time.Since(record.StartedAt)
		if err != nil {
			record.Error = err.Error()
		}
	}()

	series, err := LoadSeries(cfg.Data.Dir, sc.File, sc.LastBars)
	if err != nil {
		return record, err
	}
	record.Bars = series.Len()

	result, err := s.validator.Validate(ctx, series, sc.Strategy, cfg.ScheduleSearchConfig(sc), sc.WindowOr(cfg.WalkForward.WindowConfig))
	if err != nil {
		return record, err
	}
	record.Segments = len(result.Segments)
	record.Robustness = result.Robustness
	record.OverfittingIndex = result.OverfittingIndex
	record.CompoundedReturn = result.CompoundedReturn

	if len(result.Segments) == 0 {
		return record, apperrors.New(apperrors.ErrCodeOptimizationFailed, "walk-forward produced no segments", nil)
	}
	last := result.Segments[len(result.Segments)-1]
	record.BestParameters = last.BestParameters
	record.Trigger.CheckedAt = time.Now()
	if last.OutOfSampleResult != nil {
		record.Trigger = optimizer.NewTriggerChecker(sc.Trigger).Check(last.OutOfSampleResult)
	}

	if record.Trigger.Triggered {
		log.Warn("re-optimization triggered", "reason", record.Trigger.Reason, "best_parameters", record.BestParameters)
	} else {
		log.Info("scheduled validation completed", "segments", record.Segments, "robustness", record.Robustness)
	}
	return record, nil
}

// LoadSeries reads a Parquet bar file relative to dir, keeping the last
// lastBars bars when lastBars is positive
func LoadSeries(dir, file string, lastBars int) (*kline.Series, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, file)
	}
	series, err := kline.ReadParquet(path, "")
	if err != nil {
		return nil, err
	}
	if lastBars > 0 && series.Len() > lastBars {
		series = series.Slice(series.Len()-lastBars, series.Len())
	}
	return series, nil
}
