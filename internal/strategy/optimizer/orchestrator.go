package optimizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/sdk"
)

// TaskKind is the kind of background optimization job
type TaskKind string

const (
	TaskKindSearch      TaskKind = "search"
	TaskKindWalkForward TaskKind = "walk_forward"
)

// TaskStatus represents the status of an optimization task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// OptimizerTask is a snapshot of a background job. Search or WalkForward is
// set once the job ends; a cancelled job keeps its partial result.
type OptimizerTask struct {
	ID          string             `json:"id"`
	Kind        TaskKind           `json:"kind"`
	Strategy    string             `json:"strategy"`
	Status      TaskStatus         `json:"status"`
	Progress    *Progress          `json:"progress,omitempty"`
	Search      *SearchResult      `json:"search,omitempty"`
	WalkForward *WalkForwardResult `json:"walk_forward,omitempty"`
	Confidence  float64            `json:"confidence,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`

	cancel context.CancelFunc
}

// Orchestrator runs searches and walk-forward validations in the background
type Orchestrator struct {
	searcher  *Searcher
	validator *Validator
	logger    logger.Logger
	slots     *semaphore.Weighted // 为空表示不限制并发

	// 已结束任务的保留策略, 0 表示不限制
	taskTTL     time.Duration
	maxFinished int

	mu    sync.RWMutex
	tasks map[string]*OptimizerTask
	wg    sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(searcher *Searcher, validator *Validator, l logger.Logger) *Orchestrator {
	return &Orchestrator{
		searcher:  searcher,
		validator: validator,
		logger:    logger.OrGlobal(l).WithField("component", "orchestrator"),
		tasks:     make(map[string]*OptimizerTask),
	}
}

// SetMaxRunning limits how many tasks run at once; further tasks stay
// pending until a slot frees. It must be called before any task starts.
func (o *Orchestrator) SetMaxRunning(n int) {
	if n > 0 {
		o.slots = semaphore.NewWeighted(int64(n))
	}
}

// SetRetention bounds how long and how many finished tasks are kept.
// Pending and running tasks are never pruned.
func (o *Orchestrator) SetRetention(ttl time.Duration, maxFinished int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskTTL = ttl
	o.maxFinished = maxFinished
	o.pruneLocked(time.Now())
}

// PruneTasks applies the retention policy and returns the number of tasks
// removed
func (o *Orchestrator) PruneTasks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pruneLocked(time.Now())
}

func (t *OptimizerTask) finished() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// pruneLocked drops expired finished tasks, then the oldest finished ones
// above the count limit. The caller holds o.mu.
func (o *Orchestrator) pruneLocked(now time.Time) int {
	var finished []*OptimizerTask
	removed := 0
	for id, t := range o.tasks {
		if !t.finished() {
			continue
		}
		if o.taskTTL > 0 && now.Sub(t.UpdatedAt) > o.taskTTL {
			delete(o.tasks, id)
			removed++
			continue
		}
		finished = append(finished, t)
	}
	if o.maxFinished > 0 && len(finished) > o.maxFinished {
		sort.Slice(finished, func(i, j int) bool { return finished[i].UpdatedAt.Before(finished[j].UpdatedAt) })
		for _, t := range finished[:len(finished)-o.maxFinished] {
			delete(o.tasks, t.ID)
			removed++
		}
	}
	if removed > 0 {
		o.logger.Debug("finished tasks pruned", "removed", removed, "remaining", len(o.tasks))
	}
	return removed
}

// StartSearch validates the request and starts a background search
func (o *Orchestrator) StartSearch(series *kline.Series, base sdk.StrategyConfig, cfg SearchConfig) (string, error) {
	if err := validateRequest(series, base, cfg); err != nil {
		return "", err
	}
	task, ctx := o.createTask(TaskKindSearch, base.Name)

	o.run(ctx, task.ID, func() error {
		progress := make(chan Progress, 64)
		cfg.Progress = progress
		go o.drainProgress(task.ID, progress)

		res, err := o.searcher.Search(ctx, series, base, cfg)
		close(progress)
		o.update(task.ID, func(t *OptimizerTask) { t.Search = res })
		return err
	})
	return task.ID, nil
}

// StartWalkForward validates the request and starts a background validation
func (o *Orchestrator) StartWalkForward(series *kline.Series, base sdk.StrategyConfig, search SearchConfig, window WindowConfig) (string, error) {
	if err := validateRequest(series, base, search); err != nil {
		return "", err
	}
	if err := window.Validate(); err != nil {
		return "", apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid walk-forward window", err)
	}
	task, ctx := o.createTask(TaskKindWalkForward, base.Name)

	o.run(ctx, task.ID, func() error {
		res, err := o.validator.Validate(ctx, series, base, search, window)
		o.update(task.ID, func(t *OptimizerTask) {
			t.WalkForward = res
			if res != nil {
				t.Confidence = calculateConfidence(res.Overfit)
			}
		})
		return err
	})
	return task.ID, nil
}

func validateRequest(series *kline.Series, base sdk.StrategyConfig, cfg SearchConfig) error {
	if err := series.Validate(); err != nil {
		return err
	}
	if err := base.Validate(); err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "invalid strategy config", err)
	}
	return cfg.Validate()
}

func (o *Orchestrator) createTask(kind TaskKind, strategy string) (*OptimizerTask, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	task := &OptimizerTask{
		ID:        uuid.New().String(),
		Kind:      kind,
		Strategy:  strategy,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}

	o.mu.Lock()
	o.pruneLocked(now)
	o.tasks[task.ID] = task
	o.mu.Unlock()
	return task, ctx
}

// run executes job asynchronously and records its final status
func (o *Orchestrator) run(ctx context.Context, id string, job func() error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		var err error
		if o.slots != nil {
			if err = o.slots.Acquire(ctx, 1); err != nil {
				err = apperrors.New(apperrors.ErrCodeCancelled, "task cancelled while pending", err)
			} else {
				defer o.slots.Release(1)
			}
		}
		if err == nil {
			o.update(id, func(t *OptimizerTask) { t.Status = TaskStatusRunning })
			err = job()
		}

		o.finish(id, func(t *OptimizerTask) {
			t.cancel()
			switch {
			case err == nil:
				t.Status = TaskStatusCompleted
			case apperrors.IsCancelled(err):
				t.Status = TaskStatusCancelled
				t.Error = err.Error()
			default:
				t.Status = TaskStatusFailed
				t.Error = err.Error()
			}
		})
		if err != nil {
			o.logger.Warn("optimization task ended with error", "task_id", id, "error", err)
		}
	}()
}

func (o *Orchestrator) drainProgress(id string, progress <-chan Progress) {
	for p := range progress {
		p := p
		o.update(id, func(t *OptimizerTask) { t.Progress = &p })
	}
}

func (o *Orchestrator) update(id string, fn func(*OptimizerTask)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[id]; ok {
		fn(t)
		t.UpdatedAt = time.Now()
	}
}

// finish records the final status and applies the count limit so the
// finished task set never grows past it
func (o *Orchestrator) finish(id string, fn func(*OptimizerTask)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	if t, ok := o.tasks[id]; ok {
		fn(t)
		t.UpdatedAt = now
	}
	o.pruneLocked(now)
}

// GetTask returns a snapshot of a task
func (o *Orchestrator) GetTask(id string) (OptimizerTask, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	task, exists := o.tasks[id]
	if !exists {
		return OptimizerTask{}, apperrors.Newf(apperrors.ErrCodeNotFound, "task not found", "task %s", id)
	}
	return *task, nil
}

// ListTasks lists all tasks, oldest first
func (o *Orchestrator) ListTasks() []OptimizerTask {
	o.mu.RLock()
	tasks := make([]OptimizerTask, 0, len(o.tasks))
	for _, task := range o.tasks {
		tasks = append(tasks, *task)
	}
	o.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks
}

// CancelTask requests cooperative cancellation of a task
func (o *Orchestrator) CancelTask(id string) error {
	o.mu.RLock()
	task, exists := o.tasks[id]
	o.mu.RUnlock()
	if !exists {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "task not found", "task %s", id)
	}
	task.cancel()
	return nil
}

// Wait blocks until every started task has finished
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown cancels all tasks and waits for them
func (o *Orchestrator) Shutdown() {
	o.mu.RLock()
	for _, t := range o.tasks {
		t.cancel()
	}
	o.mu.RUnlock()
	o.wg.Wait()
}

// calculateConfidence discounts a walk-forward result by its overfitting
// diagnostics
func calculateConfidence(report OverfitReport) float64 {
	confidence := 1.0
	if report.DeflatedSharpe < 0.5 {
		confidence *= 0.8
	}
	if report.DecayScore > 0.2 {
		confidence *= 0.9
	}
	if report.IsOverfit {
		confidence *= 0.5
	}
	return confidence * report.Robustness
}
