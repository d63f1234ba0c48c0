package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"qsim/internal/cache"
	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/sdk"
)

// Method is a parameter search algorithm
type Method string

const (
	MethodGrid    Method = "grid"
	MethodRandom  Method = "random"
	MethodGenetic Method = "genetic"
)

// Methods lists the supported search methods
func Methods() []Method { return []Method{MethodGrid, MethodRandom, MethodGenetic} }

// RandomConfig configures random search
type RandomConfig struct {
	Samples int   `yaml:"samples" json:"samples"`
	Seed    int64 `yaml:"seed" json:"seed"`
}

// DefaultRandomConfig returns the default random search configuration
func DefaultRandomConfig() RandomConfig {
	return RandomConfig{Samples: 100, Seed: 42}
}

// Validate checks the sample count
func (c RandomConfig) Validate() error {
	if c.Samples < 1 {
		return fmt.Errorf("random samples must be at least 1, got %d", c.Samples)
	}
	return nil
}

// DefaultKeepBacktests is how many of the best results keep their full
// backtest when SearchConfig.KeepBacktests is 0
const DefaultKeepBacktests = 5

// SearchConfig selects and configures a search run
type SearchConfig struct {
	Method        Method         `yaml:"method" json:"method"`
	Objective     Objective      `yaml:"objective" json:"objective"`
	Space         ParameterSpace `yaml:"space" json:"space"`
	Random        RandomConfig   `yaml:"random" json:"random"`
	Genetic       GeneticConfig  `yaml:"genetic" json:"genetic"`
	KeepBacktests int            `yaml:"keep_backtests" json:"keep_backtests"` // 保留完整回测结果的前N个, 0 使用默认值

	// Progress receives non-blocking progress updates when set
	Progress chan<- Progress `yaml:"-" json:"-"`
}

// DefaultSearchConfig returns a grid search over space with the composite objective
func DefaultSearchConfig(space ParameterSpace) SearchConfig {
	return SearchConfig{
		Method:    MethodGrid,
		Objective: ObjectiveComposite,
		Space:     space,
		Random:    DefaultRandomConfig(),
		Genetic:   DefaultGeneticConfig(),
	}
}

func (c SearchConfig) keepBacktests() int {
	if c.KeepBacktests <= 0 {
		return DefaultKeepBacktests
	}
	return c.KeepBacktests
}

// Validate checks the whole search configuration before any simulation runs
func (c SearchConfig) Validate() error {
	if err := c.Space.Validate(); err != nil {
		return err
	}
	if err := c.Objective.Validate(); err != nil {
		return err
	}
	if c.KeepBacktests < 0 {
		return apperrors.Newf(apperrors.ErrCodeParameterInvalid, "invalid search config",
			"keep_backtests must not be negative, got %d", c.KeepBacktests)
	}
	var err error
	switch c.Method {
	case MethodGrid:
		if n := c.Space.GridSize(); n > MaxGridSize {
			err = fmt.Errorf("grid of %d combinations exceeds the limit of %d", n, MaxGridSize)
		}
	case MethodRandom:
		err = c.Random.Validate()
	case MethodGenetic:
		err = c.Genetic.Validate()
	default:
		err = fmt.Errorf("unknown search method %q", c.Method)
	}
	if err != nil {
		return apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid search config", err)
	}
	return nil
}

// GenerationSummary describes one genetic generation
type GenerationSummary struct {
	Generation     int              `json:"generation"`
	BestFitness    float64          `json:"best_fitness"`
	MeanFitness    float64          `json:"mean_fitness"`
	NewEvaluations int              `json:"new_evaluations"`
	Population     []sdk.Parameters `json:"-"` // 本代个体, 按适应度排序
}

// SearchResult is the ranked outcome of one search run. Results holds the
// successful evaluations by descending fitness, ties in evaluation order;
// Failures holds the evaluations that errored.
type SearchResult struct {
	RunID       string               `json:"run_id"`
	Strategy    string               `json:"strategy"`
	Method      Method               `json:"method"`
	Objective   Objective            `json:"objective"`
	Results     []OptimizationResult `json:"results"`
	Failures    []OptimizationResult `json:"failures"`
	Evaluations int                  `json:"evaluations"`
	History     []GenerationSummary  `json:"history,omitempty"`
	Cancelled   bool                 `json:"cancelled"`
	Duration    time.Duration        `json:"duration"`
}

// Best returns the top ranked result
func (r *SearchResult) Best() (OptimizationResult, bool) {
	if r == nil || len(r.Results) == 0 {
		return OptimizationResult{}, false
	}
	return r.Results[0], true
}

// Top returns at most n ranked results
func (r *SearchResult) Top(n int) []OptimizationResult {
	if n >= len(r.Results) {
		return r.Results
	}
	return r.Results[:n]
}

// SearchRecorder observes completed searches; monitoring.Metrics implements it.
type SearchRecorder interface {
	RecordSearch(method string, evaluations, failures int, duration time.Duration, err error)
}

// Searcher runs parameter searches against a Backtester
type Searcher struct {
	backtester Backtester
	workers    int
	cache      cache.Cache
	cacheTTL   time.Duration
	logger     logger.Logger
	recorder   SearchRecorder
}

// SearcherOption configures a Searcher
type SearcherOption func(*Searcher)

// WithWorkers bounds concurrent backtests; 0 means runtime.NumCPU()
func WithWorkers(n int) SearcherOption {
	return func(s *Searcher) { s.workers = n }
}

// WithCache shares evaluation summaries across runs
func WithCache(c cache.Cache, ttl time.Duration) SearcherOption {
	return func(s *Searcher) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithSearchLogger sets the logger
func WithSearchLogger(l logger.Logger) SearcherOption {
	return func(s *Searcher) { s.logger = l }
}

// WithSearchRecorder sets the metrics recorder
func WithSearchRecorder(r SearchRecorder) SearcherOption {
	return func(s *Searcher) { s.recorder = r }
}

// NewSearcher creates a new searcher
func NewSearcher(backtester Backtester, opts ...SearcherOption) *Searcher {
	s := &Searcher{backtester: backtester}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrGlobal(s.logger).WithField("component", "optimizer")
	return s
}

// Backtester returns the underlying backtester
func (s *Searcher) Backtester() Backtester { return s.backtester }

// Search evaluates the parameter space around base and ranks the results.
// Malformed input fails before any simulation. A cancelled search returns
// the results collected so far together with a CANCELLED error.
func (s *Searcher) Search(ctx context.Context, series *kline.Series, base sdk.StrategyConfig, cfg SearchConfig) (result *SearchResult, err error) {
	start := time.Now()
	if cfg.Objective == "" {
		cfg.Objective = ObjectiveComposite
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if err := base.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid strategy config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	ev := newEvaluator(s, series, base, cfg, runID)
	s.logger.Info("search started",
		"run_id", runID,
		"strategy", base.Name,
		"method", cfg.Method,
		"objective", cfg.Objective,
		"parameters", cfg.Space.Names())

	var evaluated []OptimizationResult
	var history []GenerationSummary
	switch cfg.Method {
	case MethodGrid:
		evaluated, err = s.grid(ctx, ev, cfg.Space)
	case MethodRandom:
		evaluated, err = s.random(ctx, ev, cfg.Space, cfg.Random)
	case MethodGenetic:
		evaluated, history, err = s.genetic(ctx, ev, cfg.Space, cfg.Genetic)
	}

	result = rank(evaluated)
	ev.attachBacktests(result.Results)
	result.RunID = runID
	result.Strategy = base.Name
	result.Method = cfg.Method
	result.Objective = cfg.Objective
	result.Evaluations = ev.Evaluations()
	result.History = history
	result.Cancelled = apperrors.IsCancelled(err)
	result.Duration = time.Since(start)

	if s.recorder != nil {
		s.recorder.RecordSearch(string(cfg.Method), result.Evaluations, len(result.Failures), result.Duration, err)
	}
	fields := []interface{}{
		"run_id", runID,
		"evaluations", result.Evaluations,
		"failures", len(result.Failures),
		"duration", result.Duration,
	}
	if best, ok := result.Best(); ok {
		fields = append(fields, "best_fitness", best.Fitness, "best_parameters", best.Parameters)
	}
	if err != nil {
		s.logger.Warn("search stopped early", append(fields, "error", err)...)
		return result, err
	}
	s.logger.Info("search finished", fields...)
	return result, nil
}

func (s *Searcher) grid(ctx context.Context, ev *evaluator, space ParameterSpace) ([]OptimizationResult, error) {
	combos := space.Grid()
	ev.total = len(combos)
	results, _, err := ev.evaluate(ctx, combos)
	return results, err
}

func (s *Searcher) random(ctx context.Context, ev *evaluator, space ParameterSpace, cfg RandomConfig) ([]OptimizationResult, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	samples := lo.Times(cfg.Samples, func(int) sdk.Parameters { return space.Sample(rng) })
	ev.total = cfg.Samples
	results, _, err := ev.evaluate(ctx, samples)
	return results, err
}

// rank splits failures off and sorts the rest by fitness. Duplicate
// parameter sets are kept once, at their first evaluation.
func rank(evaluated []OptimizationResult) *SearchResult {
	seen := make(map[string]bool, len(evaluated))
	res := &SearchResult{Results: []OptimizationResult{}, Failures: []OptimizationResult{}}
	for _, r := range evaluated {
		key := paramKey(r.Parameters)
		if seen[key] {
			continue
		}
		seen[key] = true
		if r.Failed() {
			res.Failures = append(res.Failures, r)
		} else {
			res.Results = append(res.Results, r)
		}
	}
	sort.SliceStable(res.Results, func(i, j int) bool {
		return res.Results[i].Fitness > res.Results[j].Fitness
	})
	return res
}
