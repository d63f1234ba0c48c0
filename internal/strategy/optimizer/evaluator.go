package optimizer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"qsim/internal/cache"
	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

// Backtester runs one backtest of cfg over series. backtest.Simulator
// implements it.
type Backtester interface {
	Simulate(ctx context.Context, series *kline.Series, cfg sdk.StrategyConfig) (*backtest.Result, error)
}

// fingerprinter is implemented by backtesters whose configuration should be
// part of the evaluation cache key
type fingerprinter interface {
	Fingerprint() string
}

// OptimizationResult is the outcome of one evaluated parameter set.
// Backtest is only kept for the best SearchConfig.KeepBacktests results of
// a run and is nil when the summary came from the shared cache.
type OptimizationResult struct {
	Parameters sdk.Parameters   `json:"parameters"`
	Fitness    float64          `json:"fitness"`
	Summary    metrics.Summary  `json:"summary"`
	Backtest   *backtest.Result `json:"-"`
	Cached     bool             `json:"cached,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Failed reports whether the evaluation failed
func (r OptimizationResult) Failed() bool { return r.Error != "" }

// Progress is sent on the optional progress channel after each evaluation
type Progress struct {
	RunID       string  `json:"run_id"`
	Method      Method  `json:"method"`
	Completed   int     `json:"completed"`
	Total       int     `json:"total"`
	Generation  int     `json:"generation,omitempty"`
	BestFitness float64 `json:"best_fitness"`
}

// cachedSummary is what the shared cache stores per evaluation
type cachedSummary struct {
	Summary metrics.Summary `json:"summary"`
}

// evaluator scores parameter sets for one search run
type evaluator struct {
	backtester Backtester
	series     *kline.Series
	base       sdk.StrategyConfig
	objective  Objective
	workers    int
	cache      cache.Cache
	cacheTTL   time.Duration
	logger     logger.Logger

	runID     string
	method    Method
	total     int
	progress  chan<- Progress
	completed atomic.Int64

	mu          sync.Mutex
	best        float64
	generation  int
	memo        map[string]OptimizationResult // 不含完整回测结果
	keep        int
	kept        map[string]keptBacktest
	keyPrefix   string
	evaluations int
}

// keptBacktest is a full result held for one of the best evaluations
type keptBacktest struct {
	fitness float64
	result  *backtest.Result
}

func newEvaluator(s *Searcher, series *kline.Series, base sdk.StrategyConfig, cfg SearchConfig, runID string) *evaluator {
	workers := s.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	prefix := series.Fingerprint()
	if f, ok := s.backtester.(fingerprinter); ok {
		prefix += "|" + f.Fingerprint()
	}
	return &evaluator{
		backtester: s.backtester,
		series:     series,
		base:       base,
		objective:  cfg.Objective,
		workers:    workers,
		cache:      s.cache,
		cacheTTL:   s.cacheTTL,
		logger:     s.logger.WithField("run_id", runID),
		runID:      runID,
		method:     cfg.Method,
		progress:   cfg.Progress,
		best:       WorstFitness,
		memo:       make(map[string]OptimizationResult),
		keep:       cfg.keepBacktests(),
		kept:       make(map[string]keptBacktest),
		keyPrefix:  prefix,
	}
}

// paramKey is the canonical text form of a parameter set
func paramKey(p sdk.Parameters) string {
	var b strings.Builder
	for _, k := range p.Keys() {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p[k], 'g', -1, 64))
		b.WriteByte(';')
	}
	return b.String()
}

// cacheKey identifies an evaluation across processes
func (e *evaluator) cacheKey(cfg sdk.StrategyConfig) string {
	name := e.keyPrefix + "|" + cfg.Name + "|" + paramKey(cfg.Parameters)
	return "eval:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// evaluate scores batch with a bounded worker pool. Results keep batch order.
// Parameter sets already evaluated in this run are served from the memo and
// only fresh evaluations are counted. On cancellation the evaluations that
// finished are returned together with a CANCELLED error.
func (e *evaluator) evaluate(ctx context.Context, batch []sdk.Parameters) ([]OptimizationResult, int, error) {
	slots := make([]OptimizationResult, len(batch))
	done := make([]bool, len(batch))
	fresh := 0

	// 本轮去重: 同一参数只评估一次
	pending := make(map[string][]int)
	var order []string
	e.mu.Lock()
	for i, p := range batch {
		key := paramKey(p)
		if r, ok := e.memo[key]; ok {
			slots[i], done[i] = r, true
			continue
		}
		if _, ok := pending[key]; !ok {
			order = append(order, key)
		}
		pending[key] = append(pending[key], i)
	}
	e.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(e.workers)
	var mu sync.Mutex

	for _, key := range order {
		if ctx.Err() != nil {
			break
		}
		idx := pending[key]
		params := batch[idx[0]]
		key := key
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, ok := e.evaluateOne(ctx, params)
			if !ok {
				return nil
			}
			res = e.record(key, res)

			mu.Lock()
			for _, i := range idx {
				slots[i], done[i] = res, true
			}
			fresh++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	out := make([]OptimizationResult, 0, len(batch))
	for i := range batch {
		if done[i] {
			out = append(out, slots[i])
		}
	}
	if err := ctx.Err(); err != nil {
		return out, fresh, apperrors.New(apperrors.ErrCodeCancelled, "search cancelled", err).WithRunID(e.runID)
	}
	return out, fresh, nil
}

// evaluateOne runs a single backtest. ok is false when the run was
// interrupted by cancellation and produced no usable result.
func (e *evaluator) evaluateOne(ctx context.Context, params sdk.Parameters) (res OptimizationResult, ok bool) {
	cfg := e.base.WithParameters(params)
	res = OptimizationResult{Parameters: params.Clone(), Fitness: WorstFitness}

	defer func() {
		if r := recover(); r != nil {
			res = e.failure(res, fmt.Errorf("panic: %v", r))
			ok = true
		}
	}()

	key := e.cacheKey(cfg)
	if e.cache != nil {
		var cached cachedSummary
		if err := e.cache.Get(ctx, key, &cached); err == nil {
			res.Summary = cached.Summary
			res.Fitness = e.objective.Fitness(cached.Summary)
			res.Cached = true
			return res, true
		}
	}

	result, err := e.backtester.Simulate(ctx, e.series, cfg)
	if err != nil {
		if apperrors.IsCancelled(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, false
		}
		return e.failure(res, err), true
	}

	res.Backtest = result
	res.Summary = result.Metrics
	res.Fitness = e.objective.Fitness(result.Metrics)
	if e.cache != nil {
		if err := e.cache.Set(ctx, key, cachedSummary{Summary: result.Metrics}, e.cacheTTL); err != nil {
			e.logger.Debug("evaluation cache write failed", "error", err)
		}
	}
	return res, true
}

func (e *evaluator) failure(res OptimizationResult, cause error) OptimizationResult {
	err := apperrors.New(apperrors.ErrCodeSimulationFailed, "parameter evaluation failed", cause).
		WithRunID(e.runID).
		WithContext("parameters", res.Parameters)
	e.logger.Warn("simulation failed", "strategy", e.base.Name, "parameters", res.Parameters, "error", err)

	res.Fitness = WorstFitness
	res.Summary = metrics.Summary{}
	res.Backtest = nil
	res.Error = err.Error()
	return res
}

// record memoizes res without its full backtest, retains the backtest when
// res is among the best evaluations so far and publishes progress. The
// returned copy has Backtest cleared.
func (e *evaluator) record(key string, res OptimizationResult) OptimizationResult {
	full := res.Backtest
	res.Backtest = nil

	e.mu.Lock()
	e.memo[key] = res
	if full != nil && !res.Failed() {
		e.retain(key, res.Fitness, full)
	}
	e.evaluations++
	if !res.Failed() && res.Fitness > e.best {
		e.best = res.Fitness
	}
	p := Progress{
		RunID:       e.runID,
		Method:      e.method,
		Completed:   int(e.completed.Add(1)),
		Total:       e.total,
		Generation:  e.generation,
		BestFitness: e.best,
	}
	e.mu.Unlock()

	if e.progress != nil {
		select {
		case e.progress <- p:
		default:
		}
	}
	return res
}

// retain keeps at most e.keep backtests, evicting the lowest fitness. The
// caller holds e.mu.
func (e *evaluator) retain(key string, fitness float64, result *backtest.Result) {
	if e.keep <= 0 {
		return
	}
	if len(e.kept) >= e.keep {
		worst, worstFitness := "", fitness
		for k, b := range e.kept {
			if b.fitness < worstFitness || (worst != "" && b.fitness == worstFitness && k > worst) {
				worst, worstFitness = k, b.fitness
			}
		}
		// 比保留集中最差的还差, 不保留
		if worst == "" {
			return
		}
		delete(e.kept, worst)
	}
	e.kept[key] = keptBacktest{fitness: fitness, result: result}
}

// attachBacktests restores the retained full results onto results
func (e *evaluator) attachBacktests(results []OptimizationResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range results {
		if b, ok := e.kept[paramKey(results[i].Parameters)]; ok {
			results[i].Backtest = b.result
		}
	}
}

// setGeneration tags subsequent progress messages
func (e *evaluator) setGeneration(g int) {
	e.mu.Lock()
	e.generation = g
	e.mu.Unlock()
}

// Evaluations returns the number of fresh evaluations so far
func (e *evaluator) Evaluations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluations
}
