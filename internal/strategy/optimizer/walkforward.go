package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

// WindowConfig represents walk-forward window configuration. A segment
// optimizes on OptimizationPeriods bars and tests on the following
// TestPeriods bars; segments start every StepSize bars. The final test
// slice may be shorter than TestPeriods but not shorter than MinPeriods.
type WindowConfig struct {
	OptimizationPeriods int `yaml:"optimization_periods" json:"optimization_periods"` // 样本内K线数
	TestPeriods         int `yaml:"test_periods" json:"test_periods"`                 // 样本外K线数
	StepSize            int `yaml:"step_size" json:"step_size"`
	MinPeriods          int `yaml:"min_periods" json:"min_periods"` // 0 表示等于 TestPeriods
}

// WindowSize returns OptimizationPeriods + TestPeriods
func (c WindowConfig) WindowSize() int { return c.OptimizationPeriods + c.TestPeriods }

func (c WindowConfig) minPeriods() int {
	if c.MinPeriods <= 0 {
		return c.TestPeriods
	}
	return c.MinPeriods
}

// Validate checks the window sizes
func (c WindowConfig) Validate() error {
	switch {
	case c.OptimizationPeriods < 2:
		return fmt.Errorf("optimization_periods must be at least 2, got %d", c.OptimizationPeriods)
	case c.TestPeriods < 1:
		return fmt.Errorf("test_periods must be at least 1, got %d", c.TestPeriods)
	case c.StepSize < 1:
		return fmt.Errorf("step_size must be at least 1, got %d", c.StepSize)
	case c.MinPeriods < 0 || c.MinPeriods > c.TestPeriods:
		return fmt.Errorf("min_periods must be in [0, %d], got %d", c.TestPeriods, c.MinPeriods)
	}
	return nil
}

// Period is a half-open bar index range [Start, End)
type Period struct {
	Start     int       `json:"start"`
	End       int       `json:"end"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"` // 最后一根K线的开盘时间
}

// Len returns the number of bars
func (p Period) Len() int { return p.End - p.Start }

// Windows lays out the segment periods for a series of n bars
func (c WindowConfig) Windows(n int) [][2]Period {
	var out [][2]Period
	for start := 0; start+c.OptimizationPeriods < n; start += c.StepSize {
		optEnd := start + c.OptimizationPeriods
		testEnd := min(optEnd+c.TestPeriods, n)
		if testEnd-optEnd < c.minPeriods() {
			break
		}
		out = append(out, [2]Period{{Start: start, End: optEnd}, {Start: optEnd, End: testEnd}})
	}
	return out
}

// Segment is one optimize-then-test window
type Segment struct {
	Index              int              `json:"index"`
	OptimizationPeriod Period           `json:"optimization_period"`
	TestPeriod         Period           `json:"test_period"`
	BestParameters     sdk.Parameters   `json:"best_parameters"`
	BestFitness        float64          `json:"best_fitness"`
	InSample           metrics.Summary  `json:"in_sample"`
	OutOfSample        metrics.Summary  `json:"out_of_sample"`
	InSampleReturn     float64          `json:"in_sample_return"`
	OutOfSampleReturn  float64          `json:"out_of_sample_return"`
	Degradation        float64          `json:"degradation"`
	Unreliable         bool             `json:"unreliable,omitempty"`
	Evaluations        int              `json:"evaluations"`
	Failures           int              `json:"failures"`
	InSampleResult     *backtest.Result `json:"-"`
	OutOfSampleResult  *backtest.Result `json:"-"`
}

// StabilityScores are the 1/(1+stdev) stability terms across segments
type StabilityScores struct {
	Parameters map[string]float64 `json:"parameters"`
	Parameter  float64            `json:"parameter"`
	Returns    float64            `json:"returns"`
	Drawdowns  float64            `json:"drawdowns"`
	Overall    float64            `json:"overall"`
}

// WalkForwardResult aggregates all segments of a validation run
type WalkForwardResult struct {
	RunID                 string          `json:"run_id"`
	Strategy              string          `json:"strategy"`
	Window                WindowConfig    `json:"window"`
	Method                Method          `json:"method"`
	Objective             Objective       `json:"objective"`
	Segments              []Segment       `json:"segments"`
	SkippedSegments       int             `json:"skipped_segments"`
	Stability             StabilityScores `json:"stability"`
	Overfit               OverfitReport   `json:"overfit"`
	Robustness            float64         `json:"robustness"`
	OverfittingIndex      float64         `json:"overfitting_index"`
	MeanDegradation       float64         `json:"mean_degradation"`
	MeanInSampleReturn    float64         `json:"mean_in_sample_return"`
	MeanOutOfSampleReturn float64         `json:"mean_out_of_sample_return"`
	CompoundedReturn      float64         `json:"compounded_return"`
	EfficiencyRatio       float64         `json:"efficiency_ratio"`
	Cancelled             bool            `json:"cancelled"`
	Duration              time.Duration   `json:"duration"`
}

// WalkForwardRecorder observes completed validations
type WalkForwardRecorder interface {
	RecordWalkForward(strategy string, segments int, duration time.Duration, err error)
}

// Validator runs walk-forward validation on top of a Searcher
type Validator struct {
	searcher *Searcher
	detector *OverfitDetector
	logger   logger.Logger
	perf     *logger.PerformanceLogger
	recorder WalkForwardRecorder
}

// 超过该时长的验证记为慢操作
const slowValidation = 5 * time.Minute

// NewValidator creates a walk-forward validator
func NewValidator(searcher *Searcher, detector *OverfitDetector, l logger.Logger, recorder WalkForwardRecorder) *Validator {
	if detector == nil {
		detector = NewOverfitDetector(DefaultOverfitConfig())
	}
	l = logger.OrGlobal(l).WithField("component", "walkforward")
	return &Validator{
		searcher: searcher,
		detector: detector,
		logger:   l,
		perf:     logger.NewPerformanceLogger(l, slowValidation),
		recorder: recorder,
	}
}

// Validate searches each in-sample slice and replays the winning parameters
// once on the following out-of-sample slice. Segments whose search produced
// no successful evaluation are counted as skipped. A cancelled run returns
// the completed segments together with a CANCELLED error.
func (v *Validator) Validate(ctx context.Context, series *kline.Series, base sdk.StrategyConfig, search SearchConfig, window WindowConfig) (result *WalkForwardResult, err error) {
	start := time.Now()
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if err := window.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid walk-forward window", err)
	}
	if err := search.Validate(); err != nil {
		return nil, err
	}
	windows := window.Windows(series.Len())
	if len(windows) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "series too short for walk-forward",
			"%d bars, need at least %d", series.Len(), window.OptimizationPeriods+window.minPeriods())
	}
	if search.Objective == "" {
		search.Objective = ObjectiveComposite
	}

	result = &WalkForwardResult{
		RunID:     uuid.New().String(),
		Strategy:  base.Name,
		Window:    window,
		Method:    search.Method,
		Objective: search.Objective,
		Segments:  []Segment{},
	}
	defer func() {
		segments := 0
		if result != nil {
			result.Duration = time.Since(start)
			segments = len(result.Segments)
		}
		if v.recorder != nil {
			v.recorder.RecordWalkForward(base.Name, segments, time.Since(start), err)
		}
		v.perf.LogPerformance("walk_forward", time.Since(start), map[string]interface{}{
			"strategy": base.Name,
			"segments": segments,
		})
	}()

	var oosReturns []float64
	for i, w := range windows {
		w[0] = withTimes(w[0], series)
		w[1] = withTimes(w[1], series)

		seg, returns, ok, err := v.runSegment(ctx, series, base, search, i, w)
		if err != nil {
			if apperrors.IsCancelled(err) {
				result.Cancelled = true
				v.aggregate(result, oosReturns)
				return result, err
			}
			return nil, err
		}
		if !ok {
			result.SkippedSegments++
			continue
		}
		result.Segments = append(result.Segments, seg)
		oosReturns = append(oosReturns, returns...)

		v.logger.Info("walk-forward segment completed",
			"run_id", result.RunID,
			"segment", i,
			"best_parameters", seg.BestParameters,
			"in_sample_return", seg.InSampleReturn,
			"out_of_sample_return", seg.OutOfSampleReturn,
			"degradation", seg.Degradation,
			"unreliable", seg.Unreliable)
	}

	v.aggregate(result, oosReturns)
	return result, nil
}

func withTimes(p Period, series *kline.Series) Period {
	p.StartTime = series.Bars[p.Start].OpenTime
	p.EndTime = series.Bars[p.End-1].OpenTime
	return p
}

func (v *Validator) runSegment(ctx context.Context, series *kline.Series, base sdk.StrategyConfig, search SearchConfig, index int, w [2]Period) (Segment, []float64, bool, error) {
	opt, test := w[0], w[1]
	seg := Segment{Index: index, OptimizationPeriod: opt, TestPeriod: test}

	found, err := v.searcher.Search(ctx, series.Slice(opt.Start, opt.End), base, search)
	if err != nil {
		return seg, nil, false, err
	}
	seg.Evaluations = found.Evaluations
	seg.Failures = len(found.Failures)

	best, ok := found.Best()
	if !ok {
		v.logger.Warn("walk-forward segment skipped: no successful evaluation",
			"segment", index, "failures", seg.Failures)
		return seg, nil, false, nil
	}
	seg.BestParameters = best.Parameters
	seg.BestFitness = best.Fitness
	seg.InSample = best.Summary
	seg.InSampleResult = best.Backtest
	seg.InSampleReturn = best.Summary.TotalReturn

	oos, err := v.searcher.Backtester().Simulate(ctx, series.Slice(test.Start, test.End), base.WithParameters(best.Parameters))
	if err != nil {
		if apperrors.IsCancelled(err) {
			return seg, nil, false, err
		}
		v.logger.Warn("walk-forward segment skipped: out-of-sample run failed",
			"segment", index, "error", err)
		return seg, nil, false, nil
	}
	seg.OutOfSample = oos.Metrics
	seg.OutOfSampleResult = oos
	seg.OutOfSampleReturn = oos.Metrics.TotalReturn
	seg.Degradation, seg.Unreliable = Degradation(seg.InSampleReturn, seg.OutOfSampleReturn)
	return seg, oos.Returns(), true, nil
}

// aggregate fills the cross-segment statistics
func (v *Validator) aggregate(result *WalkForwardResult, oosReturns []float64) {
	segs := result.Segments
	result.Stability = stability(segs)
	result.Overfit = v.detector.Analyze(segs, oosReturns)
	if len(segs) == 0 {
		return
	}

	result.Robustness = result.Overfit.Robustness
	result.MeanDegradation = result.Overfit.MeanDegradation
	result.OverfittingIndex = result.Overfit.OverfittingIndex
	result.MeanInSampleReturn = lo.MeanBy(segs, func(s Segment) float64 { return s.InSampleReturn })
	result.MeanOutOfSampleReturn = lo.MeanBy(segs, func(s Segment) float64 { return s.OutOfSampleReturn })
	result.CompoundedReturn = compound(lo.Map(segs, func(s Segment, _ int) float64 { return s.OutOfSampleReturn }))
	if result.MeanInSampleReturn != 0 {
		result.EfficiencyRatio = result.MeanOutOfSampleReturn / result.MeanInSampleReturn
	}
}

// stability averages the parameter, return and drawdown stability terms
func stability(segs []Segment) StabilityScores {
	scores := StabilityScores{Parameters: map[string]float64{}}
	if len(segs) == 0 {
		return scores
	}

	names := lo.Uniq(lo.FlatMap(segs, func(s Segment, _ int) []string { return s.BestParameters.Keys() }))
	for _, name := range names {
		values := lo.Map(segs, func(s Segment, _ int) float64 { return s.BestParameters[name] })
		scores.Parameters[name] = stabilityScore(values)
	}
	scores.Parameter = 1
	if len(names) > 0 {
		scores.Parameter = lo.Mean(lo.Values(scores.Parameters))
	}
	scores.Returns = stabilityScore(lo.Map(segs, func(s Segment, _ int) float64 { return s.OutOfSampleReturn }))
	scores.Drawdowns = stabilityScore(lo.Map(segs, func(s Segment, _ int) float64 { return s.OutOfSample.MaxDrawdown }))
	scores.Overall = (scores.Parameter + scores.Returns + scores.Drawdowns) / 3
	return scores
}
