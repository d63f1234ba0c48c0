package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/sdk"
	"qsim/internal/testutils"
)

func TestWindowsLayout(t *testing.T) {
	cfg := WindowConfig{OptimizationPeriods: 100, TestPeriods: 50, StepSize: 50}
	require.NoError(t, cfg.Validate())

	for _, n := range []int{150, 199, 200, 320, 1000} {
		windows := cfg.Windows(n)
		want := (n-cfg.WindowSize())/cfg.StepSize + 1
		assert.Len(t, windows, want, "n=%d", n)
		for _, w := range windows {
			assert.Equal(t, w[0].End, w[1].Start)
			assert.Equal(t, 100, w[0].Len())
			assert.Equal(t, 50, w[1].Len())
		}
	}
	assert.Empty(t, cfg.Windows(149))

	// 允许更短的末段
	cfg.MinPeriods = 20
	windows := cfg.Windows(320)
	require.Len(t, windows, 5)
	last := windows[4]
	assert.Equal(t, Period{Start: 300, End: 320}, last[1])

	assert.Len(t, cfg.Windows(315), 4)
}

func TestWindowConfigValidate(t *testing.T) {
	bad := []WindowConfig{
		{OptimizationPeriods: 1, TestPeriods: 10, StepSize: 1},
		{OptimizationPeriods: 10, TestPeriods: 0, StepSize: 1},
		{OptimizationPeriods: 10, TestPeriods: 10, StepSize: 0},
		{OptimizationPeriods: 10, TestPeriods: 10, StepSize: 1, MinPeriods: 11},
	}
	for _, cfg := range bad {
		assert.Error(t, cfg.Validate())
	}
}

func TestDegradation(t *testing.T) {
	d, unreliable := Degradation(0.1, 0.05)
	assert.InDelta(t, 0.5, d, 1e-12)
	assert.False(t, unreliable)

	d, _ = Degradation(-0.1, 0.05)
	assert.InDelta(t, -1.5, d, 1e-12)

	d, unreliable = Degradation(0, 0.3)
	assert.Equal(t, 0.0, d)
	assert.False(t, unreliable)

	d, unreliable = Degradation(5e-5, -0.01)
	assert.InDelta(t, 201, d, 1e-9)
	assert.True(t, unreliable)
}

func TestStabilityScores(t *testing.T) {
	segs := []Segment{
		{BestParameters: sdk.Parameters{"a": 5}, OutOfSampleReturn: 0.1},
	}
	s := stability(segs)
	assert.Equal(t, 1.0, s.Overall)

	segs = []Segment{
		{BestParameters: sdk.Parameters{"a": 1}, OutOfSampleReturn: 0.1},
		{BestParameters: sdk.Parameters{"a": 3}, OutOfSampleReturn: 0.1},
	}
	s = stability(segs)
	paramStd := math.Sqrt(2)
	assert.InDelta(t, 1/(1+paramStd), s.Parameters["a"], 1e-12)
	assert.Equal(t, 1.0, s.Returns)
	assert.InDelta(t, (1/(1+paramStd)+2)/3, s.Overall, 1e-12)
}

func TestWalkForwardWithFakeBacktester(t *testing.T) {
	// 样本内最优 x=3, 样本外收益固定为其一半
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) {
		return 0.1 - 0.01*math.Abs(p["x"]-3), nil
	}}
	searcher := newFakeSearcher(t, f)
	v := NewValidator(searcher, nil, testutils.NewTestSuite(t, nil).Logger, nil)

	cfg := DefaultSearchConfig(lineSpace(0, 5))
	cfg.Objective = ObjectiveTotalReturn
	window := WindowConfig{OptimizationPeriods: 40, TestPeriods: 20, StepSize: 20}
	series := testutils.FlatSeries(120, 100)

	res, err := v.Validate(context.Background(), series, base, cfg, window)
	require.NoError(t, err)
	require.Len(t, res.Segments, 4)

	for i, seg := range res.Segments {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, seg.OptimizationPeriod.End, seg.TestPeriod.Start)
		assert.Equal(t, series.Bars[seg.TestPeriod.Start].OpenTime, seg.TestPeriod.StartTime)
		assert.Equal(t, 3.0, seg.BestParameters["x"])
		assert.InDelta(t, 0.1, seg.InSampleReturn, 1e-12)
		assert.InDelta(t, 0.1, seg.OutOfSampleReturn, 1e-12)
		assert.InDelta(t, 0, seg.Degradation, 1e-12)
		assert.Equal(t, 6, seg.Evaluations)
	}
	assert.Equal(t, 1.0, res.Robustness)
	assert.Equal(t, 0.0, res.OverfittingIndex)
	assert.InDelta(t, 1.0, res.Stability.Overall, 1e-12)
	assert.InDelta(t, 1.0, res.EfficiencyRatio, 1e-12)
	assert.InDelta(t, math.Pow(1.1, 4)-1, res.CompoundedReturn, 1e-12)
}

func TestWalkForwardSkipsFailedSegments(t *testing.T) {
	f := &fakeBacktester{score: func(sdk.Parameters) (float64, error) { return 0, errors.New("bad data") }}
	v := NewValidator(newFakeSearcher(t, f), nil, nil, nil)

	window := WindowConfig{OptimizationPeriods: 10, TestPeriods: 5, StepSize: 5}
	res, err := v.Validate(context.Background(), testutils.FlatSeries(30, 1), base, DefaultSearchConfig(lineSpace(0, 1)), window)
	require.NoError(t, err)
	assert.Empty(t, res.Segments)
	assert.Equal(t, 4, res.SkippedSegments)
	assert.Equal(t, 0.0, res.Robustness)
}

func TestWalkForwardRejectsShortSeries(t *testing.T) {
	v := NewValidator(newFakeSearcher(t, &fakeBacktester{}), nil, nil, nil)
	window := WindowConfig{OptimizationPeriods: 50, TestPeriods: 20, StepSize: 10}

	_, err := v.Validate(context.Background(), testutils.FlatSeries(60, 1), base, DefaultSearchConfig(lineSpace(0, 1)), window)
	assert.True(t, apperrors.IsInvalidInput(err))

	window.StepSize = 0
	_, err = v.Validate(context.Background(), testutils.FlatSeries(100, 1), base, DefaultSearchConfig(lineSpace(0, 1)), window)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid))
}

func TestWalkForwardCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 第二段搜索中取消
	f := &fakeBacktester{
		score: func(p sdk.Parameters) (float64, error) { return p["x"], nil },
		onCall: func(_ context.Context, n int) {
			if n == 5 {
				cancel()
			}
		},
	}
	v := NewValidator(newFakeSearcher(t, f, WithWorkers(1)), nil, nil, nil)
	window := WindowConfig{OptimizationPeriods: 10, TestPeriods: 5, StepSize: 5}

	res, err := v.Validate(ctx, testutils.FlatSeries(40, 1), base, DefaultSearchConfig(lineSpace(0, 2)), window)
	assert.True(t, apperrors.IsCancelled(err))
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Len(t, res.Segments, 1)
}

func TestWalkForwardWithSimulator(t *testing.T) {
	searcher := newSimulatorSearcher(t)
	v := NewValidator(searcher, nil, nil, nil)
	series := testutils.RandomWalkSeries(320, 100, 0.01, 3)

	cfg := DefaultSearchConfig(ParameterSpace{
		{Name: "short_period", Min: 3, Max: 5, Step: 1, Integer: true},
		{Name: "long_period", Min: 10, Max: 20, Step: 5, Integer: true},
	})
	window := WindowConfig{OptimizationPeriods: 100, TestPeriods: 50, StepSize: 50}

	res, err := v.Validate(context.Background(), series, sdk.StrategyConfig{Name: "ma_crossover"}, cfg, window)
	require.NoError(t, err)
	require.Len(t, res.Segments, 4)

	for _, seg := range res.Segments {
		assert.Equal(t, seg.OptimizationPeriod.End, seg.TestPeriod.Start)
		require.NotNil(t, seg.OutOfSampleResult)
		assert.Len(t, seg.OutOfSampleResult.EquityCurve, 50)
		assert.Equal(t, 9, seg.Evaluations)
	}
	assert.GreaterOrEqual(t, res.Robustness, 0.0)
	assert.LessOrEqual(t, res.Robustness, 1.0)
	assert.Greater(t, res.Stability.Overall, 0.0)
	assert.LessOrEqual(t, res.Stability.Overall, 1.0)
	assert.InDelta(t, math.Max(0, res.MeanDegradation)/100, res.OverfittingIndex, 1e-12)
}
