package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qsim/internal/cache"
	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/sdk"
	"qsim/internal/testutils"
)

var base = sdk.StrategyConfig{Name: "fake"}

func lineSpace(from, to float64) ParameterSpace {
	return ParameterSpace{{Name: "x", Min: from, Max: to, Step: 1}}
}

func TestGridSingleValueReturnsOneResult(t *testing.T) {
	searcher := newSimulatorSearcher(t)
	series := testutils.RandomWalkSeries(200, 100, 0.01, 11)
	cfg := DefaultSearchConfig(ParameterSpace{{Name: "short_period", Min: 5, Max: 5, Step: 1, Integer: true}})

	res, err := searcher.Search(context.Background(), series, sdk.StrategyConfig{Name: "ma_crossover"}, cfg)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 1, res.Evaluations)
	assert.Equal(t, 5.0, res.Results[0].Parameters["short_period"])
	assert.NotNil(t, res.Results[0].Backtest)
	assert.Empty(t, res.Failures)
}

func TestGridRanksByFitness(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) {
		x := p["x"]
		return -(x - 3) * (x - 3), nil
	}}
	cfg := DefaultSearchConfig(lineSpace(0, 6))
	cfg.Objective = ObjectiveTotalReturn

	res, err := newFakeSearcher(t, f, WithWorkers(3)).Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	require.Len(t, res.Results, 7)
	assert.Equal(t, 7, f.Calls())

	best, ok := res.Best()
	require.True(t, ok)
	assert.Equal(t, 3.0, best.Parameters["x"])
	// 同分按评估顺序
	assert.Equal(t, 2.0, res.Results[1].Parameters["x"])
	assert.Equal(t, 4.0, res.Results[2].Parameters["x"])
	for i := 1; i < len(res.Results); i++ {
		assert.GreaterOrEqual(t, res.Results[i-1].Fitness, res.Results[i].Fitness)
	}
	assert.Len(t, res.Top(2), 2)
}

func TestFailuresAreRecordedNotRanked(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) {
		switch p["x"] {
		case 2:
			return 0, errors.New("division by zero")
		case 3:
			panic("index out of range")
		}
		return p["x"], nil
	}}
	cfg := DefaultSearchConfig(lineSpace(1, 4))
	cfg.Objective = ObjectiveTotalReturn

	res, err := newFakeSearcher(t, f).Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	assert.Equal(t, 4.0, res.Results[0].Parameters["x"])
	assert.Equal(t, 1.0, res.Results[1].Parameters["x"])

	require.Len(t, res.Failures, 2)
	for _, fail := range res.Failures {
		assert.Equal(t, WorstFitness, fail.Fitness)
		assert.True(t, fail.Failed())
		assert.Contains(t, fail.Error, "SIMULATION_FAILED")
	}
	assert.Equal(t, 4, res.Evaluations)
}

func TestInvalidConfigFailsBeforeSimulation(t *testing.T) {
	f := &fakeBacktester{score: func(sdk.Parameters) (float64, error) { return 0, nil }}
	s := newFakeSearcher(t, f)

	bad := []SearchConfig{
		DefaultSearchConfig(lineSpace(5, 1)),
		{Method: MethodRandom, Space: lineSpace(0, 1), Random: RandomConfig{Samples: 0}},
		{Method: MethodGenetic, Space: lineSpace(0, 1), Genetic: GeneticConfig{PopulationSize: 2, EliteSize: 3, MaxGenerations: 1, TournamentSize: 1}},
		{Method: "annealing", Space: lineSpace(0, 1)},
		{Method: MethodGrid, Objective: "alpha", Space: lineSpace(0, 1)},
		DefaultSearchConfig(lineSpace(0, 1e300)),
		DefaultSearchConfig(ParameterSpace{
			{Name: "a", Min: 1, Max: 1000, Step: 1},
			{Name: "b", Min: 1, Max: 1000, Step: 1},
		}),
	}
	for _, cfg := range bad {
		_, err := s.Search(context.Background(), fakeSeries, base, cfg)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid), "%v", err)
	}

	_, err := s.Search(context.Background(), testutils.FlatSeries(0, 1), base, DefaultSearchConfig(lineSpace(0, 1)))
	assert.True(t, apperrors.IsInvalidInput(err))
	assert.Zero(t, f.Calls())
}

func TestCancellationKeepsCompletedResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeBacktester{
		score: func(p sdk.Parameters) (float64, error) { return p["x"], nil },
		onCall: func(_ context.Context, n int) {
			if n == 3 {
				cancel()
			}
		},
	}
	cfg := DefaultSearchConfig(lineSpace(0, 9))
	cfg.Objective = ObjectiveTotalReturn

	res, err := newFakeSearcher(t, f, WithWorkers(1)).Search(ctx, fakeSeries, base, cfg)
	require.Error(t, err)
	assert.True(t, apperrors.IsCancelled(err))
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Len(t, res.Results, 3)
	assert.Equal(t, 2.0, res.Results[0].Parameters["x"])
	assert.Equal(t, 3, f.Calls())
}

func TestRandomSearchIsSeeded(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) { return p["x"] + p["n"], nil }}
	cfg := SearchConfig{
		Method:    MethodRandom,
		Objective: ObjectiveTotalReturn,
		Space: ParameterSpace{
			{Name: "x", Min: 0, Max: 1, Step: 0.1},
			{Name: "n", Min: 1, Max: 5, Step: 1, Integer: true},
		},
		Random: RandomConfig{Samples: 25, Seed: 7},
	}
	s := newFakeSearcher(t, f)

	a, err := s.Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	b, err := s.Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)

	require.Equal(t, len(a.Results), len(b.Results))
	for i := range a.Results {
		assert.Equal(t, a.Results[i].Parameters, b.Results[i].Parameters)
		assert.GreaterOrEqual(t, a.Results[i].Parameters["x"], 0.0)
		assert.LessOrEqual(t, a.Results[i].Parameters["x"], 1.0)
		assert.Contains(t, []float64{1, 2, 3, 4, 5}, a.Results[i].Parameters["n"])
	}
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestGeneticFullEliteNeverChanges(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) { return p["x"] * p["y"], nil }}
	cfg := SearchConfig{
		Method:    MethodGenetic,
		Objective: ObjectiveTotalReturn,
		Space: ParameterSpace{
			{Name: "x", Min: 0, Max: 10, Step: 1},
			{Name: "y", Min: 0, Max: 10, Step: 1},
		},
		Genetic: GeneticConfig{
			PopulationSize: 8,
			EliteSize:      8,
			MutationRate:   1,
			CrossoverRate:  1,
			MaxGenerations: 30,
			TournamentSize: 3,
			Seed:           5,
		},
	}

	res, err := newFakeSearcher(t, f).Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)

	// 第0代后无改进, 10代后收敛停止
	require.Len(t, res.History, 1+stagnationLimit)
	assert.Equal(t, 8, res.History[0].NewEvaluations)
	for _, gen := range res.History[1:] {
		assert.Zero(t, gen.NewEvaluations)
		assert.Equal(t, res.History[0].Population, gen.Population)
		assert.Equal(t, res.History[0].BestFitness, gen.BestFitness)
	}
	assert.Equal(t, 8, f.Calls())
	assert.Equal(t, 8, res.Evaluations)
	assert.Len(t, res.Results, 8)
}

func TestGeneticConverges(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) {
		return -(p["x"]-7)*(p["x"]-7) - (p["y"]-2)*(p["y"]-2), nil
	}}
	cfg := SearchConfig{
		Method:    MethodGenetic,
		Objective: ObjectiveTotalReturn,
		Space: ParameterSpace{
			{Name: "x", Min: 0, Max: 10, Step: 1},
			{Name: "y", Min: 0, Max: 10, Step: 1},
		},
		Genetic: DefaultGeneticConfig(),
	}
	cfg.Genetic.PopulationSize = 20
	cfg.Genetic.EliteSize = 2
	cfg.Genetic.MaxGenerations = 40

	res, err := newFakeSearcher(t, f).Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, res.History)
	assert.LessOrEqual(t, len(res.History), 40)

	best, _ := res.Best()
	assert.Greater(t, best.Fitness, -5.0)
	for i := 1; i < len(res.History); i++ {
		// 精英保留使最优值单调不降
		assert.GreaterOrEqual(t, res.History[i].BestFitness, res.History[i-1].BestFitness)
	}
	assert.Equal(t, f.Calls(), res.Evaluations)
}

func TestProgressMessages(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) { return p["x"], nil }}
	progress := make(chan Progress, 100)
	cfg := DefaultSearchConfig(lineSpace(1, 5))
	cfg.Objective = ObjectiveTotalReturn
	cfg.Progress = progress

	res, err := newFakeSearcher(t, f, WithWorkers(1)).Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	close(progress)

	var last Progress
	count := 0
	for p := range progress {
		count++
		last = p
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, 5, last.Completed)
	assert.Equal(t, 5, last.Total)
	assert.Equal(t, 5.0, last.BestFitness)
	assert.Equal(t, res.RunID, last.RunID)
}

func TestSharedCacheSkipsSimulation(t *testing.T) {
	mem := cache.NewMemoryCache(100)
	defer mem.Close()

	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) { return p["x"], nil }}
	s := newFakeSearcher(t, f, WithCache(mem, time.Minute))
	cfg := DefaultSearchConfig(lineSpace(1, 3))
	cfg.Objective = ObjectiveTotalReturn

	first, err := s.Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Calls())
	assert.False(t, first.Results[0].Cached)

	second, err := s.Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Calls())
	require.Len(t, second.Results, 3)
	assert.True(t, second.Results[0].Cached)
	assert.Nil(t, second.Results[0].Backtest)
	assert.Equal(t, first.Results[0].Fitness, second.Results[0].Fitness)

	// 不同序列不共享缓存
	_, err = s.Search(context.Background(), testutils.FlatSeries(12, 100), base, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, f.Calls())
}

func TestOnlyBestResultsKeepBacktests(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) { return p["x"], nil }}
	s := newFakeSearcher(t, f, WithWorkers(4))
	cfg := DefaultSearchConfig(lineSpace(1, 20))
	cfg.Objective = ObjectiveTotalReturn
	cfg.KeepBacktests = 3

	res, err := s.Search(context.Background(), fakeSeries, base, cfg)
	require.NoError(t, err)
	require.Len(t, res.Results, 20)
	for i, r := range res.Results {
		if i < 3 {
			require.NotNil(t, r.Backtest, "rank %d", i)
			assert.Equal(t, r.Summary, r.Backtest.Metrics)
		} else {
			assert.Nil(t, r.Backtest, "rank %d", i)
		}
	}
	assert.Equal(t, 20.0, res.Results[0].Parameters["x"])

	cfg.KeepBacktests = -1
	_, err = s.Search(context.Background(), fakeSeries, base, cfg)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid))
}

func TestEvaluatorMemoDropsBacktests(t *testing.T) {
	f := &fakeBacktester{score: func(p sdk.Parameters) (float64, error) { return p["x"], nil }}
	s := newFakeSearcher(t, f)
	cfg := DefaultSearchConfig(lineSpace(1, 10))
	cfg.Objective = ObjectiveTotalReturn
	cfg.KeepBacktests = 2

	ev := newEvaluator(s, fakeSeries, base, cfg, "memo")
	_, _, err := ev.evaluate(context.Background(), cfg.Space.Grid())
	require.NoError(t, err)

	require.Len(t, ev.memo, 10)
	for key, r := range ev.memo {
		assert.Nil(t, r.Backtest, key)
	}
	assert.Len(t, ev.kept, 2)
	for _, b := range ev.kept {
		assert.GreaterOrEqual(t, b.fitness, 9.0)
	}

	// 同一参数再次评估走备忘录
	again, fresh, err := ev.evaluate(context.Background(), []sdk.Parameters{{"x": 10}})
	require.NoError(t, err)
	assert.Zero(t, fresh)
	assert.Nil(t, again[0].Backtest)
	assert.Equal(t, 10, f.Calls())
}
