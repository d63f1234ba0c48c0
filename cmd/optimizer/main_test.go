package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qsim/internal/analysis/comparison"
	"qsim/internal/app"
	"qsim/internal/config"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/testutils"
)

func newRunner(t *testing.T) (*Runner, *testutils.TestSuite) {
	suite := testutils.NewTestSuite(t, nil)
	cfg := config.Default()
	cfg.Data.Dir = suite.TempDir
	cfg.Optimizer.Workers = 2
	cfg.Comparison.MonteCarloIterations = 20
	cfg.Comparison.SensitivityRange = 0

	service, err := app.New(cfg, app.WithLogger(suite.Logger))
	require.NoError(t, err)
	suite.AddCleanup(func() { _ = service.Shutdown(context.Background()) })

	suite.WriteSeries("btc.parquet", testutils.RandomWalkSeries(300, 100, 0.01, 3))
	return &Runner{service: service, config: cfg}, suite
}

func TestRunnerModes(t *testing.T) {
	runner, suite := newRunner(t)
	ctx := context.Background()

	out, err := runner.Run(ctx, "backtest", []byte(`{
		"series": {"file": "btc.parquet", "last_bars": 120},
		"strategy": {"name": "ma_crossover", "parameters": {"short_period": 5, "long_period": 20}}
	}`), "", 0)
	require.NoError(t, err)
	result := out.(*backtest.Result)
	assert.Equal(t, 120, result.Bars)

	out, err = runner.Run(ctx, "search", []byte(`{
		"series": {"file": "btc.parquet"},
		"strategy": {"name": "ma_crossover", "parameters": {"long_period": 30}},
		"space": [{"name": "short_period", "min": 2, "max": 10, "step": 2, "integer": true}],
		"top": 2
	}`), "", 0)
	require.NoError(t, err)
	assert.Len(t, out.(*optimizer.SearchResult).Results, 2)

	// -file 覆盖请求中的序列
	out, err = runner.Run(ctx, "compare", []byte(`{
		"strategies": [{"name": "buy_and_hold"}, {"name": "ma_crossover", "parameters": {"short_period": 5, "long_period": 20}}]
	}`), filepath.Join(suite.TempDir, "btc.parquet"), 50)
	require.NoError(t, err)
	cmp := out.(*comparison.StrategyComparison)
	assert.Len(t, cmp.Strategies, 2)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "buy_and_hold")
}

func TestRunnerErrors(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	_, err := runner.Run(ctx, "replay", []byte(`{}`), "", 0)
	assert.ErrorContains(t, err, "unknown mode")

	_, err = runner.Run(ctx, "backtest", []byte(`{"series": {}}`), "", 0)
	assert.ErrorContains(t, err, "no series")

	_, err = runner.Run(ctx, "walkforward", []byte(`{`), "", 0)
	assert.ErrorContains(t, err, "invalid walk-forward request")
}
