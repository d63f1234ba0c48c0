package optimizer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"qsim/internal/market/kline"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
	"qsim/internal/strategy/templates"
	"qsim/internal/testutils"
)

// fakeBacktester scores parameters with a plain function and reports it as
// total return
type fakeBacktester struct {
	mu     sync.Mutex
	calls  int
	score  func(p sdk.Parameters) (float64, error)
	onCall func(ctx context.Context, n int)
}

func (f *fakeBacktester) Simulate(ctx context.Context, _ *kline.Series, cfg sdk.StrategyConfig) (*backtest.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(ctx, n)
	}
	ret, err := f.score(cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return &backtest.Result{Metrics: metrics.Summary{TotalReturn: ret}}, nil
}

func (f *fakeBacktester) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFakeSearcher(t *testing.T, f *fakeBacktester, opts ...SearcherOption) *Searcher {
	t.Helper()
	opts = append([]SearcherOption{WithSearchLogger(testutils.NewTestSuite(t, nil).Logger)}, opts...)
	return NewSearcher(f, opts...)
}

func newSimulatorSearcher(t *testing.T) *Searcher {
	t.Helper()
	log := testutils.NewTestSuite(t, nil).Logger
	engine, err := backtest.NewEngine(backtest.DefaultConfig(), backtest.WithLogger(log))
	require.NoError(t, err)
	return NewSearcher(backtest.NewSimulator(engine, templates.NewRegistry()), WithSearchLogger(log), WithWorkers(4))
}

var fakeSeries = testutils.FlatSeries(10, 100)
