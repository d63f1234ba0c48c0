package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qsim/internal/alerting"
	"qsim/internal/config"
	apperrors "qsim/internal/errors"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/strategy/sdk"
	"qsim/internal/strategy/templates"
	"qsim/internal/testutils"
)

type fakeValidator struct {
	mu      sync.Mutex
	calls   int
	bars    int
	release chan struct{}
	started chan struct{}
}

func (f *fakeValidator) Validate(ctx context.Context, series *kline.Series, _ sdk.StrategyConfig, _ optimizer.SearchConfig, _ optimizer.WindowConfig) (*optimizer.WalkForwardResult, error) {
	f.mu.Lock()
	f.calls++
	f.bars = series.Len()
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.ErrCodeCancelled, "cancelled", ctx.Err())
		}
	}
	oos := &backtest.Result{Metrics: metrics.Summary{SharpeRatio: 0.5}}
	return &optimizer.WalkForwardResult{
		Segments:   []optimizer.Segment{{BestParameters: sdk.Parameters{"x": 1}, OutOfSampleResult: oos}},
		Robustness: 0.8,
	}, nil
}

func (f *fakeValidator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type runEvent struct {
	job       string
	triggered bool
	err       error
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []runEvent
}

func (r *fakeRecorder) RecordScheduledRun(job string, triggered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, runEvent{job, triggered, err})
}

func (r *fakeRecorder) Events() []runEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runEvent(nil), r.events...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (n *fakeNotifier) SendAlert(_ context.Context, alert alerting.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *fakeNotifier) Alerts() []alerting.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alerting.Alert(nil), n.alerts...)
}

func testConfig(dir string, schedules ...config.ScheduleConfig) *config.Config {
	cfg := config.Default()
	cfg.Data.Dir = dir
	cfg.Schedules = schedules
	return cfg
}

func schedule(name, file string) config.ScheduleConfig {
	return config.ScheduleConfig{
		Name:     name,
		Cron:     "0 0 * * * *",
		Enabled:  true,
		File:     file,
		Strategy: sdk.StrategyConfig{Name: "ma_crossover"},
		Space: optimizer.ParameterSpace{
			{Name: "short_period", Min: 3, Max: 5, Step: 1, Integer: true},
			{Name: "long_period", Min: 10, Max: 20, Step: 5, Integer: true},
		},
		Trigger: optimizer.TriggerConfig{MinSharpe: 1},
	}
}

func TestSchedulerRunNow(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.WriteSeries("btc.parquet", testutils.RandomWalkSeries(200, 100, 0.01, 1))

	sc := schedule("btc", "btc.parquet")
	sc.LastBars = 150
	v := &fakeValidator{}
	rec := &fakeRecorder{}
	s, err := New(testConfig(suite.TempDir, sc), v, WithLogger(suite.Logger), WithRecorder(rec))
	require.NoError(t, err)

	record, err := s.RunNow(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, 150, record.Bars)
	assert.Equal(t, 150, v.bars)
	assert.Equal(t, 1, record.Segments)
	assert.Equal(t, 0.8, record.Robustness)
	assert.Equal(t, sdk.Parameters{"x": 1}, record.BestParameters)
	assert.True(t, record.Trigger.Triggered)
	assert.Contains(t, record.Trigger.Reason, "sharpe")

	job, err := s.Get("btc")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Runs)
	require.NotNil(t, job.LastRun)
	assert.Equal(t, record.StartedAt, job.LastRunTime)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, runEvent{"btc", true, nil}, events[0])
}

func TestSchedulerWithWalkForwardValidator(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.WriteSeries("eth.parquet", testutils.RandomWalkSeries(320, 100, 0.01, 3))

	engine, err := backtest.NewEngine(backtest.DefaultConfig(), backtest.WithLogger(suite.Logger))
	require.NoError(t, err)
	searcher := optimizer.NewSearcher(backtest.NewSimulator(engine, templates.NewRegistry()), optimizer.WithSearchLogger(suite.Logger))
	validator := optimizer.NewValidator(searcher, nil, suite.Logger, nil)

	sc := schedule("eth", "eth.parquet")
	sc.Window = &optimizer.WindowConfig{OptimizationPeriods: 100, TestPeriods: 50, StepSize: 50}
	sc.Trigger = optimizer.TriggerConfig{MinSharpe: 1000}
	s, err := New(testConfig(suite.TempDir, sc), validator, WithLogger(suite.Logger))
	require.NoError(t, err)

	record, err := s.RunNow(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, 320, record.Bars)
	assert.Equal(t, 4, record.Segments)
	assert.Contains(t, record.BestParameters, "short_period")
	assert.True(t, record.Trigger.Triggered)
}

func TestSchedulerRunFailures(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	rec := &fakeRecorder{}
	disabled := schedule("off", "off.parquet")
	disabled.Enabled = false

	s, err := New(testConfig(suite.TempDir, schedule("missing", "missing.parquet"), disabled), &fakeValidator{}, WithLogger(suite.Logger), WithRecorder(rec))
	require.NoError(t, err)

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "missing", jobs[0].Name)
	assert.Equal(t, JobStatusPending, jobs[0].Status)

	record, err := s.RunNow(context.Background(), "missing")
	require.Error(t, err)
	assert.NotEmpty(t, record.Error)

	job, err := s.Get("missing")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Runs)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Error(t, events[0].err)
	assert.False(t, events[0].triggered)

	_, err = s.Get("off")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	_, err = s.RunNow(context.Background(), "off")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestSchedulerNotifies(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.WriteSeries("btc.parquet", testutils.RandomWalkSeries(100, 100, 0.01, 1))

	quiet := schedule("quiet", "btc.parquet")
	quiet.Trigger = optimizer.TriggerConfig{}
	n := &fakeNotifier{}
	s, err := New(testConfig(suite.TempDir, schedule("btc", "btc.parquet"), schedule("gone", "gone.parquet"), quiet),
		&fakeValidator{}, WithLogger(suite.Logger), WithNotifier(n))
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "btc")
	require.NoError(t, err)
	_, err = s.RunNow(context.Background(), "gone")
	require.Error(t, err)
	_, err = s.RunNow(context.Background(), "quiet")
	require.NoError(t, err)

	alerts := n.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, alerting.AlertLevelWarning, alerts[0].Level)
	assert.Equal(t, "scheduler/btc", alerts[0].Source)
	assert.Contains(t, alerts[0].Message, "sharpe")
	assert.Equal(t, sdk.Parameters{"x": 1}, alerts[0].Metadata["best_parameters"])
	assert.Equal(t, alerting.AlertLevelError, alerts[1].Level)
	assert.Contains(t, alerts[1].Title, "gone")
}

func TestSchedulerRejectsOverlappingRuns(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.WriteSeries("btc.parquet", testutils.FlatSeries(50, 100))

	v := &fakeValidator{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s, err := New(testConfig(suite.TempDir, schedule("btc", "btc.parquet")), v, WithLogger(suite.Logger))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "btc")
		done <- err
	}()
	<-v.started

	job, err := s.Get("btc")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)

	_, err = s.RunNow(context.Background(), "btc")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimit))

	close(v.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, v.Calls())
}

func TestSchedulerStopCancelsRunningJob(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.WriteSeries("btc.parquet", testutils.FlatSeries(50, 100))

	sc := schedule("btc", "btc.parquet")
	sc.Cron = "* * * * * *"
	v := &fakeValidator{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s, err := New(testConfig(suite.TempDir, sc), v, WithLogger(suite.Logger))
	require.NoError(t, err)

	s.Start()
	job, err := s.Get("btc")
	require.NoError(t, err)
	assert.False(t, job.NextRunTime.IsZero())

	select {
	case <-v.started:
	case <-time.After(5 * time.Second):
		t.Fatal("cron job did not fire")
	}
	s.Stop()

	job, err = s.Get("btc")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.LastRun)
	assert.Contains(t, job.LastRun.Error, "CANCELLED")
}

func TestSchedulerReload(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.WriteSeries("btc.parquet", testutils.FlatSeries(50, 100))

	v := &fakeValidator{}
	s, err := New(testConfig(suite.TempDir, schedule("btc", "btc.parquet")), v, WithLogger(suite.Logger))
	require.NoError(t, err)
	_, err = s.RunNow(context.Background(), "btc")
	require.NoError(t, err)

	updated := schedule("btc", "btc.parquet")
	updated.Cron = "0 30 * * * *"
	require.NoError(t, s.Reload(testConfig(suite.TempDir, updated, schedule("eth", "eth.parquet"))))

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "btc", jobs[0].Name)
	assert.Equal(t, "0 30 * * * *", jobs[0].Cron)
	assert.Equal(t, 1, jobs[0].Runs)
	assert.Equal(t, JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, "eth", jobs[1].Name)
	assert.Equal(t, JobStatusPending, jobs[1].Status)

	bad := schedule("bad", "x.parquet")
	bad.Cron = "not a cron"
	err = s.Reload(testConfig(suite.TempDir, bad))
	assert.True(t, apperrors.IsInvalidInput(err))
	assert.Len(t, s.List(), 2)
}

func TestNewRejectsInvalidCron(t *testing.T) {
	sc := schedule("bad", "x.parquet")
	sc.Cron = "61 * * * * *"
	_, err := New(testConfig(t.TempDir(), sc), &fakeValidator{})
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestLoadSeries(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	path := suite.WriteSeries("sub.parquet", testutils.TrendSeries(30, 100, 1))

	series, err := LoadSeries(suite.TempDir, "sub.parquet", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, series.Len())
	assert.Equal(t, 129.0, series.Last().Close)

	series, err = LoadSeries("ignored", path, 0)
	require.NoError(t, err)
	assert.Equal(t, 30, series.Len())

	_, err = LoadSeries(suite.TempDir, "nope.parquet", 0)
	assert.Error(t, err)
}
