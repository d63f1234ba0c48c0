package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/strategy/sdk"
	"qsim/internal/testutils"
)

const testConfig = `
app:
  name: "qsim-test"
  environment: "test"

server:
  port: 8181

cache:
  ttl: 1h

backtest:
  commission_rate: 0.002
  allow_short: true

optimizer:
  method: genetic
  keep_backtests: 3
  task_ttl: 6h
  genetic:
    population_size: 20
    elite_size: 2
    mutation_rate: 0.2
    crossover_rate: 0.6
    max_generations: 15
    convergence_threshold: 0.0001
    tournament_size: 3
    seed: 7

walk_forward:
  optimization_periods: 200
  test_periods: 50
  step_size: 50

schedules:
  - name: btc-hourly
    cron: "0 0 * * * *"
    enabled: true
    file: btc_1h.parquet
    strategy:
      name: ma_crossover
    space:
      - {name: short_period, min: 3, max: 9, step: 2, integer: true}
      - {name: long_period, min: 20, max: 40, step: 10, integer: true}
    method: grid
    trigger:
      min_sharpe: 0.5
`

func TestLoadConfig(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	configPath := suite.CreateTempFile("config.yaml", testConfig)
	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "qsim-test", config.App.Name)
	assert.Equal(t, 8181, config.Server.Port)
	assert.Equal(t, time.Hour, config.Cache.TTL)
	assert.Equal(t, 0.002, config.Backtest.CommissionRate)
	assert.True(t, config.Backtest.AllowShort)

	// 未出现的字段保留默认值
	assert.Equal(t, 10000.0, config.Backtest.InitialCapital)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 1000, config.Comparison.MonteCarloIterations)

	assert.Equal(t, optimizer.MethodGenetic, config.Optimizer.Method)
	assert.Equal(t, 20, config.Optimizer.Genetic.PopulationSize)
	assert.Equal(t, 6*time.Hour, config.Optimizer.TaskTTL)
	assert.Equal(t, 100, config.Optimizer.MaxFinishedTasks)
	assert.Equal(t, 200, config.WalkForward.OptimizationPeriods)
	assert.Equal(t, 50, config.WalkForward.StepSize)

	require.Len(t, config.Schedules, 1)
	s, ok := config.Schedule("btc-hourly")
	require.True(t, ok)
	assert.Equal(t, "ma_crossover", s.Strategy.Name)
	require.Len(t, s.Space, 2)
	assert.True(t, s.Space[0].Integer)
	assert.Equal(t, 0.5, s.Trigger.MinSharpe)
	assert.Equal(t, config.WalkForward.WindowConfig, s.WindowOr(config.WalkForward.WindowConfig))

	search := config.ScheduleSearchConfig(s)
	assert.Equal(t, optimizer.MethodGrid, search.Method)
	assert.Equal(t, optimizer.ObjectiveComposite, search.Objective)
	assert.Equal(t, 20, search.Genetic.PopulationSize)
	assert.Equal(t, 3, search.KeepBacktests)
	require.NoError(t, search.Validate())

	_, ok = config.Schedule("missing")
	assert.False(t, ok)
}

func TestLoadConfigWithEnvironmentOverride(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	t.Setenv("QSIM_SERVER_PORT", "9090")
	t.Setenv("QSIM_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("QSIM_OPTIMIZER_WORKERS", "3")
	t.Setenv("QSIM_COMMISSION_RATE", "not-a-number")

	config, err := Load(suite.CreateTempFile("config.yaml", "server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "redis.internal:6379", config.Cache.Addr)
	assert.Equal(t, 3, config.Optimizer.Workers)
	assert.Equal(t, 0.001, config.Backtest.CommissionRate)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("server: [1, 2"))
	assert.Error(t, err)

	_, err = Parse([]byte("server:\n  port: 70000\n"))
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid default", func(*Config) {}, false},
		{"invalid port", func(c *Config) { c.Server.Port = -1 }, true},
		{"empty app name", func(c *Config) { c.App.Name = "" }, true},
		{"unknown environment", func(c *Config) { c.App.Environment = "moon" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"file output without filename", func(c *Config) { c.Logging.Output = "file" }, true},
		{"rate limit without rpm", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, true},
		{"rate limit disabled", func(c *Config) { c.RateLimit.Enabled, c.RateLimit.RequestsPerMinute = false, 0 }, false},
		{"redis without addr", func(c *Config) { c.Cache.Enabled, c.Cache.Addr = true, "" }, true},
		{"negative capital", func(c *Config) { c.Backtest.InitialCapital = -5 }, true},
		{"unknown method", func(c *Config) { c.Optimizer.Method = "annealing" }, true},
		{"unknown objective", func(c *Config) { c.Optimizer.Objective = "luck" }, true},
		{"negative keep backtests", func(c *Config) { c.Optimizer.KeepBacktests = -1 }, true},
		{"negative task ttl", func(c *Config) { c.Optimizer.TaskTTL = -time.Second }, true},
		{"unbounded task retention", func(c *Config) { c.Optimizer.TaskTTL, c.Optimizer.MaxFinishedTasks = 0, 0 }, false},
		{"bad window", func(c *Config) { c.WalkForward.StepSize = 0 }, true},
		{"bad comparison", func(c *Config) { c.Comparison.SensitivityRange = 2 }, true},
		{"valid schedule", func(c *Config) { c.Schedules = []ScheduleConfig{schedule("a")} }, false},
		{"bad cron", func(c *Config) {
			s := schedule("a")
			s.Cron = "every hour"
			c.Schedules = []ScheduleConfig{s}
		}, true},
		{"escaping data file", func(c *Config) {
			s := schedule("a")
			s.File = "../secret.parquet"
			c.Schedules = []ScheduleConfig{s}
		}, true},
		{"alerting without channel", func(c *Config) { c.Alerting.Enabled = true }, true},
		{"alerting with slack", func(c *Config) {
			c.Alerting.Enabled = true
			c.Alerting.Slack.WebhookURL = "https://hooks.slack.com/services/x"
		}, false},
		{"duplicate schedule", func(c *Config) { c.Schedules = []ScheduleConfig{schedule("a"), schedule("a")} }, true},
		{"bad schedule space", func(c *Config) {
			s := schedule("a")
			s.Space[0].Step = 0
			c.Schedules = []ScheduleConfig{s}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := NewValidator(config).Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func schedule(name string) ScheduleConfig {
	return ScheduleConfig{
		Name:     name,
		Cron:     "@every 1h",
		File:     "bars.parquet",
		Strategy: sdk.StrategyConfig{Name: "ma_crossover"},
		Space: optimizer.ParameterSpace{
			{Name: "short_period", Min: 3, Max: 5, Step: 1, Integer: true},
		},
	}
}

func TestEnvManagerFileRoundTrip(t *testing.T) {
	em := NewEnvManager("QSIMTEST_")
	t.Setenv("QSIMTEST_ALPHA", "1")
	t.Setenv("QSIMTEST_WINDOW", "15m")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, em.ExportToFile(path))

	require.NoError(t, os.Unsetenv("QSIMTEST_ALPHA"))
	require.NoError(t, os.Unsetenv("QSIMTEST_WINDOW"))
	assert.Equal(t, 7, em.GetInt("alpha", 7))

	require.NoError(t, em.LoadFromFile(path))
	assert.Equal(t, 1, em.GetInt("alpha", 7))
	assert.Equal(t, 15*time.Minute, em.GetDuration("window", 0))

	assert.Error(t, em.ValidateRequired([]string{"alpha", "beta"}))
	assert.NoError(t, em.ValidateRequired([]string{"alpha"}))
}

func TestEnvManagerTemplate(t *testing.T) {
	em := NewEnvManager("QSIMTPL_")
	src := Default()
	src.Server.Port = 9191
	src.Cache.TTL = 90 * time.Minute
	src.Cache.Password = "secret"
	src.Backtest.CommissionRate = 0.0015
	src.Optimizer.Workers = 3

	vars := em.Template(src)
	assert.Equal(t, "", vars["QSIMTPL_REDIS_PASSWORD"])
	for k, v := range vars {
		t.Setenv(k, v)
	}

	path := filepath.Join(t.TempDir(), ".env.example")
	require.NoError(t, em.WriteTemplate(src, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `QSIMTPL_SERVER_PORT=9191`)

	dst := Default()
	em.Apply(dst)
	assert.Equal(t, 9191, dst.Server.Port)
	assert.Equal(t, 90*time.Minute, dst.Cache.TTL)
	assert.Equal(t, 0.0015, dst.Backtest.CommissionRate)
	assert.Equal(t, 3, dst.Optimizer.Workers)
	assert.Equal(t, src.Logging, dst.Logging)
	assert.Equal(t, src.RateLimit, dst.RateLimit)
}

func TestConfigWatcher(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	configPath := suite.CreateTempFile("config.yaml", "server:\n  port: 8080\n")
	watcher := NewConfigWatcher(configPath, 20*time.Millisecond, suite.Logger)

	var port atomic.Int64
	watcher.AddCallback(func(c *Config) error {
		port.Store(int64(c.Server.Port))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Start(ctx)
	}()

	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9090\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(configPath, future, future))

	testutils.Eventually(t, func() bool { return port.Load() == 9090 }, 5*time.Second, "config change should be detected")
	cancel()
	<-done
	assert.False(t, watcher.IsRunning())
}
