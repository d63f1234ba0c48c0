package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"qsim/internal/alerting"
	"qsim/internal/analysis/comparison"
	"qsim/internal/cache"
	"qsim/internal/logger"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/strategy/sdk"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Logging     logger.Config     `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Cache       cache.Config      `yaml:"cache"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Data        DataConfig        `yaml:"data"`
	Backtest    backtest.Config   `yaml:"backtest"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	WalkForward WalkForwardConfig `yaml:"walk_forward"`
	Comparison  comparison.Config `yaml:"comparison"`
	Schedules   []ScheduleConfig  `yaml:"schedules"`
	Alerting    alerting.Config   `yaml:"alerting"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"` // 请求体上限, 含内联K线
}

// Addr returns host:port
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// DataConfig locates the Parquet bar files
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// OptimizerConfig represents parameter search defaults
type OptimizerConfig struct {
	Workers          int                     `yaml:"workers"` // 0 表示 CPU 核数
	Method           optimizer.Method        `yaml:"method"`
	Objective        optimizer.Objective     `yaml:"objective"`
	Random           optimizer.RandomConfig  `yaml:"random"`
	Genetic          optimizer.GeneticConfig `yaml:"genetic"`
	CacheTTL         time.Duration           `yaml:"cache_ttl"`
	MaxTasks         int                     `yaml:"max_tasks"`          // 同时运行的后台任务上限
	KeepBacktests    int                     `yaml:"keep_backtests"`     // 每次搜索保留完整回测结果的前N个
	TaskTTL          time.Duration           `yaml:"task_ttl"`           // 已结束任务的保留时长, 0 表示不过期
	MaxFinishedTasks int                     `yaml:"max_finished_tasks"` // 已结束任务的保留数量, 0 表示不限制
}

// WalkForwardConfig represents walk-forward defaults
type WalkForwardConfig struct {
	optimizer.WindowConfig `yaml:",inline"`
	Overfit                optimizer.OverfitConfig `yaml:"overfit"`
}

// ScheduleConfig is one cron-driven revalidation job. The series is read
// from File under Data.Dir.
type ScheduleConfig struct {
	Name      string                   `yaml:"name"`
	Cron      string                   `yaml:"cron"` // 秒级 cron 表达式
	Enabled   bool                     `yaml:"enabled"`
	File      string                   `yaml:"file"`
	LastBars  int                      `yaml:"last_bars"` // 0 表示全部
	Strategy  sdk.StrategyConfig       `yaml:"strategy"`
	Space     optimizer.ParameterSpace `yaml:"space"`
	Method    optimizer.Method         `yaml:"method"`
	Objective optimizer.Objective      `yaml:"objective"`
	Window    *optimizer.WindowConfig  `yaml:"window"` // 空表示使用 walk_forward
	Trigger   optimizer.TriggerConfig  `yaml:"trigger"`
}

// Default returns a configuration with every value set
func Default() *Config {
	logging := logger.DefaultConfig
	logging.Format = logger.FormatText

	return &Config{
		App: AppConfig{
			Name:        "qsim",
			Version:     "1.0.0",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    64 << 20,
		},
		Logging: logging,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             20,
		},
		Cache: cache.DefaultConfig(),
		Monitoring: MonitoringConfig{
			PrometheusEnabled: true,
			PrometheusPath:    "/metrics",
		},
		Data:     DataConfig{Dir: "data"},
		Backtest: backtest.DefaultConfig(),
		Optimizer: OptimizerConfig{
			Workers:          runtime.NumCPU(),
			Method:           optimizer.MethodGrid,
			Objective:        optimizer.ObjectiveComposite,
			Random:           optimizer.DefaultRandomConfig(),
			Genetic:          optimizer.DefaultGeneticConfig(),
			CacheTTL:         24 * time.Hour,
			MaxTasks:         4,
			KeepBacktests:    optimizer.DefaultKeepBacktests,
			TaskTTL:          24 * time.Hour,
			MaxFinishedTasks: 100,
		},
		WalkForward: WalkForwardConfig{
			WindowConfig: optimizer.WindowConfig{
				OptimizationPeriods: 500,
				TestPeriods:         100,
				StepSize:            100,
			},
			Overfit: optimizer.DefaultOverfitConfig(),
		},
		Comparison: comparison.DefaultConfig(),
		Alerting:   alerting.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and applies QSIM_ environment
// overrides. The result is validated.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	NewEnvManager("").Apply(config)

	if err := NewValidator(config).Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WindowOr returns the schedule's window, falling back to def
func (s ScheduleConfig) WindowOr(def optimizer.WindowConfig) optimizer.WindowConfig {
	if s.Window != nil {
		return *s.Window
	}
	return def
}

// SearchConfig builds a search configuration over space from the optimizer
// defaults
func (c *Config) SearchConfig(space optimizer.ParameterSpace) optimizer.SearchConfig {
	search := optimizer.DefaultSearchConfig(space)
	if c.Optimizer.Method != "" {
		search.Method = c.Optimizer.Method
	}
	if c.Optimizer.Objective != "" {
		search.Objective = c.Optimizer.Objective
	}
	search.Random = c.Optimizer.Random
	search.Genetic = c.Optimizer.Genetic
	search.KeepBacktests = c.Optimizer.KeepBacktests
	return search
}

// ScheduleSearchConfig builds the search configuration of a schedule
func (c *Config) ScheduleSearchConfig(s ScheduleConfig) optimizer.SearchConfig {
	search := c.SearchConfig(s.Space)
	if s.Method != "" {
		search.Method = s.Method
	}
	if s.Objective != "" {
		search.Objective = s.Objective
	}
	return search
}

// Schedule returns the named schedule
func (c *Config) Schedule(name string) (ScheduleConfig, bool) {
	for _, s := range c.Schedules {
		if s.Name == name {
			return s, true
		}
	}
	return ScheduleConfig{}, false
}
