// Package comparison runs several strategy configurations over the same
// series and compares them: ranking, return correlation, portfolio risk,
// Monte Carlo significance and parameter sensitivity.
package comparison

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

// Backtester runs one backtest of a strategy configuration
type Backtester interface {
	Simulate(ctx context.Context, series *kline.Series, cfg sdk.StrategyConfig) (*backtest.Result, error)
}

// Config represents comparator configuration
type Config struct {
	MonteCarloIterations int     `yaml:"monte_carlo_iterations" json:"monte_carlo_iterations"` // 0 表示跳过
	Seed                 int64   `yaml:"seed" json:"seed"`
	SensitivityRange     float64 `yaml:"sensitivity_range" json:"sensitivity_range"` // 0 表示跳过
	SensitivityStep      float64 `yaml:"sensitivity_step" json:"sensitivity_step"`
	Workers              int     `yaml:"workers" json:"workers"`
}

// DefaultConfig returns 1000 shuffles and a ±20% sweep in 5% steps
func DefaultConfig() Config {
	return Config{
		MonteCarloIterations: 1000,
		Seed:                 42,
		SensitivityRange:     0.20,
		SensitivityStep:      0.05,
		Workers:              runtime.NumCPU(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.MonteCarloIterations < 0:
		return fmt.Errorf("monte_carlo_iterations must not be negative, got %d", c.MonteCarloIterations)
	case c.SensitivityRange < 0 || c.SensitivityRange >= 1:
		return fmt.Errorf("sensitivity_range must be in [0, 1), got %f", c.SensitivityRange)
	case c.SensitivityRange > 0 && (c.SensitivityStep <= 0 || c.SensitivityStep > c.SensitivityRange):
		return fmt.Errorf("sensitivity_step must be in (0, %f], got %f", c.SensitivityRange, c.SensitivityStep)
	case c.Workers < 0:
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// StrategyReport is the backtest outcome of one compared strategy
type StrategyReport struct {
	Label    string             `json:"label"`
	Config   sdk.StrategyConfig `json:"config"`
	Metrics  metrics.Summary    `json:"metrics"`
	Returns  []float64          `json:"-"`
	Backtest *backtest.Result   `json:"-"`
}

// StrategyComparison is the full comparison of a strategy set
type StrategyComparison struct {
	ID            string                            `json:"id"`
	Strategies    []StrategyReport                  `json:"strategies"`
	Labels        []string                          `json:"labels"`
	Correlation   [][]float64                       `json:"correlation"` // 按 Labels 顺序
	Rankings      []Ranking                         `json:"rankings"`
	PortfolioRisk PortfolioRisk                     `json:"portfolio_risk"`
	MonteCarlo    map[string]MonteCarloResult       `json:"monte_carlo,omitempty"`
	Sensitivity   map[string][]ParameterSensitivity `json:"sensitivity,omitempty"`
	CreatedAt     time.Time                         `json:"created_at"`
	Duration      time.Duration                     `json:"duration"`
}

// Comparator compares strategies on identical data
type Comparator struct {
	backtester Backtester
	config     Config
	logger     logger.Logger
}

// NewComparator creates a comparator. The configuration is validated here.
func NewComparator(b Backtester, config Config, l logger.Logger) (*Comparator, error) {
	if err := config.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid comparison config", err)
	}
	if config.Workers == 0 {
		config.Workers = runtime.NumCPU()
	}
	return &Comparator{
		backtester: b,
		config:     config,
		logger:     logger.OrGlobal(l).WithField("component", "comparison"),
	}, nil
}

// Config returns the comparator configuration
func (c *Comparator) Config() Config { return c.config }

// Compare backtests every configuration once over series and derives the
// cross-strategy statistics. Any failing backtest fails the comparison.
func (c *Comparator) Compare(ctx context.Context, series *kline.Series, configs []sdk.StrategyConfig) (*StrategyComparison, error) {
	start := time.Now()
	if len(configs) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "no strategies to compare", nil)
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid strategy config", err)
		}
	}

	reports, err := c.runAll(ctx, series, configs)
	if err != nil {
		return nil, err
	}

	out := &StrategyComparison{
		ID:         uuid.New().String(),
		Strategies: reports,
		CreatedAt:  start,
	}
	returns := make([][]float64, len(reports))
	for i, r := range reports {
		out.Labels = append(out.Labels, r.Label)
		returns[i] = r.Returns
	}
	out.Correlation = CorrelationMatrix(returns)
	out.Rankings = Rank(reports)
	out.PortfolioRisk = NewPortfolioRisk(reports, out.Correlation)

	if c.config.MonteCarloIterations > 0 {
		out.MonteCarlo = make(map[string]MonteCarloResult, len(reports))
		for i, r := range reports {
			// 每个策略独立种子, 结果与并发顺序无关
			out.MonteCarlo[r.Label] = MonteCarlo(r.Returns, c.config.MonteCarloIterations, c.config.Seed+int64(i))
		}
	}

	if c.config.SensitivityRange > 0 {
		out.Sensitivity = make(map[string][]ParameterSensitivity, len(reports))
		for _, r := range reports {
			sens, err := c.Sensitivity(ctx, series, r.Config)
			if err != nil {
				return nil, err
			}
			out.Sensitivity[r.Label] = sens
		}
	}

	out.Duration = time.Since(start)
	c.logger.Info("strategy comparison completed",
		"comparison_id", out.ID,
		"strategies", len(reports),
		"best", out.Rankings[0].Label,
		"duration", out.Duration)
	return out, nil
}

// runAll backtests the configurations in parallel, keeping input order
func (c *Comparator) runAll(ctx context.Context, series *kline.Series, configs []sdk.StrategyConfig) ([]StrategyReport, error) {
	labels := Labels(configs)
	reports := make([]StrategyReport, len(configs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Workers)
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			res, err := c.backtester.Simulate(gctx, series, cfg)
			if err != nil {
				return fmt.Errorf("backtest %s: %w", labels[i], err)
			}
			reports[i] = StrategyReport{
				Label:    labels[i],
				Config:   res.Strategy,
				Metrics:  res.Metrics,
				Returns:  res.Returns(),
				Backtest: res,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.New(apperrors.ErrCodeCancelled, "comparison cancelled", ctx.Err())
		}
		return nil, err
	}
	return reports, nil
}

// Labels names each configuration by strategy name, suffixing repeats with
// their position
func Labels(configs []sdk.StrategyConfig) []string {
	counts := make(map[string]int, len(configs))
	for _, cfg := range configs {
		counts[cfg.Name]++
	}
	labels := make([]string, len(configs))
	for i, cfg := range configs {
		labels[i] = cfg.Name
		if counts[cfg.Name] > 1 {
			labels[i] = fmt.Sprintf("%s#%d", cfg.Name, i+1)
		}
	}
	return labels
}
