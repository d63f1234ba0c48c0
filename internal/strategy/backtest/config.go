package backtest

import (
	"fmt"

	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

// Strategy parameters that override the engine risk defaults per run
const (
	ParamPositionSize  = "position_size"
	ParamStopLossPct   = "stop_loss_pct"
	ParamTakeProfitPct = "take_profit_pct"
)

// Config represents engine configuration
type Config struct {
	InitialCapital    float64 `yaml:"initial_capital" json:"initial_capital"`
	CommissionRate    float64 `yaml:"commission_rate" json:"commission_rate"`
	SlippageRate      float64 `yaml:"slippage_rate" json:"slippage_rate"`
	MaxOpenPositions  int     `yaml:"max_open_positions" json:"max_open_positions"`
	MinTradeSize      float64 `yaml:"min_trade_size" json:"min_trade_size"` // 最小名义价值
	StopLossPercent   float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	TakeProfitPercent float64 `yaml:"take_profit_percent" json:"take_profit_percent"`
	PositionSize      float64 `yaml:"position_size" json:"position_size"` // 开仓资金比例
	AllowShort        bool    `yaml:"allow_short" json:"allow_short"`
	RiskFreeRate      float64 `yaml:"risk_free_rate" json:"risk_free_rate"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		InitialCapital:    10000,
		CommissionRate:    0.001,
		SlippageRate:      0.0005,
		MaxOpenPositions:  1,
		MinTradeSize:      10,
		StopLossPercent:   0.05,
		TakeProfitPercent: 0.10,
		PositionSize:      0.95,
		RiskFreeRate:      metrics.DefaultRiskFreeRate,
	}
}

// Validate checks configuration values
func (c Config) Validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive, got %g", c.InitialCapital)
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("commission_rate must be in [0, 1), got %g", c.CommissionRate)
	}
	if c.SlippageRate < 0 || c.SlippageRate >= 1 {
		return fmt.Errorf("slippage_rate must be in [0, 1), got %g", c.SlippageRate)
	}
	if c.MaxOpenPositions < 1 {
		return fmt.Errorf("max_open_positions must be at least 1, got %d", c.MaxOpenPositions)
	}
	if c.MinTradeSize < 0 {
		return fmt.Errorf("min_trade_size must not be negative, got %g", c.MinTradeSize)
	}
	return validateRisk(c.PositionSize, c.StopLossPercent, c.TakeProfitPercent)
}

func validateRisk(positionSize, stopLoss, takeProfit float64) error {
	if positionSize <= 0 || positionSize > 1 {
		return fmt.Errorf("position_size must be in (0, 1], got %g", positionSize)
	}
	if stopLoss < 0 || stopLoss >= 1 {
		return fmt.Errorf("stop_loss must be in [0, 1), got %g", stopLoss)
	}
	if takeProfit < 0 {
		return fmt.Errorf("take_profit must not be negative, got %g", takeProfit)
	}
	return nil
}

// riskSettings are the effective per-run risk values
type riskSettings struct {
	positionSize float64
	stopLoss     float64
	takeProfit   float64
}

// resolveRisk applies strategy parameter overrides on top of the config
func (c Config) resolveRisk(params sdk.Parameters) (riskSettings, error) {
	r := riskSettings{
		positionSize: params.Get(ParamPositionSize, c.PositionSize),
		stopLoss:     params.Get(ParamStopLossPct, c.StopLossPercent),
		takeProfit:   params.Get(ParamTakeProfitPct, c.TakeProfitPercent),
	}
	return r, validateRisk(r.positionSize, r.stopLoss, r.takeProfit)
}
