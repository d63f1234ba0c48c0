package optimizer

import (
	"fmt"
	"time"

	"qsim/internal/strategy/backtest"
)

// TriggerConfig represents re-optimization trigger thresholds. Zero values
// disable the corresponding check.
type TriggerConfig struct {
	MinSharpe     float64 `yaml:"min_sharpe" json:"min_sharpe"`             // Sharpe比率阈值
	MaxDrawdown   float64 `yaml:"max_drawdown" json:"max_drawdown"`         // 最大回撤阈值
	NoNewHighBars int     `yaml:"no_new_high_bars" json:"no_new_high_bars"` // 无新高K线数
	ReturnRank    float64 `yaml:"return_rank" json:"return_rank"`           // 收益分位数
}

// TriggerResult represents trigger check result
type TriggerResult struct {
	Triggered bool      `json:"triggered"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// TriggerChecker decides whether a strategy's recent performance calls for
// re-optimization
type TriggerChecker struct {
	config TriggerConfig
}

// NewTriggerChecker creates a new trigger checker
func NewTriggerChecker(config TriggerConfig) *TriggerChecker {
	return &TriggerChecker{config: config}
}

// Check evaluates the thresholds in order and reports the first breach
func (c *TriggerChecker) Check(result *backtest.Result) TriggerResult {
	out := TriggerResult{CheckedAt: time.Now()}
	m := result.Metrics

	if c.config.MinSharpe != 0 && m.SharpeRatio < c.config.MinSharpe {
		out.Triggered = true
		out.Reason = fmt.Sprintf("low sharpe ratio: %.2f < %.2f", m.SharpeRatio, c.config.MinSharpe)
		return out
	}
	if c.config.MaxDrawdown > 0 && m.MaxDrawdown > c.config.MaxDrawdown {
		out.Triggered = true
		out.Reason = fmt.Sprintf("high drawdown: %.2f%% > %.2f%%", m.MaxDrawdown*100, c.config.MaxDrawdown*100)
		return out
	}
	if c.config.NoNewHighBars > 0 {
		if bars := barsSinceHigh(result); bars >= c.config.NoNewHighBars {
			out.Triggered = true
			out.Reason = fmt.Sprintf("no new equity high for %d bars", bars)
			return out
		}
	}
	if returns := result.Returns(); c.config.ReturnRank > 0 && len(returns) > 0 {
		if rank := returnRank(returns[len(returns)-1], returns); rank < c.config.ReturnRank {
			out.Triggered = true
			out.Reason = fmt.Sprintf("low return rank: %.2f < %.2f", rank, c.config.ReturnRank)
		}
	}
	return out
}

// barsSinceHigh counts bars since the last equity peak
func barsSinceHigh(result *backtest.Result) int {
	bars := 0
	for _, p := range result.EquityCurve {
		if p.Drawdown == 0 {
			bars = 0
		} else {
			bars++
		}
	}
	return bars
}

// returnRank is the share of returns at or below value
func returnRank(value float64, returns []float64) float64 {
	count := 0
	for _, r := range returns {
		if r <= value {
			count++
		}
	}
	return float64(count) / float64(len(returns))
}
