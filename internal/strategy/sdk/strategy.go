package sdk

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Action is the trading intent returned by a strategy for one bar
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Snapshot is the read-only market view handed to a strategy for one bar.
type Snapshot struct {
	Index  int       `json:"index"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`

	LongAmount    float64 `json:"long_amount"`    // 当前多头持仓数量
	ShortAmount   float64 `json:"short_amount"`   // 当前空头持仓数量
	OpenPositions int     `json:"open_positions"` // 未平仓位数
	Cash          float64 `json:"cash"`
	Equity        float64 `json:"equity"` // 上一根K线收盘时的权益
}

// Decision is a strategy's answer for one bar. Price 0 means the bar close;
// Amount 0 lets the engine size the order.
type Decision struct {
	Action Action  `json:"action"`
	Price  float64 `json:"price,omitempty"`
	Amount float64 `json:"amount,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Hold returns the no-op decision
func Hold() Decision { return Decision{Action: ActionHold} }

// Buy returns a market buy decision
func Buy(reason string) Decision { return Decision{Action: ActionBuy, Reason: reason} }

// Sell returns a market sell decision
func Sell(reason string) Decision { return Decision{Action: ActionSell, Reason: reason} }

// Strategy is the decision function replayed by the backtest engine.
// Implementations keep only private state built from the snapshots they
// were given, so identical call sequences yield identical decisions.
type Strategy interface {
	Decide(snap Snapshot) (Decision, error)
}

// StrategyFunc adapts a function to Strategy
type StrategyFunc func(snap Snapshot) (Decision, error)

// Decide implements Strategy
func (f StrategyFunc) Decide(snap Snapshot) (Decision, error) { return f(snap) }

// Parameters are named numeric strategy parameters
type Parameters map[string]float64

// Get returns the named value or def when absent
func (p Parameters) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Int returns the named value rounded to an int
func (p Parameters) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(math.Round(v))
	}
	return def
}

// Clone returns an independent copy
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names sorted
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StrategyConfig represents strategy configuration
type StrategyConfig struct {
	Name       string     `json:"name" yaml:"name"`             // 策略模板名称
	Parameters Parameters `json:"parameters" yaml:"parameters"` // 策略参数
}

// WithParameters returns a copy with overrides applied on top of the
// existing parameters.
func (c StrategyConfig) WithParameters(overrides Parameters) StrategyConfig {
	params := c.Parameters.Clone()
	for k, v := range overrides {
		params[k] = v
	}
	return StrategyConfig{Name: c.Name, Parameters: params}
}

// Validate rejects an unnamed config or non-finite parameter values
func (c StrategyConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	for k, v := range c.Parameters {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %s is not finite", k)
		}
	}
	return nil
}
