package templates

import (
	"fmt"

	"qsim/internal/market/kline"
	"qsim/internal/strategy/sdk"
)

// NewMACrossoverTemplate 均线交叉策略模板
func NewMACrossoverTemplate() *sdk.Template {
	return &sdk.Template{
		Name:        "ma_crossover",
		Description: "短期均线上穿长期均线买入, 下穿卖出",
		Category:    "trend",
		Parameters: append([]sdk.ParameterSpec{
			{Name: "short_period", Default: 5, Min: 2, Max: 50, Integer: true, Description: "短期均线周期"},
			{Name: "long_period", Default: 20, Min: 5, Max: 200, Integer: true, Description: "长期均线周期"},
		}, riskParameters()...),
		Factory: func(cfg sdk.StrategyConfig) (sdk.Strategy, error) {
			return NewMACrossover(cfg.Parameters.Int("short_period", 5), cfg.Parameters.Int("long_period", 20))
		},
	}
}

// MACrossover emits buy on a golden cross and sell on a death cross.
type MACrossover struct {
	shortPeriod int
	longPeriod  int
	closes      *kline.RingBuffer[float64]
	prevShort   float64
	prevLong    float64
	warm        bool
}

// NewMACrossover creates a crossover strategy
func NewMACrossover(shortPeriod, longPeriod int) (*MACrossover, error) {
	if shortPeriod < 1 || longPeriod < 1 {
		return nil, fmt.Errorf("periods must be positive: short=%d long=%d", shortPeriod, longPeriod)
	}
	if shortPeriod >= longPeriod {
		return nil, fmt.Errorf("short_period %d must be less than long_period %d", shortPeriod, longPeriod)
	}
	return &MACrossover{
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
		closes:      kline.NewRingBuffer[float64](longPeriod),
	}, nil
}

// Decide implements sdk.Strategy
func (s *MACrossover) Decide(snap sdk.Snapshot) (sdk.Decision, error) {
	s.closes.Push(snap.Close)
	if !s.closes.Full() {
		return sdk.Hold(), nil
	}

	short := tailMean(s.closes, s.shortPeriod)
	long := tailMean(s.closes, s.longPeriod)
	defer func() { s.prevShort, s.prevLong, s.warm = short, long, true }()

	if !s.warm {
		return sdk.Hold(), nil
	}
	switch {
	case s.prevShort <= s.prevLong && short > long && snap.LongAmount == 0:
		return sdk.Buy("golden cross"), nil
	case s.prevShort >= s.prevLong && short < long && snap.LongAmount > 0:
		return sdk.Sell("death cross"), nil
	}
	return sdk.Hold(), nil
}

// tailMean averages the newest n values
func tailMean(r *kline.RingBuffer[float64], n int) float64 {
	if n > r.Len() {
		n = r.Len()
	}
	sum := 0.0
	for i := r.Len() - n; i < r.Len(); i++ {
		sum += r.At(i)
	}
	return sum / float64(n)
}
