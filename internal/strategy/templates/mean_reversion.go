package templates

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"qsim/internal/market/kline"
	"qsim/internal/strategy/sdk"
)

// NewMeanReversionTemplate 均值回归策略模板
func NewMeanReversionTemplate() *sdk.Template {
	return &sdk.Template{
		Name:        "mean_reversion",
		Description: "价格偏离均值超过entry_z个标准差时反向开仓, 回归到exit_z以内平仓",
		Category:    "mean_reversion",
		Parameters: append([]sdk.ParameterSpec{
			{Name: "lookback", Default: 20, Min: 5, Max: 200, Integer: true, Description: "统计窗口"},
			{Name: "entry_z", Default: 2, Min: 0.5, Max: 4, Description: "入场z值"},
			{Name: "exit_z", Default: 0.5, Min: 0, Max: 2, Description: "出场z值"},
		}, riskParameters()...),
		Factory: func(cfg sdk.StrategyConfig) (sdk.Strategy, error) {
			return NewMeanReversion(
				cfg.Parameters.Int("lookback", 20),
				cfg.Parameters.Get("entry_z", 2),
				cfg.Parameters.Get("exit_z", 0.5),
			)
		},
	}
}

// MeanReversion trades z-score extremes of the close price.
type MeanReversion struct {
	entryZ float64
	exitZ  float64
	closes *kline.RingBuffer[float64]
}

// NewMeanReversion creates a z-score strategy
func NewMeanReversion(lookback int, entryZ, exitZ float64) (*MeanReversion, error) {
	if lookback < 2 {
		return nil, fmt.Errorf("lookback must be at least 2, got %d", lookback)
	}
	if entryZ <= 0 || exitZ < 0 || exitZ >= entryZ {
		return nil, fmt.Errorf("require 0 <= exit_z < entry_z, got exit_z=%g entry_z=%g", exitZ, entryZ)
	}
	return &MeanReversion{entryZ: entryZ, exitZ: exitZ, closes: kline.NewRingBuffer[float64](lookback)}, nil
}

// Decide implements sdk.Strategy
func (s *MeanReversion) Decide(snap sdk.Snapshot) (sdk.Decision, error) {
	s.closes.Push(snap.Close)
	if !s.closes.Full() {
		return sdk.Hold(), nil
	}

	mean, std := stat.MeanStdDev(s.closes.Values(), nil)
	if std == 0 {
		return sdk.Hold(), nil
	}
	z := (snap.Close - mean) / std

	switch {
	case snap.LongAmount > 0 && z >= -s.exitZ:
		return sdk.Sell(fmt.Sprintf("long exit z=%.2f", z)), nil
	case snap.ShortAmount > 0 && z <= s.exitZ:
		return sdk.Buy(fmt.Sprintf("short exit z=%.2f", z)), nil
	case snap.LongAmount == 0 && snap.ShortAmount == 0 && z <= -s.entryZ:
		return sdk.Buy(fmt.Sprintf("long entry z=%.2f", z)), nil
	case snap.LongAmount == 0 && snap.ShortAmount == 0 && z >= s.entryZ:
		return sdk.Sell(fmt.Sprintf("short entry z=%.2f", z)), nil
	}
	return sdk.Hold(), nil
}
