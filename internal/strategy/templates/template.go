package templates

import (
	"qsim/internal/strategy/sdk"
)

// Builtin 返回内置策略模板
func Builtin() []*sdk.Template {
	return []*sdk.Template{
		NewHoldTemplate(),
		NewBuyAndHoldTemplate(),
		NewMACrossoverTemplate(),
		NewMeanReversionTemplate(),
	}
}

// NewRegistry creates a registry preloaded with the builtin templates
func NewRegistry() *sdk.Registry {
	r := sdk.NewRegistry()
	for _, t := range Builtin() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// riskParameters are read by the backtest engine, not by the strategy itself.
func riskParameters() []sdk.ParameterSpec {
	return []sdk.ParameterSpec{
		{Name: "position_size", Default: 0.95, Min: 0.05, Max: 1, Description: "每次开仓使用的资金比例"},
		{Name: "stop_loss_pct", Default: 0.05, Min: 0, Max: 0.5, Description: "止损比例, 0表示不设置"},
		{Name: "take_profit_pct", Default: 0.10, Min: 0, Max: 1, Description: "止盈比例, 0表示不设置"},
	}
}

// NewHoldTemplate 从不发出信号的策略,用作基准
func NewHoldTemplate() *sdk.Template {
	return &sdk.Template{
		Name:        "hold",
		Description: "从不交易",
		Category:    "baseline",
		Factory: func(sdk.StrategyConfig) (sdk.Strategy, error) {
			return sdk.StrategyFunc(func(sdk.Snapshot) (sdk.Decision, error) {
				return sdk.Hold(), nil
			}), nil
		},
	}
}

// NewBuyAndHoldTemplate 第一根K线买入并持有到结束
func NewBuyAndHoldTemplate() *sdk.Template {
	return &sdk.Template{
		Name:        "buy_and_hold",
		Description: "首根K线买入, 持有至回测结束",
		Category:    "baseline",
		Parameters: []sdk.ParameterSpec{
			{Name: "position_size", Default: 0.95, Min: 0.05, Max: 1, Description: "开仓资金比例"},
			{Name: "stop_loss_pct", Default: 0, Min: 0, Max: 0.5},
			{Name: "take_profit_pct", Default: 0, Min: 0, Max: 1},
		},
		Factory: func(sdk.StrategyConfig) (sdk.Strategy, error) {
			bought := false
			return sdk.StrategyFunc(func(snap sdk.Snapshot) (sdk.Decision, error) {
				if bought {
					return sdk.Hold(), nil
				}
				bought = true
				return sdk.Buy("initial entry"), nil
			}), nil
		},
	}
}
