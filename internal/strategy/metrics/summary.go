package metrics

// Summary is the fixed scalar metric set of one backtest.
type Summary struct {
	InitialCapital      float64 `json:"initial_capital"`
	FinalEquity         float64 `json:"final_equity"`
	TotalReturn         float64 `json:"total_return"`
	AnnualizedReturn    float64 `json:"annualized_return"`
	Volatility          float64 `json:"volatility"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
	SortinoRatio        float64 `json:"sortino_ratio"`
	SortinoUnbounded    bool    `json:"sortino_unbounded"`
	CalmarRatio         float64 `json:"calmar_ratio"`
	MaxDrawdown         float64 `json:"max_drawdown"` // fraction
	MaxDrawdownDuration int     `json:"max_drawdown_duration"`
	VaR95               float64 `json:"var_95"`
	VaR99               float64 `json:"var_99"`
	CVaR95              float64 `json:"cvar_95"`
	CVaR99              float64 `json:"cvar_99"`
	UlcerIndex          float64 `json:"ulcer_index"`

	TradeStats
}

// Input bundles what Compute needs
type Input struct {
	InitialCapital float64
	RiskFreeRate   float64
	Curve          []EquityPoint
	Trades         []TradeOutcome
}

// Compute derives every summary metric from an equity curve and its trades.
func Compute(in Input) (Summary, []DrawdownPeriod) {
	s := Summary{InitialCapital: in.InitialCapital, FinalEquity: in.InitialCapital}
	s.TradeStats = ComputeTradeStats(in.Trades)
	if len(in.Curve) == 0 {
		return s, nil
	}

	equity := EquityValues(in.Curve)
	returns := Returns(equity)

	s.FinalEquity = equity[len(equity)-1]
	s.TotalReturn = TotalReturn(in.InitialCapital, s.FinalEquity)
	s.AnnualizedReturn = AnnualizedReturn(s.TotalReturn, len(returns))
	s.Volatility = Volatility(returns)
	s.SharpeRatio = Sharpe(s.AnnualizedReturn, s.Volatility, in.RiskFreeRate)
	s.SortinoRatio, s.SortinoUnbounded = Sortino(s.AnnualizedReturn, returns, in.RiskFreeRate)
	s.MaxDrawdown = MaxDrawdown(in.Curve)
	s.CalmarRatio = Calmar(s.AnnualizedReturn, s.MaxDrawdown)
	s.VaR95, s.CVaR95 = VaRCVaR(returns, 0.95)
	s.VaR99, s.CVaR99 = VaRCVaR(returns, 0.99)
	s.UlcerIndex = UlcerIndex(in.Curve)

	periods := DrawdownPeriods(in.Curve)
	s.MaxDrawdownDuration = MaxDrawdownDuration(periods)
	return s, periods
}
