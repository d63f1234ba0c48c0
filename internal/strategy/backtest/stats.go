package backtest

import (
	"time"

	"qsim/internal/strategy/metrics"
)

// StatsManager records the equity curve of one run and turns the ledger
// into the final metric summary.
type StatsManager struct {
	tracker *metrics.Tracker
}

// NewStatsManager creates a new stats manager
func NewStatsManager(bars int) *StatsManager {
	return &StatsManager{tracker: metrics.NewTracker(bars)}
}

// Update appends the equity at a bar close
func (m *StatsManager) Update(ts time.Time, equity float64) {
	m.tracker.Add(ts, equity)
}

// Curve returns the equity curve
func (m *StatsManager) Curve() []metrics.EquityPoint {
	return m.tracker.Points()
}

// Summarize computes the metric summary and drawdown periods
func (m *StatsManager) Summarize(initialCapital, riskFree float64, trades []Trade) (metrics.Summary, []metrics.DrawdownPeriod) {
	outcomes := make([]metrics.TradeOutcome, len(trades))
	for i, t := range trades {
		outcomes[i] = metrics.TradeOutcome{
			Profit:      t.Profit,
			Commission:  t.Commission,
			Slippage:    t.Slippage,
			HoldingBars: t.HoldingBars,
		}
	}
	return metrics.Compute(metrics.Input{
		InitialCapital: initialCapital,
		RiskFreeRate:   riskFree,
		Curve:          m.tracker.Points(),
		Trades:         outcomes,
	})
}
