package metrics

import "math"

// TradeOutcome is the part of a closed trade the statistics need
type TradeOutcome struct {
	Profit      float64
	Commission  float64
	Slippage    float64
	HoldingBars int
}

// TradeStats aggregates closed trades. Every field is 0 without trades.
type TradeStats struct {
	TotalTrades           int     `json:"total_trades"`
	WinningTrades         int     `json:"winning_trades"`
	LosingTrades          int     `json:"losing_trades"`
	WinRate               float64 `json:"win_rate"`
	GrossProfit           float64 `json:"gross_profit"`
	GrossLoss             float64 `json:"gross_loss"`
	NetProfit             float64 `json:"net_profit"`
	ProfitFactor          float64 `json:"profit_factor"`
	ProfitFactorUnbounded bool    `json:"profit_factor_unbounded"`
	AverageWin            float64 `json:"average_win"`
	AverageLoss           float64 `json:"average_loss"` // 负数
	LargestWin            float64 `json:"largest_win"`
	LargestLoss           float64 `json:"largest_loss"` // 负数
	Expectancy            float64 `json:"expectancy"`
	MaxConsecutiveWins    int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses  int     `json:"max_consecutive_losses"`
	TotalCommission       float64 `json:"total_commission"`
	TotalSlippage         float64 `json:"total_slippage"`
	AverageHoldingBars    float64 `json:"average_holding_bars"`
}

// ComputeTradeStats aggregates trades in close order
func ComputeTradeStats(trades []TradeOutcome) TradeStats {
	var s TradeStats
	s.TotalTrades = len(trades)
	if s.TotalTrades == 0 {
		return s
	}

	winStreak, lossStreak, holding := 0, 0, 0
	for _, t := range trades {
		s.NetProfit += t.Profit
		s.TotalCommission += t.Commission
		s.TotalSlippage += t.Slippage
		holding += t.HoldingBars

		switch {
		case t.Profit > 0:
			s.WinningTrades++
			s.GrossProfit += t.Profit
			s.LargestWin = math.Max(s.LargestWin, t.Profit)
			winStreak++
			lossStreak = 0
		case t.Profit < 0:
			s.LosingTrades++
			s.GrossLoss += -t.Profit
			s.LargestLoss = math.Min(s.LargestLoss, t.Profit)
			lossStreak++
			winStreak = 0
		default:
			// 保本交易中断连胜/连亏
			winStreak, lossStreak = 0, 0
		}
		if winStreak > s.MaxConsecutiveWins {
			s.MaxConsecutiveWins = winStreak
		}
		if lossStreak > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = lossStreak
		}
	}

	n := float64(s.TotalTrades)
	s.WinRate = float64(s.WinningTrades) / n
	s.Expectancy = s.NetProfit / n
	s.AverageHoldingBars = float64(holding) / n
	if s.WinningTrades > 0 {
		s.AverageWin = s.GrossProfit / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = -s.GrossLoss / float64(s.LosingTrades)
	}

	switch {
	case s.GrossLoss > 0:
		s.ProfitFactor = finite(s.GrossProfit / s.GrossLoss)
	case s.GrossProfit > 0:
		s.ProfitFactor = Unbounded
		s.ProfitFactorUnbounded = true
	}
	return s
}
