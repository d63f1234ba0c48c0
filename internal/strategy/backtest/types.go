package backtest

import (
	"time"

	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

// Side is the position direction
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// ExitReason records why a trade was closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitSignal     ExitReason = "signal"
	ExitEndOfTest  ExitReason = "end_of_test"
)

// RejectReason explains a skipped order. Rejections never change state.
type RejectReason string

const (
	RejectMaxPositions      RejectReason = "max_positions"
	RejectBelowMinimum      RejectReason = "below_min_trade_size"
	RejectInsufficientFunds RejectReason = "insufficient_funds"
	RejectShortDisabled     RejectReason = "short_disabled"
	RejectInvalidPrice      RejectReason = "invalid_price"
	RejectInvalidAmount     RejectReason = "invalid_amount"
)

// Position represents a backtest position. StopLoss and TakeProfit are 0
// when not set.
type Position struct {
	ID          string         `json:"id"`
	Side        Side           `json:"side"`
	Amount      float64        `json:"amount"`
	EntryPrice  float64        `json:"entry_price"`
	EntryTime   time.Time      `json:"entry_time"`
	EntryIndex  int            `json:"entry_index"`
	StopLoss    float64        `json:"stop_loss,omitempty"`
	TakeProfit  float64        `json:"take_profit,omitempty"`
	Status      PositionStatus `json:"status"`
	ExitPrice   float64        `json:"exit_price,omitempty"`
	ExitTime    time.Time      `json:"exit_time,omitempty"`
	RealizedPnL float64        `json:"realized_pnl"`

	// 尚未结转到成交记录的开仓成本
	entryCommission float64
	entrySlippage   float64
	// 最近一次平仓所在的K线
	exitBar         int
}

// Trade is the immutable record of a closed (part of a) position.
type Trade struct {
	ID            string        `json:"id"`
	PositionID    string        `json:"position_id"`
	Side          Side          `json:"side"`
	Amount        float64       `json:"amount"`
	EntryPrice    float64       `json:"entry_price"`
	ExitPrice     float64       `json:"exit_price"`
	EntryTime     time.Time     `json:"entry_time"`
	ExitTime      time.Time     `json:"exit_time"`
	Commission    float64       `json:"commission"`
	Slippage      float64       `json:"slippage"`
	Profit        float64       `json:"profit"`
	ReturnPct     float64       `json:"return_pct"`
	HoldingBars   int           `json:"holding_bars"`
	HoldingPeriod time.Duration `json:"holding_period"`
	ExitReason    ExitReason    `json:"exit_reason"`
	IsWinning     bool          `json:"is_winning"`
}

// Result represents backtest results. It is not modified after Run returns.
type Result struct {
	Strategy        sdk.StrategyConfig       `json:"strategy"`
	Symbol          string                   `json:"symbol"`
	StartTime       time.Time                `json:"start_time"`
	EndTime         time.Time                `json:"end_time"`
	Bars            int                      `json:"bars"`
	Trades          []Trade                  `json:"trades"`
	Positions       []Position               `json:"positions"`
	EquityCurve     []metrics.EquityPoint    `json:"equity_curve"`
	DrawdownPeriods []metrics.DrawdownPeriod `json:"drawdown_periods"`
	Metrics         metrics.Summary          `json:"metrics"`
	RejectedOrders  map[RejectReason]int     `json:"rejected_orders,omitempty"`
	Duration        time.Duration            `json:"duration"`
}

// Returns is the per-bar return series of the equity curve
func (r *Result) Returns() []float64 {
	return metrics.Returns(metrics.EquityValues(r.EquityCurve))
}
