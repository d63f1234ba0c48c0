package backtest

import (
	"fmt"
	"math"
	"time"

	"qsim/internal/market/kline"
)

const amountEpsilon = 1e-12

// PositionManager is the ledger of one run: cash, open lots in FIFO order
// and the closed trade list. It is not safe for concurrent use.
type PositionManager struct {
	balance    float64
	open       []*Position
	closed     []Position
	trades     []Trade
	rejected   map[RejectReason]int
	slippage   SlippageModel
	fees       FeeModel
	maxOpen    int
	minTrade   float64
	allowShort bool
	risk       riskSettings
	posSeq     int
	tradeSeq   int
}

// NewPositionManager creates a new position manager
func NewPositionManager(cfg Config, risk riskSettings, slippage SlippageModel, fees FeeModel) *PositionManager {
	return &PositionManager{
		balance:    cfg.InitialCapital,
		rejected:   make(map[RejectReason]int),
		slippage:   slippage,
		fees:       fees,
		maxOpen:    cfg.MaxOpenPositions,
		minTrade:   cfg.MinTradeSize,
		allowShort: cfg.AllowShort,
		risk:       risk,
	}
}

// Balance returns available cash
func (m *PositionManager) Balance() float64 { return m.balance }

// OpenCount returns the number of open lots
func (m *PositionManager) OpenCount() int { return len(m.open) }

// Trades returns the closed trades in close order
func (m *PositionManager) Trades() []Trade { return m.trades }

// Exposure returns the open long and short amounts
func (m *PositionManager) Exposure() (long, short float64) {
	for _, p := range m.open {
		if p.Side == SideLong {
			long += p.Amount
		} else {
			short += p.Amount
		}
	}
	return long, short
}

// Equity is cash plus the mark-to-market value of open lots at mark.
// Shorts are cash secured, so a short is worth amount*(2*entry - mark).
func (m *PositionManager) Equity(mark float64) float64 {
	equity := m.balance
	for _, p := range m.open {
		if p.Side == SideLong {
			equity += p.Amount * mark
		} else {
			equity += p.Amount * (2*p.EntryPrice - mark)
		}
	}
	return equity
}

// Oldest returns the first opened lot on side, nil if none
func (m *PositionManager) Oldest(side Side) *Position {
	for _, p := range m.open {
		if p.Side == side {
			return p
		}
	}
	return nil
}

// Open opens a lot at price adjusted for slippage. Amount 0 sizes the lot
// from the configured fraction of cash. A non-empty RejectReason means no
// state was changed.
func (m *PositionManager) Open(side Side, price, amount float64, index int, ts time.Time) (*Position, RejectReason) {
	if side == SideShort && !m.allowShort {
		return m.reject(RejectShortDisabled)
	}
	if !validPrice(price) {
		return m.reject(RejectInvalidPrice)
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return m.reject(RejectInvalidAmount)
	}
	if len(m.open) >= m.maxOpen {
		return m.reject(RejectMaxPositions)
	}

	exec := m.slippage.Apply(price, side == SideLong)
	if amount <= 0 {
		// 预留手续费
		amount = m.balance * m.risk.positionSize / (exec + m.fees.CalculateFee(exec, 1))
	}
	notional := amount * exec
	if amount <= 0 || notional < m.minTrade {
		return m.reject(RejectBelowMinimum)
	}
	commission := m.fees.CalculateFee(exec, amount)
	if notional+commission > m.balance*(1+1e-12) {
		return m.reject(RejectInsufficientFunds)
	}

	m.balance -= notional + commission
	m.posSeq++
	p := &Position{
		ID:              fmt.Sprintf("P%06d", m.posSeq),
		Side:            side,
		Amount:          amount,
		EntryPrice:      exec,
		EntryTime:       ts,
		EntryIndex:      index,
		Status:          StatusOpen,
		entryCommission: commission,
		entrySlippage:   math.Abs(exec-price) * amount,
		exitBar:         -1,
	}
	if m.risk.stopLoss > 0 {
		if side == SideLong {
			p.StopLoss = exec * (1 - m.risk.stopLoss)
		} else {
			p.StopLoss = exec * (1 + m.risk.stopLoss)
		}
	}
	if m.risk.takeProfit > 0 {
		if side == SideLong {
			p.TakeProfit = exec * (1 + m.risk.takeProfit)
		} else {
			p.TakeProfit = exec * (1 - m.risk.takeProfit)
		}
	}
	m.open = append(m.open, p)
	return p, ""
}

func (m *PositionManager) reject(reason RejectReason) (*Position, RejectReason) {
	m.rejected[reason]++
	return nil, reason
}

func validPrice(price float64) bool {
	return price > 0 && !math.IsNaN(price) && !math.IsInf(price, 0)
}

// Close closes amount of p (all of it when amount is 0 or too large) at
// price. withSlippage applies adverse slippage for the closing side.
// A non-empty RejectReason means no state was changed.
func (m *PositionManager) Close(p *Position, amount, price float64, withSlippage bool, reason ExitReason, index int, ts time.Time) (Trade, RejectReason) {
	if !validPrice(price) {
		_, r := m.reject(RejectInvalidPrice)
		return Trade{}, r
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		_, r := m.reject(RejectInvalidAmount)
		return Trade{}, r
	}
	if amount == 0 || amount > p.Amount {
		amount = p.Amount
	}
	exec := price
	if withSlippage {
		exec = m.slippage.Apply(price, p.Side == SideShort)
	}

	frac := amount / p.Amount
	entryCommission := p.entryCommission * frac
	entrySlippage := p.entrySlippage * frac
	exitCommission := m.fees.CalculateFee(exec, amount)

	var gross float64
	if p.Side == SideLong {
		gross = (exec - p.EntryPrice) * amount
		m.balance += amount*exec - exitCommission
	} else {
		gross = (p.EntryPrice - exec) * amount
		m.balance += amount*p.EntryPrice + gross - exitCommission
	}
	profit := gross - entryCommission - exitCommission

	m.tradeSeq++
	trade := Trade{
		ID:            fmt.Sprintf("T%06d", m.tradeSeq),
		PositionID:    p.ID,
		Side:          p.Side,
		Amount:        amount,
		EntryPrice:    p.EntryPrice,
		ExitPrice:     exec,
		EntryTime:     p.EntryTime,
		ExitTime:      ts,
		Commission:    entryCommission + exitCommission,
		Slippage:      entrySlippage + math.Abs(exec-price)*amount,
		Profit:        profit,
		ReturnPct:     profit / (p.EntryPrice * amount) * 100,
		HoldingBars:   index - p.EntryIndex,
		HoldingPeriod: ts.Sub(p.EntryTime),
		ExitReason:    reason,
		IsWinning:     profit > 0,
	}
	m.trades = append(m.trades, trade)

	p.Amount -= amount
	p.entryCommission -= entryCommission
	p.entrySlippage -= entrySlippage
	p.RealizedPnL += profit
	p.ExitPrice = exec
	p.ExitTime = ts
	p.exitBar = index
	if p.Amount <= amountEpsilon {
		p.Amount = 0
		p.Status = StatusClosed
		m.removeOpen(p)
		m.closed = append(m.closed, *p)
	}
	return trade, ""
}

func (m *PositionManager) removeOpen(p *Position) {
	for i, o := range m.open {
		if o == p {
			m.open = append(m.open[:i], m.open[i+1:]...)
			return
		}
	}
}

// CheckExits evaluates stop-loss then take-profit against the bar range for
// lots opened before index. A lot exits at most once per bar, so a lot
// already partly closed by a signal on this bar is skipped; a gap through
// the level fills at the open.
func (m *PositionManager) CheckExits(bar kline.Kline, index int) {
	candidates := append([]*Position(nil), m.open...)
	for _, p := range candidates {
		if p.EntryIndex >= index || p.exitBar == index {
			continue
		}
		if fill, reason, ok := exitFill(p, bar); ok {
			m.Close(p, 0, fill, true, reason, index, bar.OpenTime)
		}
	}
}

func exitFill(p *Position, bar kline.Kline) (float64, ExitReason, bool) {
	if p.Side == SideLong {
		if p.StopLoss > 0 && bar.Low <= p.StopLoss {
			return math.Min(p.StopLoss, bar.Open), ExitStopLoss, true
		}
		if p.TakeProfit > 0 && bar.High >= p.TakeProfit {
			return math.Max(p.TakeProfit, bar.Open), ExitTakeProfit, true
		}
		return 0, "", false
	}
	if p.StopLoss > 0 && bar.High >= p.StopLoss {
		return math.Max(p.StopLoss, bar.Open), ExitStopLoss, true
	}
	if p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
		return math.Min(p.TakeProfit, bar.Open), ExitTakeProfit, true
	}
	return 0, "", false
}

// CloseAll closes every open lot at price without slippage. Each lot is
// attempted once; an invalid price leaves the lots open.
func (m *PositionManager) CloseAll(price float64, reason ExitReason, index int, ts time.Time) {
	for _, p := range append([]*Position(nil), m.open...) {
		m.Close(p, 0, price, false, reason, index, ts)
	}
}

// Positions returns closed positions followed by any still open lots
func (m *PositionManager) Positions() []Position {
	out := make([]Position, 0, len(m.closed)+len(m.open))
	out = append(out, m.closed...)
	for _, p := range m.open {
		out = append(out, *p)
	}
	return out
}
