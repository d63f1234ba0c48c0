package metrics

import (
	"math"
	"time"
)

// EquityPoint is one sample of the equity curve. Drawdown is absolute,
// DrawdownPercent is in percent of the running peak.
type EquityPoint struct {
	Time            time.Time `json:"time"`
	Equity          float64   `json:"equity"`
	Drawdown        float64   `json:"drawdown"`
	DrawdownPercent float64   `json:"drawdown_percent"`
}

// Tracker accumulates an equity curve while tracking the running peak.
type Tracker struct {
	peak   float64
	points []EquityPoint
}

// NewTracker creates a tracker sized for n points
func NewTracker(n int) *Tracker {
	return &Tracker{peak: math.Inf(-1), points: make([]EquityPoint, 0, n)}
}

// Add appends one equity sample
func (t *Tracker) Add(ts time.Time, equity float64) EquityPoint {
	if equity >= t.peak {
		t.peak = equity
	}
	p := EquityPoint{Time: ts, Equity: equity}
	if equity < t.peak {
		p.Drawdown = t.peak - equity
		if t.peak > 0 {
			p.DrawdownPercent = p.Drawdown / t.peak * 100
		}
	}
	t.points = append(t.points, p)
	return p
}

// Points returns the recorded curve
func (t *Tracker) Points() []EquityPoint { return t.points }

// EquityCurve builds a curve from raw equity values
func EquityCurve(times []time.Time, equity []float64) []EquityPoint {
	t := NewTracker(len(equity))
	for i, e := range equity {
		t.Add(times[i], e)
	}
	return t.Points()
}

// EquityValues extracts the equity column
func EquityValues(curve []EquityPoint) []float64 {
	out := make([]float64, len(curve))
	for i, p := range curve {
		out[i] = p.Equity
	}
	return out
}

// MaxDrawdown returns the largest (peak - equity) / peak as a fraction.
func MaxDrawdown(curve []EquityPoint) float64 {
	maxDD := 0.0
	for _, p := range curve {
		if dd := p.DrawdownPercent / 100; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// UlcerIndex is the root mean square of the percentage drawdowns.
func UlcerIndex(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range curve {
		sum += p.DrawdownPercent * p.DrawdownPercent
	}
	return math.Sqrt(sum / float64(len(curve)))
}

// DrawdownInfo describes one drawdown. Bars counts from the peak bar to
// the recovery bar, or to the last bar for an ongoing drawdown.
type DrawdownInfo struct {
	State        string    `json:"state"`
	Start        time.Time `json:"start"`
	Trough       time.Time `json:"trough"`
	PeakEquity   float64   `json:"peak_equity"`
	TroughEquity float64   `json:"trough_equity"`
	Depth        float64   `json:"depth"` // fraction of the peak
	Bars         int       `json:"bars"`
}

// DrawdownPeriod is either a ClosedDrawdown or an OngoingDrawdown.
type DrawdownPeriod interface {
	Info() DrawdownInfo
	drawdownPeriod()
}

// ClosedDrawdown ended when equity reached a new peak at Recovery.
type ClosedDrawdown struct {
	DrawdownInfo
	Recovery time.Time `json:"recovery"`
}

// OngoingDrawdown had not recovered by the end of the curve.
type OngoingDrawdown struct {
	DrawdownInfo
}

func (d ClosedDrawdown) Info() DrawdownInfo  { return d.DrawdownInfo }
func (d OngoingDrawdown) Info() DrawdownInfo { return d.DrawdownInfo }
func (ClosedDrawdown) drawdownPeriod()       {}
func (OngoingDrawdown) drawdownPeriod()      {}

// DrawdownPeriods extracts every contiguous run below the last peak.
func DrawdownPeriods(curve []EquityPoint) []DrawdownPeriod {
	var (
		periods []DrawdownPeriod
		current *DrawdownInfo
		peakIdx int
	)
	peak := math.Inf(-1)

	for i, p := range curve {
		if p.Equity >= peak {
			if current != nil {
				current.State = "closed"
				current.Bars = i - peakIdx
				periods = append(periods, ClosedDrawdown{DrawdownInfo: *current, Recovery: p.Time})
				current = nil
			}
			peak, peakIdx = p.Equity, i
			continue
		}

		if current == nil {
			current = &DrawdownInfo{
				Start:        curve[peakIdx].Time,
				PeakEquity:   peak,
				Trough:       p.Time,
				TroughEquity: p.Equity,
			}
		}
		if p.Equity < current.TroughEquity {
			current.Trough, current.TroughEquity = p.Time, p.Equity
		}
		if peak > 0 {
			current.Depth = math.Max(current.Depth, (peak-p.Equity)/peak)
		}
	}

	if current != nil {
		current.State = "ongoing"
		current.Bars = len(curve) - 1 - peakIdx
		periods = append(periods, OngoingDrawdown{DrawdownInfo: *current})
	}
	return periods
}

// MaxDrawdownDuration is the longest period in bars
func MaxDrawdownDuration(periods []DrawdownPeriod) int {
	longest := 0
	for _, p := range periods {
		if b := p.Info().Bars; b > longest {
			longest = b
		}
	}
	return longest
}
