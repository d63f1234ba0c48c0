// Package metrics holds the pure performance and risk calculations shared
// by the backtest engine, the optimizer objectives and the comparator.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	// TradingDaysPerYear is the annualization factor for every bar interval.
	TradingDaysPerYear = 252
	// DefaultRiskFreeRate is the annual risk free rate used by Sharpe and Sortino.
	DefaultRiskFreeRate = 0.02

	zeroTolerance = 1e-12
)

// Unbounded marks an infinite ratio (no losses, no downside). It is the
// largest finite float so results stay JSON encodable and sortable.
const Unbounded = math.MaxFloat64

// IsUnbounded reports whether v is the Unbounded sentinel
func IsUnbounded(v float64) bool {
	return v >= Unbounded
}

// finite maps NaN to 0 and infinities to the sentinel range.
func finite(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return Unbounded
	case math.IsInf(v, -1):
		return -Unbounded
	}
	return v
}

// Returns computes per-step simple returns. Steps whose previous equity is
// not positive are skipped.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, (equity[i]-prev)/prev)
	}
	return out
}

// StdDev is the sample standard deviation, 0 for fewer than two values or
// numerically constant input.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	std := stat.StdDev(values, nil)
	if math.IsNaN(std) || std < zeroTolerance {
		return 0
	}
	return std
}

// Correlation is the Pearson correlation of two equally long series. It is
// 0 when either series is constant, shorter than two values or the lengths
// differ.
func Correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 || StdDev(x) == 0 || StdDev(y) == 0 {
		return 0
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(-1, math.Min(1, c))
}

// Volatility is the annualized sample standard deviation of returns.
func Volatility(returns []float64) float64 {
	return StdDev(returns) * math.Sqrt(TradingDaysPerYear)
}

// TotalReturn relative to the initial capital
func TotalReturn(initial, final float64) float64 {
	if initial <= 0 {
		return 0
	}
	return (final - initial) / initial
}

// AnnualizedReturn compounds totalReturn over periods return steps to a
// 252 step year.
func AnnualizedReturn(totalReturn float64, periods int) float64 {
	if periods <= 0 {
		return 0
	}
	if totalReturn <= -1 {
		return -1
	}
	return finite(math.Pow(1+totalReturn, TradingDaysPerYear/float64(periods)) - 1)
}

// Sharpe returns (annualizedReturn - riskFree) / volatility, 0 when the
// volatility is 0.
func Sharpe(annualizedReturn, volatility, riskFree float64) float64 {
	if volatility <= 0 {
		return 0
	}
	return finite((annualizedReturn - riskFree) / volatility)
}

// Sortino divides the excess return by the annualized population standard
// deviation of the negative returns. Without negative returns and with a
// positive excess return the ratio is Unbounded and the flag is set.
// Zero variance returns and a zero downside deviation yield 0.
func Sortino(annualizedReturn float64, returns []float64, riskFree float64) (float64, bool) {
	if StdDev(returns) == 0 {
		return 0, false
	}
	excess := annualizedReturn - riskFree

	negative := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		if excess > 0 {
			return Unbounded, true
		}
		return 0, false
	}

	downside := stat.PopStdDev(negative, nil) * math.Sqrt(TradingDaysPerYear)
	if math.IsNaN(downside) || downside < zeroTolerance {
		return 0, false
	}
	return finite(excess / downside), false
}

// Calmar is annualized return over max drawdown (a fraction), 0 without drawdown.
func Calmar(annualizedReturn, maxDrawdown float64) float64 {
	if maxDrawdown <= 0 {
		return 0
	}
	return finite(annualizedReturn / maxDrawdown)
}
