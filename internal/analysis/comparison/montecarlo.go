package comparison

import (
	"math/rand"
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// Band is a two-sided percentile interval
type Band struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// MonteCarloResult compares the real return path against shuffled paths.
// Compounding is order invariant, so the tested statistic is
// cumulativeReturn / (1 + maxDrawdown), which does depend on ordering.
// CumulativeReturn95 and CumulativeReturn99 report the shuffled cumulative
// return itself; they collapse onto CumulativeReturn up to rounding.
type MonteCarloResult struct {
	Iterations         int     `json:"iterations"`
	CumulativeReturn   float64 `json:"cumulative_return"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	Statistic          float64 `json:"statistic"`
	MeanStatistic      float64 `json:"mean_statistic"`
	PValue             float64 `json:"p_value"`
	Significant        bool    `json:"significant"` // p < 0.05
	Statistic95        Band    `json:"statistic_95"`
	Statistic99        Band    `json:"statistic_99"`
	CumulativeReturn95 Band    `json:"cumulative_return_95"`
	CumulativeReturn99 Band    `json:"cumulative_return_99"`
	MaxDrawdown95      Band    `json:"max_drawdown_95"`
	MaxDrawdown99      Band    `json:"max_drawdown_99"`
}

// MonteCarlo shuffles returns iterations times with a seeded source. The
// p-value is the share of shuffled statistics at least as large as the real
// one, (count+1)/(iterations+1). Fewer than two returns yield a p-value of 1
// and no shuffles.
func MonteCarlo(returns []float64, iterations int, seed int64) MonteCarloResult {
	cum, dd := pathStats(returns)
	res := MonteCarloResult{
		CumulativeReturn: cum,
		MaxDrawdown:      dd,
		Statistic:        statistic(cum, dd),
		PValue:           1,
	}
	if len(returns) < 2 || iterations <= 0 {
		return res
	}

	rng := rand.New(rand.NewSource(seed))
	stats := make([]float64, iterations)
	cumulative := make([]float64, iterations)
	drawdowns := make([]float64, iterations)
	exceed := 0
	for i := range stats {
		c, d := pathStats(ShuffleReturns(returns, rng))
		stats[i], cumulative[i], drawdowns[i] = statistic(c, d), c, d
		if stats[i] >= res.Statistic {
			exceed++
		}
	}

	res.Iterations = iterations
	res.MeanStatistic = lo.Mean(stats)
	res.PValue = float64(exceed+1) / float64(iterations+1)
	res.Significant = res.PValue < 0.05
	res.Statistic95, res.Statistic99 = bands(stats)
	res.CumulativeReturn95, res.CumulativeReturn99 = bands(cumulative)
	res.MaxDrawdown95, res.MaxDrawdown99 = bands(drawdowns)
	return res
}

// ShuffleReturns returns a Fisher-Yates permutation of returns; the input
// is not modified
func ShuffleReturns(returns []float64, rng *rand.Rand) []float64 {
	out := append([]float64(nil), returns...)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// pathStats compounds returns from 1 and tracks the deepest drawdown
func pathStats(returns []float64) (cumulative, maxDrawdown float64) {
	equity, peak := 1.0, 1.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			maxDrawdown = max(maxDrawdown, (peak-equity)/peak)
		}
	}
	return equity - 1, maxDrawdown
}

func statistic(cumulative, maxDrawdown float64) float64 {
	return cumulative / (1 + maxDrawdown)
}

// bands returns the central 95% and 99% empirical intervals
func bands(values []float64) (b95, b99 Band) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q := func(p float64) float64 { return stat.Quantile(p, stat.Empirical, sorted, nil) }
	return Band{Lower: q(0.025), Upper: q(0.975)}, Band{Lower: q(0.005), Upper: q(0.995)}
}
