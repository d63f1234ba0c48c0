package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// tailIndex is the nearest-rank index of the (1-confidence) quantile of n
// sorted values: ceil(alpha*n) - 1.
func tailIndex(confidence float64, n int) int {
	alpha := math.Round((1-confidence)*1e9) / 1e9
	idx := int(math.Ceil(alpha*float64(n)-1e-9)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// VaRCVaR returns the empirical Value-at-Risk and Conditional VaR of returns
// at confidence (0.95, 0.99). Both are returns, so a loss is negative.
func VaRCVaR(returns []float64, confidence float64) (valueAtRisk, conditional float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	idx := tailIndex(confidence, len(sorted))
	return sorted[idx], stat.Mean(sorted[:idx+1], nil)
}
