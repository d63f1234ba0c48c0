package comparison

import (
	"math"

	"github.com/samber/lo"

	"qsim/internal/strategy/metrics"
)

// CorrelationMatrix is the pairwise Pearson correlation of per-bar returns,
// 1 on the diagonal and 0 for constant series
func CorrelationMatrix(returns [][]float64) [][]float64 {
	n := len(returns)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			c := metrics.Correlation(returns[i], returns[j])
			matrix[i][j], matrix[j][i] = c, c
		}
	}
	return matrix
}

// PortfolioRisk describes an equal-weighted portfolio of the compared
// strategies. Individual risk is the annualized volatility.
type PortfolioRisk struct {
	MeanVolatility       float64 `json:"mean_volatility"`
	AverageCorrelation   float64 `json:"average_correlation"`
	Volatility           float64 `json:"volatility"`
	DiversificationRatio float64 `json:"diversification_ratio"` // 平均波动率 / 组合波动率
}

// NewPortfolioRisk computes sqrt(meanVol² · (1 + (n−1)·avgCorr)). The
// radicand is floored at 0 for strongly anti-correlated sets.
func NewPortfolioRisk(reports []StrategyReport, correlation [][]float64) PortfolioRisk {
	var risk PortfolioRisk
	n := len(reports)
	if n == 0 {
		return risk
	}
	risk.MeanVolatility = lo.MeanBy(reports, func(r StrategyReport) float64 { return r.Metrics.Volatility })
	risk.AverageCorrelation = averageCorrelation(correlation)

	variance := risk.MeanVolatility * risk.MeanVolatility * (1 + float64(n-1)*risk.AverageCorrelation)
	risk.Volatility = math.Sqrt(math.Max(0, variance))
	if risk.Volatility > 0 {
		risk.DiversificationRatio = risk.MeanVolatility / risk.Volatility
	}
	return risk
}

// averageCorrelation is the mean of the off-diagonal upper triangle
func averageCorrelation(matrix [][]float64) float64 {
	var pairs []float64
	for i := range matrix {
		for j := i + 1; j < len(matrix); j++ {
			pairs = append(pairs, matrix[i][j])
		}
	}
	if len(pairs) == 0 {
		return 0
	}
	return lo.Mean(pairs)
}
