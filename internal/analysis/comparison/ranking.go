package comparison

import (
	"math"
	"sort"

	"github.com/samber/lo"

	"qsim/internal/strategy/metrics"
)

// 排名权重
const (
	weightReturn   = 0.30
	weightDrawdown = 0.25
	weightWinRate  = 0.20
	weightSharpe   = 0.25
)

// Ranking is the composite score of one strategy. The component fields are
// the min-max normalized inputs in [0, 1].
type Ranking struct {
	Rank     int     `json:"rank"`
	Label    string  `json:"label"`
	Score    float64 `json:"score"`
	Return   float64 `json:"return"`
	Drawdown float64 `json:"drawdown"` // 回撤越小越高
	WinRate  float64 `json:"win_rate"`
	Sharpe   float64 `json:"sharpe"`
}

// Rank scores the reports and orders them best first. Equal scores keep
// input order.
func Rank(reports []StrategyReport) []Ranking {
	summaries := lo.Map(reports, func(r StrategyReport, _ int) metrics.Summary { return r.Metrics })

	returns := normalize(lo.Map(summaries, func(s metrics.Summary, _ int) float64 { return s.TotalReturn }))
	drawdowns := normalize(lo.Map(summaries, func(s metrics.Summary, _ int) float64 { return 1 - s.MaxDrawdown }))
	winRates := normalize(lo.Map(summaries, func(s metrics.Summary, _ int) float64 { return s.WinRate }))
	sharpes := normalize(lo.Map(summaries, func(s metrics.Summary, _ int) float64 { return s.SharpeRatio }))

	rankings := make([]Ranking, len(reports))
	for i, r := range reports {
		rankings[i] = Ranking{
			Label:    r.Label,
			Return:   returns[i],
			Drawdown: drawdowns[i],
			WinRate:  winRates[i],
			Sharpe:   sharpes[i],
			Score: weightReturn*returns[i] +
				weightDrawdown*drawdowns[i] +
				weightWinRate*winRates[i] +
				weightSharpe*sharpes[i],
		}
	}
	sort.SliceStable(rankings, func(i, j int) bool { return rankings[i].Score > rankings[j].Score })
	for i := range rankings {
		rankings[i].Rank = i + 1
	}
	return rankings
}

// normalize maps values to [0, 1] by min-max; a set without spread maps to 0.5
func normalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	low, high := lo.Min(values), lo.Max(values)
	out := make([]float64, len(values))
	spread := high - low
	for i, v := range values {
		if spread < 1e-12 || math.IsInf(spread, 0) || math.IsNaN(spread) {
			out[i] = 0.5
			continue
		}
		out[i] = (v - low) / spread
	}
	return out
}
