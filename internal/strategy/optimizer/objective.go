package optimizer

import (
	"math"

	"github.com/samber/lo"

	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/metrics"
)

// WorstFitness is assigned to failed evaluations
const WorstFitness = -math.MaxFloat64

// Objective names the fitness function a search maximizes
type Objective string

const (
	ObjectiveComposite    Objective = "composite"
	ObjectiveSharpe       Objective = "sharpe"
	ObjectiveSortino      Objective = "sortino"
	ObjectiveCalmar       Objective = "calmar"
	ObjectiveTotalReturn  Objective = "total_return"
	ObjectiveProfitFactor Objective = "profit_factor"
	ObjectiveWinRate      Objective = "win_rate"
)

// 综合评分权重
const (
	weightReturn       = 0.30
	weightSharpe       = 0.25
	weightWinRate      = 0.15
	weightProfitFactor = 0.30
	drawdownPenalty    = 0.5
	profitFactorCap    = 5.0
	sharpeScale        = 3.0
)

// Objectives lists the supported objectives
func Objectives() []Objective {
	return []Objective{
		ObjectiveComposite, ObjectiveSharpe, ObjectiveSortino, ObjectiveCalmar,
		ObjectiveTotalReturn, ObjectiveProfitFactor, ObjectiveWinRate,
	}
}

// Validate checks the objective name; empty means composite
func (o Objective) Validate() error {
	if o == "" || lo.Contains(Objectives(), o) {
		return nil
	}
	return apperrors.Newf(apperrors.ErrCodeParameterInvalid, "unknown objective", "objective %q", o)
}

// Fitness scores a run summary. Unbounded ratios score as metrics.Unbounded.
func (o Objective) Fitness(s metrics.Summary) float64 {
	switch o {
	case ObjectiveSharpe:
		return s.SharpeRatio
	case ObjectiveSortino:
		return s.SortinoRatio
	case ObjectiveCalmar:
		return s.CalmarRatio
	case ObjectiveTotalReturn:
		return s.TotalReturn
	case ObjectiveProfitFactor:
		return s.ProfitFactor
	case ObjectiveWinRate:
		return s.WinRate
	default:
		return CompositeFitness(s)
	}
}

// CompositeFitness blends return, Sharpe, win rate and capped profit factor
// and subtracts a max drawdown penalty
func CompositeFitness(s metrics.Summary) float64 {
	ret := lo.Clamp(s.TotalReturn, -1, 1)
	sharpe := lo.Clamp(s.SharpeRatio/sharpeScale, -1, 1)
	pf := math.Min(s.ProfitFactor, profitFactorCap)

	return weightReturn*ret +
		weightSharpe*sharpe +
		weightWinRate*s.WinRate +
		weightProfitFactor*pf -
		drawdownPenalty*s.MaxDrawdown
}
