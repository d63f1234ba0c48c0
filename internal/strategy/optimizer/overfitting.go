package optimizer

import (
	"math"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"qsim/internal/strategy/metrics"
)

// unreliableReturn is the in-sample return magnitude below which the
// degradation ratio is flagged as unreliable
const unreliableReturn = 1e-4

// Degradation is the relative drop from in-sample to out-of-sample return,
// 0 when the in-sample return is 0. unreliable flags a non-zero ratio over a
// near-zero in-sample return.
func Degradation(inSample, outOfSample float64) (value float64, unreliable bool) {
	if inSample == 0 {
		return 0, false
	}
	value = (inSample - outOfSample) / math.Abs(inSample)
	return value, math.Abs(inSample) < unreliableReturn
}

// stabilityScore maps dispersion to (0, 1]; identical values score 1
func stabilityScore(values []float64) float64 {
	return 1 / (1 + metrics.StdDev(values))
}

// OverfitConfig represents overfitting detection configuration
type OverfitConfig struct {
	MinSamples        int     `yaml:"min_samples" json:"min_samples"`                 // 最小样本数
	DecayThreshold    float64 `yaml:"decay_threshold" json:"decay_threshold"`         // 衰减阈值
	MinDeflatedSharpe float64 `yaml:"min_deflated_sharpe" json:"min_deflated_sharpe"` // 最小收缩夏普
}

// DefaultOverfitConfig returns the default detector configuration
func DefaultOverfitConfig() OverfitConfig {
	return OverfitConfig{MinSamples: 30, DecayThreshold: 0.8, MinDeflatedSharpe: 0}
}

// OverfitReport summarizes how well in-sample results generalize
type OverfitReport struct {
	MeanDegradation  float64 `json:"mean_degradation"`
	OverfittingIndex float64 `json:"overfitting_index"`
	Robustness       float64 `json:"robustness"`
	DecayScore       float64 `json:"decay_score"`     // 样本外夏普衰减概率
	DeflatedSharpe   float64 `json:"deflated_sharpe"` // 样本外收缩夏普
	IsOverfit        bool    `json:"is_overfit"`
}

// OverfitDetector derives overfitting diagnostics from walk-forward segments
type OverfitDetector struct {
	config OverfitConfig
}

// NewOverfitDetector creates a new overfit detector
func NewOverfitDetector(config OverfitConfig) *OverfitDetector {
	return &OverfitDetector{config: config}
}

// Analyze scores completed segments. oosReturns is the concatenated per-bar
// out-of-sample return series.
func (d *OverfitDetector) Analyze(segments []Segment, oosReturns []float64) OverfitReport {
	if len(segments) == 0 {
		return OverfitReport{}
	}
	report := OverfitReport{
		MeanDegradation: lo.MeanBy(segments, func(s Segment) float64 { return s.Degradation }),
		Robustness: float64(lo.CountBy(segments, func(s Segment) bool {
			return s.OutOfSampleReturn > 0
		})) / float64(len(segments)),
		DecayScore: lo.MeanBy(segments, func(s Segment) float64 {
			return sharpeDecay(s.InSample.SharpeRatio, s.OutOfSample.SharpeRatio)
		}),
	}
	report.OverfittingIndex = math.Max(0, report.MeanDegradation) / 100

	if len(oosReturns) >= d.config.MinSamples {
		annRet := metrics.AnnualizedReturn(compound(oosReturns), len(oosReturns))
		sharpe := metrics.Sharpe(annRet, metrics.Volatility(oosReturns), metrics.DefaultRiskFreeRate)
		report.DeflatedSharpe = deflatedSharpe(sharpe, oosReturns)
	}

	report.IsOverfit = report.DecayScore > d.config.DecayThreshold ||
		(len(oosReturns) >= d.config.MinSamples && report.DeflatedSharpe < d.config.MinDeflatedSharpe)
	return report
}

// sharpeDecay maps the in-sample to out-of-sample Sharpe drop to [0, 1].
// A non-positive in-sample Sharpe counts as fully decayed.
func sharpeDecay(inSample, outOfSample float64) float64 {
	if inSample <= 0 {
		return 1
	}
	return lo.Clamp((inSample-outOfSample)/inSample*2, 0, 1)
}

// deflatedSharpe shrinks a Sharpe ratio by the effective sample size implied
// by lag-1 autocorrelation
func deflatedSharpe(sharpe float64, returns []float64) float64 {
	if sharpe <= 0 || len(returns) < 3 {
		return 0
	}
	rho := autocorrelation(returns)
	n := float64(len(returns))
	effectiveN := n * (1 - rho) / (1 + rho)
	if effectiveN <= 1 || math.IsNaN(effectiveN) || math.IsInf(effectiveN, 0) {
		effectiveN = 1
	}
	return sharpe * math.Sqrt((effectiveN-1)/effectiveN)
}

// autocorrelation is the lag-1 correlation, 0 when undefined
func autocorrelation(returns []float64) float64 {
	if len(returns) < 3 {
		return 0
	}
	rho := stat.Correlation(returns[1:], returns[:len(returns)-1], nil)
	if math.IsNaN(rho) {
		return 0
	}
	return lo.Clamp(rho, -0.999, 0.999)
}

// compound chains per-bar returns into a total return
func compound(returns []float64) float64 {
	total := 1.0
	for _, r := range returns {
		total *= 1 + r
	}
	return total - 1
}
