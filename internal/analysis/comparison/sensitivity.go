package comparison

import (
	"context"
	"math"

	"github.com/samber/lo"
	"github.com/samber/lo/parallel"

	apperrors "qsim/internal/errors"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

// SensitivityPoint is one re-run with a varied parameter value
type SensitivityPoint struct {
	Offset float64 `json:"offset"` // 相对基准值的比例, 如 -0.2
	Value  float64 `json:"value"`
	Return float64 `json:"return"`
	Sharpe float64 `json:"sharpe"`
	Error  string  `json:"error,omitempty"`
}

// ParameterSensitivity describes how one parameter moves the return.
// Sensitivity is the correlation between value and return; Stability is
// 1/stdev of the returns, Unbounded when they do not vary.
type ParameterSensitivity struct {
	Parameter          string             `json:"parameter"`
	Base               float64            `json:"base"`
	Points             []SensitivityPoint `json:"points"`
	Sensitivity        float64            `json:"sensitivity"`
	Stability          float64            `json:"stability"`
	StabilityUnbounded bool               `json:"stability_unbounded"`
}

// offsets lists k·step for k = -range/step..range/step
func (c *Comparator) offsets() []float64 {
	n := int(math.Round(c.config.SensitivityRange / c.config.SensitivityStep))
	return lo.Map(lo.RangeFrom(-n, 2*n+1), func(k int, _ int) float64 {
		return float64(k) * c.config.SensitivityStep
	})
}

// Sensitivity sweeps every parameter of cfg around its value, one parameter
// at a time, holding the others fixed. Parameters with a zero base value are
// reported without points. Failed re-runs are kept as points with Error set
// and left out of the statistics.
func (c *Comparator) Sensitivity(ctx context.Context, series *kline.Series, cfg sdk.StrategyConfig) ([]ParameterSensitivity, error) {
	offsets := c.offsets()
	out := make([]ParameterSensitivity, 0, len(cfg.Parameters))

	for _, name := range cfg.Parameters.Keys() {
		base := cfg.Parameters[name]
		ps := ParameterSensitivity{Parameter: name, Base: base, Points: []SensitivityPoint{}}
		if base == 0 {
			out = append(out, ps)
			continue
		}

		ps.Points = parallel.Map(offsets, func(offset float64, _ int) SensitivityPoint {
			p := SensitivityPoint{Offset: offset, Value: base * (1 + offset)}
			res, err := c.backtester.Simulate(ctx, series, cfg.WithParameters(sdk.Parameters{name: p.Value}))
			if err != nil {
				p.Error = err.Error()
				return p
			}
			p.Return, p.Sharpe = res.Metrics.TotalReturn, res.Metrics.SharpeRatio
			return p
		})
		if err := ctx.Err(); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeCancelled, "sensitivity analysis cancelled", err)
		}

		ok := lo.Filter(ps.Points, func(p SensitivityPoint, _ int) bool { return p.Error == "" })
		values := lo.Map(ok, func(p SensitivityPoint, _ int) float64 { return p.Value })
		returns := lo.Map(ok, func(p SensitivityPoint, _ int) float64 { return p.Return })
		ps.Sensitivity = metrics.Correlation(values, returns)
		if std := metrics.StdDev(returns); std > 0 {
			ps.Stability = 1 / std
		} else if len(returns) > 0 {
			ps.Stability, ps.StabilityUnbounded = metrics.Unbounded, true
		}
		out = append(out, ps)
	}
	return out, nil
}
