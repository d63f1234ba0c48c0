package optimizer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/metrics"
	"qsim/internal/strategy/sdk"
)

func TestParameterRangeValues(t *testing.T) {
	tests := []struct {
		name string
		r    ParameterRange
		want []float64
	}{
		{"exact steps", ParameterRange{Name: "a", Min: 1, Max: 2, Step: 0.5}, []float64{1, 1.5, 2}},
		{"max appended", ParameterRange{Name: "a", Min: 0, Max: 1, Step: 0.4}, []float64{0, 0.4, 0.8, 1}},
		{"single point", ParameterRange{Name: "a", Min: 3, Max: 3, Step: 1}, []float64{3}},
		{"integer dedup", ParameterRange{Name: "a", Min: 1, Max: 3, Step: 0.5, Integer: true}, []float64{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.r.Values()
			assert.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
			}
		})
	}
}

func TestParameterSpaceValidate(t *testing.T) {
	tests := []struct {
		name  string
		space ParameterSpace
	}{
		{"empty", ParameterSpace{}},
		{"min above max", ParameterSpace{{Name: "a", Min: 2, Max: 1, Step: 1}}},
		{"zero step", ParameterSpace{{Name: "a", Min: 1, Max: 2, Step: 0}}},
		{"negative step", ParameterSpace{{Name: "a", Min: 1, Max: 2, Step: -1}}},
		{"duplicate", ParameterSpace{{Name: "a", Min: 1, Max: 2, Step: 1}, {Name: "a", Min: 1, Max: 2, Step: 1}}},
		{"unnamed", ParameterSpace{{Min: 1, Max: 2, Step: 1}}},
		{"huge span", ParameterSpace{{Name: "a", Min: 0, Max: 1e300, Step: 1}}},
		{"tiny step", ParameterSpace{{Name: "a", Min: 0, Max: 1, Step: 1e-9}}},
		{"infinite span", ParameterSpace{{Name: "a", Min: -math.MaxFloat64, Max: math.MaxFloat64, Step: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.space.Validate()
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid), "%v", err)
		})
	}
}

func TestGridOrderLastParameterFastest(t *testing.T) {
	space := ParameterSpace{
		{Name: "a", Min: 1, Max: 2, Step: 1},
		{Name: "b", Min: 10, Max: 20, Step: 10},
	}
	assert.Equal(t, 4, space.GridSize())
	assert.Equal(t, []sdk.Parameters{
		{"a": 1, "b": 10},
		{"a": 1, "b": 20},
		{"a": 2, "b": 10},
		{"a": 2, "b": 20},
	}, space.Grid())
}

func TestGridSizeLimits(t *testing.T) {
	r := ParameterRange{Name: "a", Min: 0, Max: 1, Step: 0.4}
	assert.Equal(t, 4.0, r.Points())
	assert.Equal(t, float64(MaxAxisPoints), ParameterRange{Name: "a", Min: 1, Max: MaxAxisPoints, Step: 1}.Points())
	assert.True(t, math.IsInf(ParameterRange{Name: "a", Min: 0, Max: 1e300, Step: 1e-300}.Points(), 1))

	axis := ParameterRange{Min: 1, Max: 1000, Step: 1}
	space := ParameterSpace{axis, axis, axis, axis, axis, axis, axis}
	for i := range space {
		space[i].Name = string(rune('a' + i))
	}
	require.NoError(t, space.Validate())
	// 1000^7 溢出 int, 应饱和而不是回绕
	assert.Equal(t, math.MaxInt, space.GridSize())
	assert.Equal(t, 1000, space[:1].GridSize())
	assert.Equal(t, math.MaxInt, ParameterSpace{{Name: "a", Min: 0, Max: 1e300, Step: 1}}.GridSize())
}

func TestSampleStaysInRange(t *testing.T) {
	space := ParameterSpace{
		{Name: "x", Min: -1, Max: 1, Step: 0.1},
		{Name: "n", Min: 2, Max: 7, Step: 1, Integer: true},
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		p := space.Sample(rng)
		assert.GreaterOrEqual(t, p["x"], -1.0)
		assert.LessOrEqual(t, p["x"], 1.0)
		assert.Contains(t, []float64{2, 3, 4, 5, 6, 7}, p["n"])
	}

	// 跨度超过 int 范围的整数参数
	wide := ParameterRange{Name: "w", Min: 0, Max: 1e300, Step: 1e297, Integer: true}
	for i := 0; i < 100; i++ {
		v := wide.Sample(rng)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1e300)
		assert.Equal(t, math.Round(v), v)
	}
}

func TestCompositeFitness(t *testing.T) {
	s := metrics.Summary{TotalReturn: 0.2, SharpeRatio: 1.5, MaxDrawdown: 0.1}
	s.WinRate = 0.6
	s.ProfitFactor = 2

	want := 0.30*0.2 + 0.25*0.5 + 0.15*0.6 + 0.30*2 - 0.5*0.1
	assert.InDelta(t, want, CompositeFitness(s), 1e-12)
	assert.InDelta(t, want, Objective("").Fitness(s), 1e-12)

	// 上限截断
	s.TotalReturn, s.SharpeRatio, s.ProfitFactor = 5, 9, metrics.Unbounded
	want = 0.30 + 0.25 + 0.15*0.6 + 0.30*5 - 0.05
	assert.InDelta(t, want, CompositeFitness(s), 1e-12)

	assert.Equal(t, 1.5, ObjectiveSharpe.Fitness(metrics.Summary{SharpeRatio: 1.5}))
	assert.Error(t, Objective("alpha").Validate())
}
