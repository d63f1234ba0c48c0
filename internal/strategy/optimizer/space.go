package optimizer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samber/lo"

	apperrors "qsim/internal/errors"
	"qsim/internal/strategy/sdk"
)

const (
	// MaxAxisPoints bounds the grid points of a single range
	MaxAxisPoints = 10_000
	// MaxGridSize bounds the combinations of a grid search
	MaxGridSize = 100_000
)

// ParameterRange is the searchable interval of one strategy parameter.
// Grid values run from Min to Max by Step, both ends included.
type ParameterRange struct {
	Name    string  `yaml:"name" json:"name"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Step    float64 `yaml:"step" json:"step"`
	Integer bool    `yaml:"integer" json:"integer"`
}

// Validate checks the range bounds and step
func (r ParameterRange) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	for _, v := range []float64{r.Min, r.Max, r.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %s: bounds must be finite", r.Name)
		}
	}
	if r.Min > r.Max {
		return fmt.Errorf("parameter %s: min %g greater than max %g", r.Name, r.Min, r.Max)
	}
	if r.Step <= 0 {
		return fmt.Errorf("parameter %s: step must be positive, got %g", r.Name, r.Step)
	}
	if n := r.Points(); n > MaxAxisPoints {
		return fmt.Errorf("parameter %s: %g grid points exceed the limit of %d", r.Name, n, MaxAxisPoints)
	}
	return nil
}

// Points returns the number of grid points before integer deduplication.
// It is computed in floating point, so huge or infinite counts are reported
// instead of overflowing.
func (r ParameterRange) Points() float64 {
	span := r.Max - r.Min
	n := math.Floor(span/r.Step+1e-9) + 1
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return math.Inf(1)
	}
	if last := r.Min + (n-1)*r.Step; r.Max-last > 1e-9*math.Max(1, math.Abs(r.Max)) {
		n++
	}
	return n
}

// Values returns the grid points of the range in ascending order. The
// range must have passed Validate.
func (r ParameterRange) Values() []float64 {
	n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	values := lo.Times(n, func(k int) float64 {
		return r.Clamp(r.Min + float64(k)*r.Step)
	})
	// 步长不能整除区间时补上端点
	if last := r.Min + float64(n-1)*r.Step; r.Max-last > 1e-9*math.Max(1, math.Abs(r.Max)) {
		values = append(values, r.Clamp(r.Max))
	}
	if r.Integer {
		values = lo.Uniq(values)
	}
	return values
}

// Clamp limits v to the range and rounds integer parameters
func (r ParameterRange) Clamp(v float64) float64 {
	v = lo.Clamp(v, r.Min, r.Max)
	if r.Integer {
		v = math.Round(v)
		// 取整后可能越界
		if v < r.Min {
			v = math.Ceil(r.Min)
		}
		if v > r.Max {
			v = math.Floor(r.Max)
		}
	}
	return v
}

// Sample draws a uniform value from the range
func (r ParameterRange) Sample(rng *rand.Rand) float64 {
	if r.Integer {
		low, high := math.Ceil(r.Min), math.Floor(r.Max)
		if high < low {
			return r.Clamp(r.Min)
		}
		switch span := high - low; {
		case span < math.MaxInt32:
			return low + float64(rng.Intn(int(span)+1))
		case span < 1<<53:
			return low + float64(rng.Int63n(int64(span)+1))
		default:
			// 超出整数精度, 按连续区间采样
			return r.Clamp(low + rng.Float64()*span)
		}
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Span returns Max - Min
func (r ParameterRange) Span() float64 { return r.Max - r.Min }

// ParameterSpace is an ordered list of ranges
type ParameterSpace []ParameterRange

// Validate rejects an empty space, duplicate names and malformed ranges
func (s ParameterSpace) Validate() error {
	if len(s) == 0 {
		return apperrors.New(apperrors.ErrCodeParameterInvalid, "parameter space is empty", nil)
	}
	seen := make(map[string]bool, len(s))
	for _, r := range s {
		if err := r.Validate(); err != nil {
			return apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid parameter range", err)
		}
		if seen[r.Name] {
			return apperrors.Newf(apperrors.ErrCodeParameterInvalid, "invalid parameter range", "duplicate parameter %s", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Names returns the parameter names in space order
func (s ParameterSpace) Names() []string {
	return lo.Map(s, func(r ParameterRange, _ int) string { return r.Name })
}

// GridSize returns the number of grid combinations, saturating at
// math.MaxInt. Ranges that fail Validate count as math.MaxInt.
func (s ParameterSpace) GridSize() int {
	size := 1
	for _, r := range s {
		if r.Validate() != nil {
			return math.MaxInt
		}
		n := len(r.Values())
		if n > 0 && size > math.MaxInt/n {
			return math.MaxInt
		}
		size *= n
	}
	return size
}

// Grid returns the Cartesian product of all range values. The last
// parameter varies fastest.
func (s ParameterSpace) Grid() []sdk.Parameters {
	axes := lo.Map(s, func(r ParameterRange, _ int) []float64 { return r.Values() })
	combos := []sdk.Parameters{{}}
	for i, r := range s {
		next := make([]sdk.Parameters, 0, len(combos)*len(axes[i]))
		for _, c := range combos {
			for _, v := range axes[i] {
				p := c.Clone()
				p[r.Name] = v
				next = append(next, p)
			}
		}
		combos = next
	}
	return combos
}

// Sample draws one random point
func (s ParameterSpace) Sample(rng *rand.Rand) sdk.Parameters {
	p := make(sdk.Parameters, len(s))
	for _, r := range s {
		p[r.Name] = r.Sample(rng)
	}
	return p
}
