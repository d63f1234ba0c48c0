package backtest

// SlippageModel returns the fill price for a requested price. Buyers fill
// higher and sellers lower.
type SlippageModel interface {
	Apply(price float64, buy bool) float64
}

// FeeModel defines the interface for fee models
type FeeModel interface {
	CalculateFee(price, quantity float64) float64
}

// DefaultSlippageModel applies a fixed fractional slippage
type DefaultSlippageModel struct {
	rate float64
}

// NewDefaultSlippageModel creates a slippage model; rate 0.0005 means 5 bps
func NewDefaultSlippageModel(rate float64) *DefaultSlippageModel {
	return &DefaultSlippageModel{rate: rate}
}

func (m *DefaultSlippageModel) Apply(price float64, buy bool) float64 {
	if buy {
		return price * (1 + m.rate)
	}
	return price * (1 - m.rate)
}

// DefaultFeeModel charges a rate on notional
type DefaultFeeModel struct {
	rate float64
}

func NewDefaultFeeModel(rate float64) *DefaultFeeModel {
	return &DefaultFeeModel{rate: rate}
}

func (m *DefaultFeeModel) CalculateFee(price, quantity float64) float64 {
	return price * quantity * m.rate
}
