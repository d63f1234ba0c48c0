package kline

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"

	apperrors "qsim/internal/errors"
)

// Series is an ordered bar sequence with strictly increasing timestamps.
type Series struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
	Bars     []Kline  `json:"bars"`
}

// NewSeries creates a series without validating it
func NewSeries(symbol string, interval Interval, bars []Kline) *Series {
	return &Series{Symbol: symbol, Interval: interval, Bars: bars}
}

// Len returns the number of bars
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// Validate checks the series is non-empty, sorted and every bar is well formed.
func (s *Series) Validate() error {
	if s.Len() == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "price series is empty", nil)
	}
	for i, bar := range s.Bars {
		if !bar.Valid() {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid bar",
				"bar %d at %s: open=%g high=%g low=%g close=%g", i, bar.OpenTime, bar.Open, bar.High, bar.Low, bar.Close)
		}
		if i > 0 && !bar.OpenTime.After(s.Bars[i-1].OpenTime) {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "price series is not strictly increasing",
				"bar %d at %s follows %s", i, bar.OpenTime, s.Bars[i-1].OpenTime)
		}
	}
	return nil
}

// Slice returns the half-open index range [from, to) sharing the bar storage.
func (s *Series) Slice(from, to int) *Series {
	if from < 0 {
		from = 0
	}
	if to > len(s.Bars) {
		to = len(s.Bars)
	}
	if from > to {
		from = to
	}
	return &Series{Symbol: s.Symbol, Interval: s.Interval, Bars: s.Bars[from:to]}
}

// Closes returns the close prices
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// First returns the first bar. The series must be non-empty.
func (s *Series) First() Kline { return s.Bars[0] }

// Last returns the last bar. The series must be non-empty.
func (s *Series) Last() Kline { return s.Bars[len(s.Bars)-1] }

// Fingerprint is a stable content hash used in evaluation cache keys.
func (s *Series) Fingerprint() string {
	data := make([]byte, 0, len(s.Symbol)+len(s.Interval)+len(s.Bars)*48)
	data = append(data, s.Symbol...)
	data = append(data, s.Interval...)
	for _, b := range s.Bars {
		data = binary.LittleEndian.AppendUint64(data, uint64(b.OpenTime.UnixNano()))
		for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, data).String()
}
