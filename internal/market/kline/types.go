package kline

import (
	"math"
	"time"
)

// Interval represents a candlestick interval
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
)

// Kline represents one OHLCV bar. OpenTime is the bar timestamp.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Valid reports whether low <= {open, close} <= high, prices are positive
// and every field is finite.
func (k Kline) Valid() bool {
	for _, v := range []float64{k.Open, k.High, k.Low, k.Close, k.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if k.Low <= 0 || k.Volume < 0 {
		return false
	}
	return k.Low <= k.Open && k.Open <= k.High &&
		k.Low <= k.Close && k.Close <= k.High
}

// GetIntervalDuration returns the duration of an interval
func GetIntervalDuration(interval Interval) time.Duration {
	switch interval {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	case Interval1w:
		return 168 * time.Hour
	default:
		return 24 * time.Hour
	}
}
