package testutils

import (
	"math"
	"math/rand"
	"time"

	"qsim/internal/market/kline"
)

// SeriesStart is the timestamp of the first generated bar
var SeriesStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SeriesFromCloses builds daily bars whose open is the previous close and
// whose range spans open and close by spread (a fraction).
func SeriesFromCloses(closes []float64, spread float64) *kline.Series {
	bars := make([]kline.Kline, len(closes))
	step := kline.GetIntervalDuration(kline.Interval1d)
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = kline.Kline{
			OpenTime: SeriesStart.Add(time.Duration(i) * step),
			Open:     open,
			High:     math.Max(open, c) * (1 + spread),
			Low:      math.Min(open, c) * (1 - spread),
			Close:    c,
			Volume:   1000,
		}
	}
	return kline.NewSeries("TESTUSDT", kline.Interval1d, bars)
}

// FlatSeries 常数价格序列, 高低价等于收盘价
func FlatSeries(n int, price float64) *kline.Series {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return SeriesFromCloses(closes, 0)
}

// TrendSeries 每根K线收盘价增加step
func TrendSeries(n int, start, step float64) *kline.Series {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + float64(i)*step
	}
	return SeriesFromCloses(closes, 0)
}

// SineSeries 围绕base的正弦波动序列, 适合均线和均值回归策略
func SineSeries(n int, base, amplitude float64, period int) *kline.Series {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = base + amplitude*math.Sin(2*math.Pi*float64(i)/float64(period))
	}
	return SeriesFromCloses(closes, 0.002)
}

// RandomWalkSeries 可复现的几何随机游走
func RandomWalkSeries(n int, start, vol float64, seed int64) *kline.Series {
	rng := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	price := start
	for i := range closes {
		price *= 1 + rng.NormFloat64()*vol
		if price < 1 {
			price = 1
		}
		closes[i] = price
	}
	return SeriesFromCloses(closes, vol/2)
}
