package kline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// BarRecord is the Parquet schema for bar files.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// WriteParquet writes a series to path, creating parent directories.
func WriteParquet(path string, s *Series) error {
	records := make([]BarRecord, 0, s.Len())
	for _, b := range s.Bars {
		records = append(records, BarRecord{
			Symbol:    s.Symbol,
			Timestamp: b.OpenTime.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing bars to %s: %w", path, err)
	}
	return nil
}

// ReadParquet loads a series from path. Rows are sorted and duplicate
// timestamps collapsed (last row wins); the result is validated.
func ReadParquet(path string, interval Interval) (*Series, error) {
	records, err := parquet.ReadFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading bars from %s: %w", path, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})

	s := &Series{Interval: interval, Bars: make([]Kline, 0, len(records))}
	for _, r := range records {
		if s.Symbol == "" {
			s.Symbol = r.Symbol
		}
		bar := Kline{
			OpenTime: time.UnixMilli(r.Timestamp).UTC(),
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   r.Volume,
		}
		if n := len(s.Bars); n > 0 && s.Bars[n-1].OpenTime.Equal(bar.OpenTime) {
			s.Bars[n-1] = bar
			continue
		}
		s.Bars = append(s.Bars, bar)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
