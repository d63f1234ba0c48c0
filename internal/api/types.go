package api

import (
	"qsim/internal/config"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/backtest"
	"qsim/internal/strategy/optimizer"
	"qsim/internal/strategy/sdk"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SeriesInput carries bars inline or names a Parquet file under the data
// directory. Inline bars take precedence.
type SeriesInput struct {
	Symbol   string         `json:"symbol"`
	Interval kline.Interval `json:"interval"`
	Bars     []kline.Kline  `json:"bars"`
	File     string         `json:"file"`
	LastBars int            `json:"last_bars"` // 仅对文件生效, 0 表示全部
}

// BacktestRequest represents a single backtest request
type BacktestRequest struct {
	Series   SeriesInput        `json:"series"`
	Strategy sdk.StrategyConfig `json:"strategy"`
	Config   *backtest.Config   `json:"config,omitempty"` // 为空时使用服务端配置
}

// SearchRequest represents a parameter search request
type SearchRequest struct {
	Series    SeriesInput              `json:"series"`
	Strategy  sdk.StrategyConfig       `json:"strategy"`
	Space     optimizer.ParameterSpace `json:"space"`
	Method    optimizer.Method         `json:"method"`
	Objective optimizer.Objective      `json:"objective"`
	Random    *optimizer.RandomConfig  `json:"random,omitempty"`
	Genetic   *optimizer.GeneticConfig `json:"genetic,omitempty"`
	Top       int                      `json:"top"` // 返回前N个结果, 0 表示全部
}

// SearchConfig merges the request over the defaults of cfg
func (r SearchRequest) SearchConfig(cfg *config.Config) optimizer.SearchConfig {
	search := cfg.SearchConfig(r.Space)
	if r.Method != "" {
		search.Method = r.Method
	}
	if r.Objective != "" {
		search.Objective = r.Objective
	}
	if r.Random != nil {
		search.Random = *r.Random
	}
	if r.Genetic != nil {
		search.Genetic = *r.Genetic
	}
	return search
}

// WalkForwardRequest represents a walk-forward validation request
type WalkForwardRequest struct {
	SearchRequest
	Window *optimizer.WindowConfig `json:"window,omitempty"` // 为空时使用服务端配置
}

// WindowConfig returns the request window or the default of cfg
func (r WalkForwardRequest) WindowConfig(cfg *config.Config) optimizer.WindowConfig {
	if r.Window != nil {
		return *r.Window
	}
	return cfg.WalkForward.WindowConfig
}

// CompareRequest represents a strategy comparison request
type CompareRequest struct {
	Series     SeriesInput          `json:"series"`
	Strategies []sdk.StrategyConfig `json:"strategies"`
}

// TaskCreated is returned when a background task is accepted
type TaskCreated struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
