package backtest

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/strategy/sdk"
)

// cancelCheckInterval is how many bars run between context checks
const cancelCheckInterval = 1024

// Recorder observes completed runs; monitoring.Metrics implements it.
type Recorder interface {
	RecordBacktest(strategy string, duration time.Duration, trades int, err error)
}

// Engine represents the backtesting engine. An Engine holds no per-run
// state and may be shared by concurrent runs.
type Engine struct {
	config   Config
	slippage SlippageModel
	fees     FeeModel
	logger   logger.Logger
	recorder Recorder
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the run observer
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithSlippageModel overrides the rate based slippage model
func WithSlippageModel(m SlippageModel) Option {
	return func(e *Engine) { e.slippage = m }
}

// WithFeeModel overrides the rate based fee model
func WithFeeModel(m FeeModel) Option {
	return func(e *Engine) { e.fees = m }
}

// NewEngine creates a new backtesting engine
func NewEngine(config Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid backtest config", err)
	}
	e := &Engine{
		config:   config,
		slippage: NewDefaultSlippageModel(config.SlippageRate),
		fees:     NewDefaultFeeModel(config.CommissionRate),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.OrGlobal(e.logger)
	return e, nil
}

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.config }

// Run replays series through strategy. cfg names the strategy and carries
// the per-run risk overrides; strategy must be a fresh instance.
func (e *Engine) Run(ctx context.Context, series *kline.Series, strategy sdk.Strategy, cfg sdk.StrategyConfig) (result *Result, err error) {
	start := time.Now()
	defer func() {
		if e.recorder != nil {
			trades := 0
			if result != nil {
				trades = len(result.Trades)
			}
			e.recorder.RecordBacktest(cfg.Name, time.Since(start), trades, err)
		}
	}()

	if err := series.Validate(); err != nil {
		return nil, err
	}
	risk, err := e.config.resolveRisk(cfg.Parameters)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeParameterInvalid, "invalid risk parameters", err)
	}

	posMgr := NewPositionManager(e.config, risk, e.slippage, e.fees)
	statsMgr := NewStatsManager(series.Len())
	equity := e.config.InitialCapital
	last := series.Len() - 1

	for i, bar := range series.Bars {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeCancelled, "backtest cancelled", err)
			}
		}

		long, short := posMgr.Exposure()
		decision, err := strategy.Decide(sdk.Snapshot{
			Index:         i,
			Time:          bar.OpenTime,
			Open:          bar.Open,
			High:          bar.High,
			Low:           bar.Low,
			Close:         bar.Close,
			Volume:        bar.Volume,
			LongAmount:    long,
			ShortAmount:   short,
			OpenPositions: posMgr.OpenCount(),
			Cash:          posMgr.Balance(),
			Equity:        equity,
		})
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStrategyExecution, "strategy decision failed", err).
				WithContext("strategy", cfg.Name).
				WithContext("bar", i)
		}

		e.execute(posMgr, decision, bar, i)
		posMgr.CheckExits(bar, i)

		if i == last {
			posMgr.CloseAll(bar.Close, ExitEndOfTest, i, bar.OpenTime)
		}

		equity = posMgr.Equity(bar.Close)
		statsMgr.Update(bar.OpenTime, equity)
	}

	summary, periods := statsMgr.Summarize(e.config.InitialCapital, e.config.RiskFreeRate, posMgr.Trades())
	result = &Result{
		Strategy:        cfg,
		Symbol:          series.Symbol,
		StartTime:       series.First().OpenTime,
		EndTime:         series.Last().OpenTime,
		Bars:            series.Len(),
		Trades:          posMgr.Trades(),
		Positions:       posMgr.Positions(),
		EquityCurve:     statsMgr.Curve(),
		DrawdownPeriods: periods,
		Metrics:         summary,
		RejectedOrders:  posMgr.rejected,
		Duration:        time.Since(start),
	}
	if result.Trades == nil {
		result.Trades = []Trade{}
	}

	e.logger.Debug("backtest finished",
		"strategy", cfg.Name,
		"bars", result.Bars,
		"trades", len(result.Trades),
		"total_return", summary.TotalReturn,
		"max_drawdown", summary.MaxDrawdown)
	return result, nil
}

// execute applies one decision. Buy closes the oldest short before opening
// a long; sell closes the oldest long before opening a short. Non-finite
// prices or amounts and negative amounts are rejected before any fill.
func (e *Engine) execute(posMgr *PositionManager, d sdk.Decision, bar kline.Kline, index int) {
	if d.Action != sdk.ActionBuy && d.Action != sdk.ActionSell {
		return
	}
	if math.IsNaN(d.Price) || math.IsInf(d.Price, 0) {
		posMgr.reject(RejectInvalidPrice)
		return
	}
	if d.Amount < 0 || math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) {
		posMgr.reject(RejectInvalidAmount)
		return
	}
	price := d.Price
	if price <= 0 {
		price = bar.Close
	}

	switch d.Action {
	case sdk.ActionBuy:
		if p := posMgr.Oldest(SideShort); p != nil {
			posMgr.Close(p, d.Amount, price, true, ExitSignal, index, bar.OpenTime)
			return
		}
		posMgr.Open(SideLong, price, d.Amount, index, bar.OpenTime)
	case sdk.ActionSell:
		if p := posMgr.Oldest(SideLong); p != nil {
			posMgr.Close(p, d.Amount, price, true, ExitSignal, index, bar.OpenTime)
			return
		}
		posMgr.Open(SideShort, price, d.Amount, index, bar.OpenTime)
	}
}

// Simulator builds a fresh strategy from a registry for every run.
type Simulator struct {
	engine   *Engine
	registry *sdk.Registry
}

// NewSimulator creates a simulator
func NewSimulator(engine *Engine, registry *sdk.Registry) *Simulator {
	return &Simulator{engine: engine, registry: registry}
}

// Engine returns the underlying engine
func (s *Simulator) Engine() *Engine { return s.engine }

// Registry returns the strategy registry
func (s *Simulator) Registry() *sdk.Registry { return s.registry }

// Fingerprint identifies the engine configuration, so cached evaluations
// from a differently configured engine are never reused
func (s *Simulator) Fingerprint() string {
	data, _ := json.Marshal(s.engine.config)
	return uuid.NewSHA1(uuid.NameSpaceOID, data).String()
}

// Simulate runs one backtest of cfg over series
func (s *Simulator) Simulate(ctx context.Context, series *kline.Series, cfg sdk.StrategyConfig) (*Result, error) {
	strategy, effective, err := s.registry.New(cfg)
	if err != nil {
		return nil, err
	}
	return s.engine.Run(ctx, series, strategy, effective)
}
