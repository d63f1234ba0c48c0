package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"qsim/internal/api"
	"qsim/internal/app"
	"qsim/internal/config"
	"qsim/internal/logger"
	"qsim/internal/market/kline"
	"qsim/internal/scheduler"
)

// Runner executes one request against a freshly wired service
type Runner struct {
	service *app.Service
	config  *config.Config
}

func main() {
	var (
		configFile  = flag.String("config", "configs/config.yaml", "配置文件路径, 不存在时使用默认配置")
		mode        = flag.String("mode", "backtest", "运行模式 (backtest, search, walkforward, compare)")
		requestFile = flag.String("request", "", "请求JSON文件, 格式与 HTTP API 相同")
		seriesFile  = flag.String("file", "", "K线parquet文件, 覆盖请求中的 series")
		lastBars    = flag.Int("last", 0, "只使用最后N根K线")
		outputFile  = flag.String("out", "", "结果输出文件, 为空时输出到标准输出")
	)
	flag.Parse()

	if *requestFile == "" {
		log.Fatal("必须指定 -request")
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// 结果写到标准输出, 日志只输出到标准错误
	cfg.Logging.Output = "stderr"
	logger.Init(cfg.Logging)

	service, err := app.New(cfg, app.WithLogger(logger.GetGlobalLogger()))
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	defer service.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(*requestFile)
	if err != nil {
		log.Fatalf("Failed to read request: %v", err)
	}

	runner := &Runner{service: service, config: cfg}
	result, err := runner.Run(ctx, *mode, data, *seriesFile, *lastBars)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	if err := writeResult(*outputFile, result); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
}

// loadConfig loads configuration from file or uses defaults
func loadConfig(configFile string) (*config.Config, error) {
	if _, err := os.Stat(configFile); err != nil {
		cfg := config.Default()
		config.NewEnvManager("").Apply(cfg)
		return cfg, nil
	}
	return config.Load(configFile)
}

// Run decodes the request of mode and executes it
func (r *Runner) Run(ctx context.Context, mode string, data []byte, file string, lastBars int) (interface{}, error) {
	switch mode {
	case "backtest":
		var req api.BacktestRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid backtest request: %w", err)
		}
		series, err := r.series(req.Series, file, lastBars)
		if err != nil {
			return nil, err
		}
		return r.service.Simulator.Simulate(ctx, series, req.Strategy)

	case "search":
		var req api.SearchRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid search request: %w", err)
		}
		series, err := r.series(req.Series, file, lastBars)
		if err != nil {
			return nil, err
		}
		result, err := r.service.Searcher.Search(ctx, series, req.Strategy, req.SearchConfig(r.config))
		if err != nil {
			return nil, err
		}
		if req.Top > 0 {
			result.Results = result.Top(req.Top)
		}
		return result, nil

	case "walkforward":
		var req api.WalkForwardRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid walk-forward request: %w", err)
		}
		series, err := r.series(req.Series, file, lastBars)
		if err != nil {
			return nil, err
		}
		return r.service.Validator.Validate(ctx, series, req.Strategy, req.SearchConfig(r.config), req.WindowConfig(r.config))

	case "compare":
		var req api.CompareRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid compare request: %w", err)
		}
		series, err := r.series(req.Series, file, lastBars)
		if err != nil {
			return nil, err
		}
		return r.service.Comparator.Compare(ctx, series, req.Strategies)
	}
	return nil, fmt.Errorf("unknown mode: %s", mode)
}

// series loads the bars. A -file flag wins over the request; relative paths
// in the request resolve against the data directory.
func (r *Runner) series(in api.SeriesInput, file string, lastBars int) (*kline.Series, error) {
	if file != "" {
		return scheduler.LoadSeries("", file, lastBars)
	}
	if len(in.Bars) > 0 {
		s := kline.NewSeries(in.Symbol, in.Interval, in.Bars)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if in.File == "" {
		return nil, fmt.Errorf("request has no series bars or file")
	}
	if lastBars == 0 {
		lastBars = in.LastBars
	}
	return scheduler.LoadSeries(r.config.Data.Dir, in.File, lastBars)
}

func writeResult(path string, result interface{}) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
