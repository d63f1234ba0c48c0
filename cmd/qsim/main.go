package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"qsim/internal/app"
	"qsim/internal/config"
	"qsim/internal/logger"
)

func main() {
	var (
		configFile = flag.String("config", "configs/config.yaml", "配置文件路径")
		envFile    = flag.String("env", "", ".env 文件路径, 为空时不加载")
		watch      = flag.Bool("watch", true, "配置文件变更时重新加载定时任务")
	)
	flag.Parse()

	if *envFile != "" {
		if err := config.NewEnvManager("").LoadFromFile(*envFile); err != nil {
			log.Fatalf("Failed to load env file: %v", err)
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.Logging)
	logger.Info("Starting qsim - strategy backtesting and optimization service",
		"version", cfg.App.Version, "config", *configFile)

	opts := []app.Option{app.WithLogger(logger.GetGlobalLogger())}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configFile, 0))
	}
	service, err := app.New(cfg, opts...)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	if err := service.Serve(); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	// 服务异常退出时同样触发关闭
	serveErr := make(chan error, 1)
	go func() { serveErr <- service.Wait() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("API server stopped unexpectedly", "error", err)
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := service.Shutdown(ctx); err != nil {
		logger.Error("Error during shutdown", "error", err)
		exitCode = 1
	}
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}
