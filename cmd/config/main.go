package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"qsim/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		envPath    = flag.String("env", ".env.example", "环境变量模板输出路径")
		validate   = flag.Bool("validate", false, "验证配置")
		generate   = flag.Bool("generate", false, "生成环境变量模板")
		export     = flag.String("export", "", "导出当前 QSIM_ 环境变量到文件")
		require    = flag.String("require", "", "必须设置的环境变量, 逗号分隔, 不含前缀")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if *generate {
		generateTemplate(*configPath, *envPath)
		return
	}

	if *export != "" {
		exportEnv(*export)
		return
	}

	// 验证配置
	if *validate {
		checkRequired(*require)
		validateConfig(*configPath)
		return
	}

	// 默认显示帮助
	showHelp()
}

func showHelp() {
	fmt.Println("qsim 配置管理工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  qsim-config [选项]")
	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  -config string")
	fmt.Println("        配置文件路径 (默认: configs/config.yaml)")
	fmt.Println("  -env string")
	fmt.Println("        环境变量模板输出路径 (默认: .env.example)")
	fmt.Println("  -validate")
	fmt.Println("        验证配置文件")
	fmt.Println("  -generate")
	fmt.Println("        生成环境变量模板, 配置文件不存在时使用默认值")
	fmt.Println("  -export string")
	fmt.Println("        导出当前 QSIM_ 环境变量到文件")
	fmt.Println("  -require string")
	fmt.Println("        与 -validate 一起使用, 检查必须设置的环境变量 (如 SERVER_PORT,REDIS_ADDR)")
	fmt.Println("  -help")
	fmt.Println("        显示帮助信息")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  qsim-config -validate")
	fmt.Println("  qsim-config -generate -env .env.example")
	fmt.Println("  qsim-config -validate -require DINGTALK_SECRET")
}

func checkRequired(keys string) {
	if keys == "" {
		return
	}
	var required []string
	for _, key := range strings.Split(keys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			required = append(required, key)
		}
	}
	if err := config.NewEnvManager("").ValidateRequired(required); err != nil {
		log.Fatalf("环境变量检查失败: %v", err)
	}
}

func exportEnv(path string) {
	if err := config.NewEnvManager("").ExportToFile(path); err != nil {
		log.Fatalf("导出环境变量失败: %v", err)
	}
	fmt.Printf("✅ 环境变量已导出: %s\n", path)
}

func validateConfig(configPath string) {
	fmt.Printf("正在验证配置文件: %s\n", configPath)

	// 检查配置文件是否存在
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("配置文件不存在: %s", configPath)
	}

	// Load 内部已完成验证
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	fmt.Println("✅ 配置验证通过")

	// 显示配置摘要
	showConfigSummary(cfg)
}

func generateTemplate(configPath, envPath string) {
	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("加载配置文件失败: %v", err)
		}
		cfg = loaded
	}

	if err := config.NewEnvManager("").WriteTemplate(cfg, envPath); err != nil {
		log.Fatalf("生成环境变量模板失败: %v", err)
	}
	fmt.Printf("✅ 环境变量模板已写入: %s\n", envPath)
}

func showConfigSummary(cfg *config.Config) {
	fmt.Println("\n配置摘要:")
	fmt.Printf("  应用名称: %s\n", cfg.App.Name)
	fmt.Printf("  版本: %s\n", cfg.App.Version)
	fmt.Printf("  环境: %s\n", cfg.App.Environment)
	fmt.Printf("  服务器地址: %s\n", cfg.Server.Addr())
	fmt.Printf("  Redis: %s (启用: %t)\n", cfg.Cache.Addr, cfg.Cache.Enabled)
	fmt.Printf("  数据目录: %s\n", cfg.Data.Dir)
	fmt.Printf("  初始资金: %.2f (手续费: %g, 滑点: %g)\n",
		cfg.Backtest.InitialCapital, cfg.Backtest.CommissionRate, cfg.Backtest.SlippageRate)
	fmt.Printf("  优化器: %s / %s (并发: %d, 后台任务上限: %d)\n",
		cfg.Optimizer.Method, cfg.Optimizer.Objective, cfg.Optimizer.Workers, cfg.Optimizer.MaxTasks)
	fmt.Printf("  滚动窗口: 优化 %d / 测试 %d / 步长 %d\n",
		cfg.WalkForward.OptimizationPeriods, cfg.WalkForward.TestPeriods, cfg.WalkForward.StepSize)
	fmt.Printf("  蒙特卡洛模拟: %d 次\n", cfg.Comparison.MonteCarloIterations)
	fmt.Printf("  定时任务: %d\n", len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		fmt.Printf("    - %s [%s] %s (启用: %t)\n", s.Name, s.Cron, s.Strategy.Name, s.Enabled)
	}
}
