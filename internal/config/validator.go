package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	apperrors "qsim/internal/errors"
	"qsim/internal/logger"
	"qsim/internal/strategy/optimizer"
)

// CronParser parses the six-field (with seconds) schedule expressions
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator 配置验证器
type Validator struct {
	config *Config
}

// NewValidator 创建配置验证器
func NewValidator(config *Config) *Validator {
	return &Validator{
		config: config,
	}
}

// Validate 验证配置
func (v *Validator) Validate() error {
	var errors []string

	sections := []struct {
		name  string
		check func() error
	}{
		{"应用配置错误", v.validateApp},
		{"服务器配置错误", v.validateServer},
		{"日志配置错误", v.validateLogging},
		{"限流配置错误", v.validateRateLimit},
		{"缓存配置错误", v.validateCache},
		{"回测配置错误", v.config.Backtest.Validate},
		{"优化器配置错误", v.validateOptimizer},
		{"滚动验证配置错误", v.validateWalkForward},
		{"策略对比配置错误", v.config.Comparison.Validate},
		{"定时任务配置错误", v.validateSchedules},
		{"告警配置错误", v.config.Alerting.Validate},
	}
	for _, s := range sections {
		if err := s.check(); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", s.name, err))
		}
	}

	if len(errors) > 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid configuration", "配置验证失败:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// validateApp 验证应用配置
func (v *Validator) validateApp() error {
	app := v.config.App

	if app.Name == "" {
		return fmt.Errorf("应用名称不能为空")
	}

	validEnvironments := []string{"development", "test", "staging", "production"}
	if !lo.Contains(validEnvironments, app.Environment) {
		return fmt.Errorf("无效的环境: %s, 有效值: %v", app.Environment, validEnvironments)
	}

	return nil
}

// validateServer 验证服务器配置
func (v *Validator) validateServer() error {
	server := v.config.Server

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", server.Port)
	}

	if server.ReadTimeout <= 0 {
		return fmt.Errorf("读取超时必须大于0")
	}

	if server.WriteTimeout <= 0 {
		return fmt.Errorf("写入超时必须大于0")
	}

	if server.MaxBodyBytes <= 0 {
		return fmt.Errorf("请求体上限必须大于0")
	}

	return nil
}

// validateLogging 验证日志配置
func (v *Validator) validateLogging() error {
	logging := v.config.Logging

	levels := []logger.LogLevel{logger.LevelTrace, logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, logger.LevelError}
	if !lo.Contains(levels, logging.Level) {
		return fmt.Errorf("无效的日志级别: %s", logging.Level)
	}

	if logging.Format != logger.FormatJSON && logging.Format != logger.FormatText {
		return fmt.Errorf("无效的日志格式: %s", logging.Format)
	}

	if logging.Output == "file" && logging.Filename == "" {
		return fmt.Errorf("文件输出需要指定日志文件路径")
	}

	return nil
}

// validateRateLimit 验证限流配置
func (v *Validator) validateRateLimit() error {
	rl := v.config.RateLimit
	if !rl.Enabled {
		return nil
	}

	if rl.RequestsPerMinute <= 0 {
		return fmt.Errorf("每分钟请求数必须大于0")
	}

	if rl.Burst <= 0 {
		return fmt.Errorf("突发请求数必须大于0")
	}

	return nil
}

// validateCache 验证缓存配置
func (v *Validator) validateCache() error {
	c := v.config.Cache

	if c.MaxItems <= 0 {
		return fmt.Errorf("内存缓存容量必须大于0")
	}

	if c.Enabled {
		if c.Addr == "" {
			return fmt.Errorf("Redis地址不能为空")
		}
		if c.DB < 0 || c.DB > 15 {
			return fmt.Errorf("无效的Redis数据库编号: %d", c.DB)
		}
	}

	return nil
}

// validateOptimizer 验证优化器配置
func (v *Validator) validateOptimizer() error {
	opt := v.config.Optimizer

	if opt.Workers < 0 {
		return fmt.Errorf("工作线程数不能为负数")
	}

	if opt.MaxTasks <= 0 {
		return fmt.Errorf("后台任务上限必须大于0")
	}

	if opt.KeepBacktests < 0 {
		return fmt.Errorf("保留回测结果数量不能为负数")
	}

	if opt.TaskTTL < 0 || opt.MaxFinishedTasks < 0 {
		return fmt.Errorf("任务保留策略不能为负数")
	}

	if err := validateMethod(opt.Method, opt.Objective); err != nil {
		return err
	}

	if err := opt.Random.Validate(); err != nil {
		return err
	}

	return opt.Genetic.Validate()
}

// validateWalkForward 验证滚动验证配置
func (v *Validator) validateWalkForward() error {
	wf := v.config.WalkForward

	if err := wf.WindowConfig.Validate(); err != nil {
		return err
	}

	if wf.Overfit.MinSamples < 0 {
		return fmt.Errorf("最小样本数不能为负数")
	}

	return nil
}

// validateSchedules 验证定时任务配置
func (v *Validator) validateSchedules() error {
	seen := make(map[string]bool, len(v.config.Schedules))
	for _, s := range v.config.Schedules {
		if s.Name == "" {
			return fmt.Errorf("任务名称不能为空")
		}
		if seen[s.Name] {
			return fmt.Errorf("重复的任务名称: %s", s.Name)
		}
		seen[s.Name] = true

		if _, err := CronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("任务 %s 的 cron 表达式无效: %w", s.Name, err)
		}
		if err := ValidateDataFile(s.File); err != nil {
			return fmt.Errorf("任务 %s: %w", s.Name, err)
		}
		if s.LastBars < 0 {
			return fmt.Errorf("任务 %s 的K线数量不能为负数", s.Name)
		}
		if err := s.Strategy.Validate(); err != nil {
			return fmt.Errorf("任务 %s: %w", s.Name, err)
		}
		if err := s.Space.Validate(); err != nil {
			return fmt.Errorf("任务 %s: %w", s.Name, err)
		}
		if err := validateMethod(s.Method, s.Objective); err != nil {
			return fmt.Errorf("任务 %s: %w", s.Name, err)
		}
		if s.Window != nil {
			if err := s.Window.Validate(); err != nil {
				return fmt.Errorf("任务 %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

// ValidateDataFile accepts only relative paths that stay inside the data
// directory
func ValidateDataFile(file string) error {
	if file == "" || filepath.IsAbs(file) || strings.Contains(file, "..") {
		return fmt.Errorf("数据文件必须是数据目录内的相对路径: %q", file)
	}
	return nil
}

// validateMethod accepts empty values, which fall back to the defaults
func validateMethod(method optimizer.Method, objective optimizer.Objective) error {
	if method != "" && !lo.Contains(optimizer.Methods(), method) {
		return fmt.Errorf("无效的搜索方法: %s", method)
	}
	return objective.Validate()
}
