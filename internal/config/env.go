package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"qsim/internal/logger"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "QSIM_"

// EnvManager manages environment variable configuration
type EnvManager struct {
	prefix string
}

// NewEnvManager creates a new environment variable manager
func NewEnvManager(prefix string) *EnvManager {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvManager{prefix: prefix}
}

// Key returns the full variable name for key
func (em *EnvManager) Key(key string) string {
	return em.prefix + strings.ToUpper(key)
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.Key(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetFloat gets a float environment variable
func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

// Apply overlays the environment onto config
func (em *EnvManager) Apply(config *Config) {
	config.App.Environment = em.GetString("ENV", config.App.Environment)

	config.Server.Host = em.GetString("SERVER_HOST", config.Server.Host)
	config.Server.Port = em.GetInt("SERVER_PORT", config.Server.Port)

	config.Logging.Level = logger.LogLevel(em.GetString("LOG_LEVEL", string(config.Logging.Level)))
	config.Logging.Format = logger.LogFormat(em.GetString("LOG_FORMAT", string(config.Logging.Format)))
	config.Logging.Output = em.GetString("LOG_OUTPUT", config.Logging.Output)
	config.Logging.Filename = em.GetString("LOG_FILE", config.Logging.Filename)

	config.RateLimit.Enabled = em.GetBool("RATE_LIMIT_ENABLED", config.RateLimit.Enabled)
	config.RateLimit.RequestsPerMinute = em.GetInt("RATE_LIMIT_RPM", config.RateLimit.RequestsPerMinute)

	config.Cache.Enabled = em.GetBool("REDIS_ENABLED", config.Cache.Enabled)
	config.Cache.Addr = em.GetString("REDIS_ADDR", config.Cache.Addr)
	config.Cache.Password = em.GetString("REDIS_PASSWORD", config.Cache.Password)
	config.Cache.DB = em.GetInt("REDIS_DB", config.Cache.DB)
	config.Cache.TTL = em.GetDuration("CACHE_TTL", config.Cache.TTL)

	config.Data.Dir = em.GetString("DATA_DIR", config.Data.Dir)

	config.Backtest.InitialCapital = em.GetFloat("INITIAL_CAPITAL", config.Backtest.InitialCapital)
	config.Backtest.CommissionRate = em.GetFloat("COMMISSION_RATE", config.Backtest.CommissionRate)
	config.Backtest.SlippageRate = em.GetFloat("SLIPPAGE_RATE", config.Backtest.SlippageRate)

	config.Optimizer.Workers = em.GetInt("OPTIMIZER_WORKERS", config.Optimizer.Workers)

	config.Alerting.Enabled = em.GetBool("ALERTING_ENABLED", config.Alerting.Enabled)
	config.Alerting.Slack.WebhookURL = em.GetString("SLACK_WEBHOOK_URL", config.Alerting.Slack.WebhookURL)
	config.Alerting.DingTalk.WebhookURL = em.GetString("DINGTALK_WEBHOOK_URL", config.Alerting.DingTalk.WebhookURL)
	config.Alerting.DingTalk.Secret = em.GetString("DINGTALK_SECRET", config.Alerting.DingTalk.Secret)
}

// Template returns every variable Apply reads, set to the values of config.
// Secrets are left empty.
func (em *EnvManager) Template(config *Config) map[string]string {
	vars := map[string]string{
		"ENV":                  config.App.Environment,
		"SERVER_HOST":          config.Server.Host,
		"SERVER_PORT":          strconv.Itoa(config.Server.Port),
		"LOG_LEVEL":            string(config.Logging.Level),
		"LOG_FORMAT":           string(config.Logging.Format),
		"LOG_OUTPUT":           config.Logging.Output,
		"LOG_FILE":             config.Logging.Filename,
		"RATE_LIMIT_ENABLED":   strconv.FormatBool(config.RateLimit.Enabled),
		"RATE_LIMIT_RPM":       strconv.Itoa(config.RateLimit.RequestsPerMinute),
		"REDIS_ENABLED":        strconv.FormatBool(config.Cache.Enabled),
		"REDIS_ADDR":           config.Cache.Addr,
		"REDIS_PASSWORD":       "",
		"REDIS_DB":             strconv.Itoa(config.Cache.DB),
		"CACHE_TTL":            config.Cache.TTL.String(),
		"DATA_DIR":             config.Data.Dir,
		"INITIAL_CAPITAL":      strconv.FormatFloat(config.Backtest.InitialCapital, 'g', -1, 64),
		"COMMISSION_RATE":      strconv.FormatFloat(config.Backtest.CommissionRate, 'g', -1, 64),
		"SLIPPAGE_RATE":        strconv.FormatFloat(config.Backtest.SlippageRate, 'g', -1, 64),
		"OPTIMIZER_WORKERS":    strconv.Itoa(config.Optimizer.Workers),
		"ALERTING_ENABLED":     strconv.FormatBool(config.Alerting.Enabled),
		"SLACK_WEBHOOK_URL":    "",
		"DINGTALK_WEBHOOK_URL": "",
		"DINGTALK_SECRET":      "",
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[em.Key(k)] = v
	}
	return out
}

// WriteTemplate writes the template of config as a .env file
func (em *EnvManager) WriteTemplate(config *Config, filename string) error {
	return godotenv.Write(em.Template(config), filename)
}

// LoadFromFile loads variables from a .env file without overriding
// variables that are already set
func (em *EnvManager) LoadFromFile(filename string) error {
	if err := godotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", filename, err)
	}
	return nil
}

// ExportToFile writes the prefixed variables of the current environment
func (em *EnvManager) ExportToFile(filename string) error {
	vars := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(key, em.prefix) {
			vars[key] = value
		}
	}
	return godotenv.Write(vars, filename)
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string

	for _, key := range required {
		if os.Getenv(em.Key(key)) == "" {
			missing = append(missing, em.Key(key))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	return nil
}
