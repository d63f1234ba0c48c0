package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"qsim/internal/logger"
)

// CacheManager layers a memory cache in front of a remote cache and keeps
// serving from memory while the remote is unhealthy.
type CacheManager struct {
	remote   Cache
	memory   *MemoryCache
	config   *FallbackConfig
	logger   logger.Logger
	mu       sync.RWMutex
	fallback bool
	failures int
	recovery int
	stopOnce sync.Once
	stopChan chan struct{}
}

// FallbackConfig defines fallback configuration
type FallbackConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryThreshold   int           `json:"recovery_threshold"`
	FallbackTimeout     time.Duration `json:"fallback_timeout"`
}

// CacheStats is a snapshot of the manager state
type CacheStats struct {
	InFallback bool              `json:"in_fallback"`
	Failures   int               `json:"failures"`
	Memory     *MemoryCacheStats `json:"memory"`
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DefaultFallbackConfig returns default fallback configuration
func DefaultFallbackConfig() *FallbackConfig {
	return &FallbackConfig{
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
		RecoveryThreshold:   2,
		FallbackTimeout:     5 * time.Second,
	}
}

// NewCacheManager creates a new cache manager with fallback support
func NewCacheManager(remote Cache, memory *MemoryCache, config *FallbackConfig) *CacheManager {
	if config == nil {
		config = DefaultFallbackConfig()
	}
	if memory == nil {
		memory = NewMemoryCache(0)
	}

	cm := &CacheManager{
		remote:   remote,
		memory:   memory,
		config:   config,
		logger:   logger.OrGlobal(nil).WithField("component", "cache"),
		stopChan: make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		go cm.startHealthMonitoring()
	}
	return cm
}

// Get retrieves a value, memory first
func (cm *CacheManager) Get(ctx context.Context, key string, dest interface{}) error {
	var raw []byte
	if err := cm.memory.Get(ctx, key, &raw); err == nil {
		return decode(raw, dest)
	}
	if cm.InFallback() {
		return ErrCacheMiss
	}

	err := cm.remote.Get(ctx, key, &raw)
	if errors.Is(err, ErrCacheMiss) {
		cm.recordSuccess()
		return err
	}
	if err != nil {
		cm.recordFailure("get", err)
		return ErrCacheMiss
	}
	cm.recordSuccess()
	cm.memory.Set(ctx, key, raw, 0)
	return decode(raw, dest)
}

// Set writes through to both layers; remote errors only count as failures
func (cm *CacheManager) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := cm.memory.Set(ctx, key, data, expiration); err != nil {
		return err
	}
	if cm.InFallback() {
		return nil
	}
	if err := cm.remote.Set(ctx, key, data, expiration); err != nil {
		cm.recordFailure("set", err)
		return nil
	}
	cm.recordSuccess()
	return nil
}

// Delete removes key from both layers
func (cm *CacheManager) Delete(ctx context.Context, key string) error {
	cm.memory.Delete(ctx, key)
	if cm.InFallback() {
		return nil
	}
	if err := cm.remote.Delete(ctx, key); err != nil {
		cm.recordFailure("delete", err)
	}
	return nil
}

// Exists checks either layer
func (cm *CacheManager) Exists(ctx context.Context, key string) (bool, error) {
	if ok, _ := cm.memory.Exists(ctx, key); ok || cm.InFallback() {
		return ok, nil
	}
	ok, err := cm.remote.Exists(ctx, key)
	if err != nil {
		cm.recordFailure("exists", err)
		return false, nil
	}
	return ok, nil
}

// InFallback reports whether the remote layer is bypassed
func (cm *CacheManager) InFallback() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.fallback
}

// GetStats returns the manager state
func (cm *CacheManager) GetStats() *CacheStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return &CacheStats{
		InFallback: cm.fallback,
		Failures:   cm.failures,
		Memory:     cm.memory.GetStats(),
	}
}

func (cm *CacheManager) recordFailure(op string, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.failures++
	cm.recovery = 0
	if !cm.fallback && cm.failures >= cm.config.FailureThreshold {
		cm.fallback = true
		cm.logger.Warn("cache fallback enabled", "operation", op, "error", err, "failures", cm.failures)
	}
}

func (cm *CacheManager) recordSuccess() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.fallback {
		cm.failures = 0
		return
	}
	cm.recovery++
	if cm.recovery >= cm.config.RecoveryThreshold {
		cm.fallback = false
		cm.failures = 0
		cm.recovery = 0
		cm.logger.Info("cache fallback disabled")
	}
}

func (cm *CacheManager) startHealthMonitoring() {
	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.performHealthCheck()
		case <-cm.stopChan:
			return
		}
	}
}

// performHealthCheck probes the remote layer
func (cm *CacheManager) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), cm.config.FallbackTimeout)
	defer cancel()

	var err error
	if hc, ok := cm.remote.(healthChecker); ok {
		err = hc.HealthCheck(ctx)
	} else {
		_, err = cm.remote.Exists(ctx, "health_check")
	}
	if err != nil {
		cm.recordFailure("health_check", err)
		return
	}
	cm.recordSuccess()
}

// Close stops health monitoring and closes both layers
func (cm *CacheManager) Close() error {
	cm.stopOnce.Do(func() { close(cm.stopChan) })
	cm.memory.Close()
	return cm.remote.Close()
}
