package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON encoded values with a TTL
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Config represents cache configuration
type Config struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"` // 启用Redis
	Addr        string        `yaml:"addr" json:"addr"`
	Password    string        `yaml:"password" json:"-"`
	DB          int           `yaml:"db" json:"db"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix" json:"key_prefix"`
	MaxItems    int           `yaml:"max_items" json:"max_items"` // 内存层容量
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		KeyPrefix:   "qsim:",
		MaxItems:    10000,
		TTL:         24 * time.Hour,
	}
}

// New creates a memory cache, layered over Redis when cfg.Enabled
func New(cfg Config) (Cache, error) {
	memory := NewMemoryCache(cfg.MaxItems)
	if !cfg.Enabled {
		return memory, nil
	}
	redis, err := NewRedisCache(&cfg)
	if err != nil {
		memory.Close()
		return nil, err
	}
	return NewCacheManager(redis, memory, nil), nil
}

func encode(value interface{}) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	return json.Marshal(value)
}

func decode(data []byte, dest interface{}) error {
	if b, ok := dest.(*[]byte); ok {
		*b = append((*b)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, dest)
}
