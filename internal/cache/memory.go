package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache implements an in-memory cache with TTL support and LRU eviction
type MemoryCache struct {
	items    map[string]*memoryItem
	mu       sync.Mutex
	maxSize  int
	stopChan chan struct{}
	stopped  bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// memoryItem represents an item in memory cache
type memoryItem struct {
	value      []byte
	expiration time.Time
	accessed   time.Time
}

// MemoryCacheStats represents memory cache statistics
type MemoryCacheStats struct {
	ItemCount     int   `json:"item_count"`
	MaxSize       int   `json:"max_size"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}
	go mc.cleanupLoop()
	return mc
}

// Get decodes the value stored under key into dest
func (mc *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	item, exists := mc.items[key]
	if exists && time.Now().After(item.expiration) {
		delete(mc.items, key)
		exists = false
	}
	if !exists {
		mc.mu.Unlock()
		mc.misses.Add(1)
		return ErrCacheMiss
	}
	item.accessed = time.Now()
	data := item.value
	mc.mu.Unlock()

	mc.hits.Add(1)
	return decode(data, dest)
}

// Set stores a value in memory cache. A non-positive expiration keeps the
// value for 24 hours.
func (mc *MemoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	now := time.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLRU()
	}
	mc.items[key] = &memoryItem{
		value:      data,
		expiration: now.Add(expiration),
		accessed:   now,
	}
	return nil
}

// Delete removes a value from memory cache
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	return nil
}

// Exists checks if a non-expired key exists
func (mc *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, exists := mc.items[key]
	return exists && time.Now().Before(item.expiration), nil
}

// GetStats returns memory cache statistics
func (mc *MemoryCache) GetStats() *MemoryCacheStats {
	mc.mu.Lock()
	count := len(mc.items)
	mc.mu.Unlock()

	return &MemoryCacheStats{
		ItemCount:     count,
		MaxSize:       mc.maxSize,
		HitCount:      mc.hits.Load(),
		MissCount:     mc.misses.Load(),
		EvictionCount: mc.evictions.Load(),
	}
}

// Size returns the current number of items in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return len(mc.items)
}

// evictLRU evicts the least recently used item; caller holds mu
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, item := range mc.items {
		if first || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
			first = false
		}
	}
	if !first {
		delete(mc.items, oldestKey)
		mc.evictions.Add(1)
	}
}

// cleanupLoop runs periodic cleanup of expired items
func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

// cleanup removes expired items
func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.stopped {
		close(mc.stopChan)
		mc.stopped = true
	}
	return nil
}
