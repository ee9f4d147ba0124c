// Package cache provides a Redis-backed cache with an in-memory fallback.
//
// Enrichment results and project listings are the two cached surfaces.
// When REDIS_URL is unset (the common local setup) the memory store
// serves everything with the same interface.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCacheMiss is returned when a key is not found.
var ErrCacheMiss = errors.New("cache miss")

// RedisClient abstracts the Redis operations the cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats counts cache traffic.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// Cache is the engine cache. With a Redis client it reads and writes
// through Redis; otherwise entries live in the in-memory map, which is
// also the fallback when Redis errors mid-flight.
type Cache struct {
	redis RedisClient

	mu  sync.RWMutex
	mem map[string]memEntry

	statsMu sync.Mutex
	stats   Stats

	onHit  func()
	onMiss func()

	stopCleanup chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis attaches a Redis client.
func WithRedis(client RedisClient) Option {
	return func(c *Cache) { c.redis = client }
}

// WithCounters registers hit/miss callbacks (metrics hooks).
func WithCounters(onHit, onMiss func()) Option {
	return func(c *Cache) {
		c.onHit = onHit
		c.onMiss = onMiss
	}
}

// New creates a cache and starts the memory-expiry sweeper.
func New(opts ...Option) *Cache {
	c := &Cache{
		mem:         make(map[string]memEntry),
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanupLoop()
	return c
}

// Get returns the raw value for key or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, key)
		if err == nil {
			c.recordHit()
			return val, nil
		}
	}

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		c.recordMiss()
		return "", ErrCacheMiss
	}
	c.recordHit()
	return entry.value, nil
}

// Set stores value under key for ttl.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.statsMu.Lock()
	c.stats.Sets++
	c.statsMu.Unlock()

	if c.redis != nil {
		if err := c.redis.Set(ctx, key, value, ttl); err == nil {
			return nil
		}
	}

	c.mu.Lock()
	c.mem[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes a key from both stores.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.redis != nil {
		_ = c.redis.Del(ctx, key)
	}
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if c.redis != nil {
		if keys, err := c.redis.Keys(ctx, prefix+"*"); err == nil && len(keys) > 0 {
			_ = c.redis.Del(ctx, keys...)
		}
	}
	c.mu.Lock()
	for k := range c.mem {
		if strings.HasPrefix(k, prefix) {
			delete(c.mem, k)
		}
	}
	c.mu.Unlock()
	return nil
}

// GetJSON unmarshals the cached value into dest.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// SetJSON marshals value and stores it.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling cache value: %w", err)
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// GetOrSetJSON returns the cached value, computing and storing it on a miss.
func (c *Cache) GetOrSetJSON(ctx context.Context, key string, dest interface{}, ttl time.Duration, compute func() (interface{}, error)) error {
	if err := c.GetJSON(ctx, key, dest); err == nil {
		return nil
	}
	value, err := compute()
	if err != nil {
		return err
	}
	if err := c.SetJSON(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.GetJSON(ctx, key, dest)
}

// Stats returns a snapshot of traffic counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close stops the sweeper and closes the Redis client if present.
func (c *Cache) Close() error {
	close(c.stopCleanup)
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
	if c.onHit != nil {
		c.onHit()
	}
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
	if c.onMiss != nil {
		c.onMiss()
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.mem {
				if now.After(e.expiresAt) {
					delete(c.mem, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Key builders.

// SpecKey keys an enrichment result by idea and model.
func SpecKey(idea, model string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + idea))
	return "spec:" + hex.EncodeToString(sum[:16])
}

// ProjectListKey keys the project listing.
func ProjectListKey() string {
	return "projects:list"
}
