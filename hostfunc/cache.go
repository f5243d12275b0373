package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a key/value store with per-entry expiry. Single-key operations
// are atomic.
type Cache interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	// Expire rewrites the TTL of an existing key, keeping its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const DefaultSweepInterval = time.Minute

type cacheItem struct {
	value   any
	expires time.Time // zero never expires
}

func (i cacheItem) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// MemoryCache is the in-process Cache. Expired entries are removed lazily
// on access and periodically by a sweeper.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache; sweep <= 0 disables the background sweeper.
func NewMemoryCache(sweep time.Duration) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]cacheItem),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if sweep > 0 {
		go c.sweeper(sweep)
	}
	return c
}

func (c *MemoryCache) sweeper(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Sweep removes every expired entry.
func (c *MemoryCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) lookup(key string) (cacheItem, bool) {
	it, ok := c.items[key]
	if !ok {
		return it, false
	}
	if it.expired(c.now()) {
		delete(c.items, key)
		return it, false
	}
	return it, true
}

func (c *MemoryCache) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	it, ok := c.lookup(key)
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return cloneValue(it.value), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	it := cacheItem{value: cloneValue(value)}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Has(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	_, ok := c.lookup(key)
	c.mu.Unlock()
	return ok, nil
}

func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.lookup(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(c.items, key)
		return nil
	}
	it.expires = c.now().Add(ttl)
	c.items[key] = it
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// cloneValue copies the containers scripts hand over so that no two
// invocations share a mutable map or slice.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	case []byte:
		return append([]byte(nil), t...)
	case Buffer:
		return append(Buffer(nil), t...)
	}
	return v
}

// RedisCache stores JSON-encoded values in Redis, shared by every host
// pointing at the same server.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix + "cache:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (any, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.client.Set(ctx, c.prefix+key, b, ttl).Err()
}

func (c *RedisCache) Has(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	return n > 0, err
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	return c.client.PExpire(ctx, c.prefix+key, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// CacheClient is the script-facing cache capability. Timeouts are in
// milliseconds; a null value or a non-positive timeout deletes the key.
type CacheClient struct {
	inv   *Invocation
	cache Cache
}

func (c *CacheClient) Set(key any, value any, timeout int64) error {
	k, err := cacheKey(key)
	if err != nil {
		return err
	}
	if value == nil || timeout <= 0 {
		return c.cache.Delete(c.inv.Context(), k)
	}
	return c.cache.Set(c.inv.Context(), k, value, millis(timeout))
}

func (c *CacheClient) Get(key any) (any, error) {
	k, err := cacheKey(key)
	if err != nil {
		return nil, err
	}
	v, _, err := c.cache.Get(c.inv.Context(), k)
	return v, err
}

func (c *CacheClient) Has(key any) (bool, error) {
	k, err := cacheKey(key)
	if err != nil {
		return false, err
	}
	return c.cache.Has(c.inv.Context(), k)
}

func (c *CacheClient) Expire(key any, timeout int64) error {
	k, err := cacheKey(key)
	if err != nil {
		return err
	}
	return c.cache.Expire(c.inv.Context(), k, millis(timeout))
}

func (c *CacheClient) Delete(key any) error {
	k, err := cacheKey(key)
	if err != nil {
		return err
	}
	return c.cache.Delete(c.inv.Context(), k)
}

func cacheKey(key any) (string, error) {
	switch k := key.(type) {
	case nil:
		return "", invalidArgs("cache", "key required")
	case string:
		return k, nil
	}
	b, err := json.Marshal(key)
	if err != nil {
		return "", invalidArgs("cache", "key not serializable: %v", err)
	}
	return string(b), nil
}

// maxMillis is the largest millisecond count a time.Duration holds.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// millis converts script milliseconds, saturating instead of overflowing.
func millis(ms int64) time.Duration {
	if ms > maxMillis {
		ms = maxMillis
	}
	return time.Duration(ms) * time.Millisecond
}
