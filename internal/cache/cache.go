// Package cache publishes hot read-side state: the in-flight partial bar
// and the latest delta snapshot. Redis when REDIS_ADDR is set, in-process
// memory otherwise.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sawpanic/bottomrun/internal/models"
)

// Cache is a byte store with per-key TTL.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

// New returns an in-process cache.
func New() Cache { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

type redisCache struct{ r *redis.Client }

// NewAuto returns a Redis-backed cache when REDIS_ADDR is set, falling
// back to process memory.
func NewAuto() Cache {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New()
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}

func partialKey(symbol, interval string) string {
	return fmt.Sprintf("bottomrun:partial:%s:%s", symbol, interval)
}

// PublishPartial stores the in-flight partial bar. The TTL covers one
// interval so stale partials expire on their own.
func PublishPartial(c Cache, bar models.Bar) {
	b, err := json.Marshal(bar)
	if err != nil {
		return
	}
	c.Set(partialKey(bar.Symbol, bar.Interval), b, 2*models.IntervalDuration(bar.Interval))
}

// ReadPartial returns the published partial bar, if any.
func ReadPartial(c Cache, symbol, interval string) (*models.Bar, bool) {
	b, ok := c.Get(partialKey(symbol, interval))
	if !ok {
		return nil, false
	}
	var bar models.Bar
	if err := json.Unmarshal(b, &bar); err != nil {
		return nil, false
	}
	return &bar, true
}
