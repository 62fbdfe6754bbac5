// Package ristretto implements the cache port using dgraph-io/ristretto as
// the in-process cache for tenant defaults.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/licenser/internal/config"
)

// Cache wraps a ristretto cache.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a ristretto-backed cache bounded by cfg.MaxSizeMB.
func New(cfg config.Cache) (*Cache, error) {
	maxCost := int64(cfg.MaxSizeMB) << 20
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / 100 * 10, // ~10x expected items
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// ErrDropped reports a Set the cache refused under contention.
var ErrDropped = errors.New("ristretto: set dropped")

// Set stores a value with the given TTL and waits until it is visible to
// Get. The admission policy may still reject or later evict the entry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return ErrDropped
	}
	c.c.Wait()
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
