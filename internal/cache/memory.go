package cache

import (
	"context"
	"path"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process TTL cache for single-instance deployments
// and tests. Expired entries are swept every 5 minutes.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache creates a MemoryCache with the given default TTL.
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &MemoryCache{items: gocache.New(defaultTTL, 5*time.Minute)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	c.items.Set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

// DeletePattern glob-matches against the stored keys.
func (c *MemoryCache) DeletePattern(_ context.Context, pattern string) (int64, error) {
	var cleared int64
	for key := range c.items.Items() {
		ok, err := path.Match(KeyPrefix+pattern, key)
		if err != nil {
			return cleared, err
		}
		if ok {
			c.items.Delete(key)
			cleared++
		}
	}
	return cleared, nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}
