package marketdata

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cache holds provider responses so that competitors, retries and repeated
// sessions on the same day do not spend API quota twice.
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewCache creates a cache bounded to maxCost entries.
func NewCache(maxCost int64, ttl time.Duration) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, ttl: ttl}, nil
}

// Get returns the cached value. A nil cache always misses.
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.c.Get(key)
}

// Set stores val with the configured TTL.
func (c *Cache) Set(key string, val any) {
	if c == nil {
		return
	}
	c.c.SetWithTTL(key, val, 1, c.ttl)
}

// Wait blocks until pending writes are visible to Get.
func (c *Cache) Wait() {
	if c != nil {
		c.c.Wait()
	}
}

// Del evicts key.
func (c *Cache) Del(key string) {
	if c != nil {
		c.c.Del(key)
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	if c != nil {
		c.c.Close()
	}
}
