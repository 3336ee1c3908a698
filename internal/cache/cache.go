package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// CachedResponse represents a cached API response body
type CachedResponse struct {
	Body      []byte
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the request method, path and body
func GenerateCacheKey(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cache memoizes response bodies for a fixed time-to-live
type Cache struct {
	ttl     time.Duration
	entries sync.Map
	now     func() time.Time
}

// New creates a cache; ttl <= 0 keeps entries for the life of the process
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now}
}

// Load returns a cached body if present and fresh
func (c *Cache) Load(key string) ([]byte, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	cached := val.(CachedResponse)
	if c.ttl > 0 && c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return nil, false
	}
	return cached.Body, true
}

// Store caches body under key
func (c *Cache) Store(key string, body []byte) {
	c.entries.Store(key, CachedResponse{
		Body:      append([]byte(nil), body...),
		Timestamp: c.now(),
	})
}
