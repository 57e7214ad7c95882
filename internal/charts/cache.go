package charts

import (
	"sync"
	"time"
)

type cacheEntry struct {
	createdAt time.Time
	image     []byte
}

// imageCache is a TTL cache of rendered PNGs; rendering the same request
// twice within the window reuses the bytes.
type imageCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func newImageCache(ttl time.Duration) *imageCache {
	return &imageCache{entries: map[string]cacheEntry{}, ttl: ttl}
}

func (c *imageCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.createdAt.Add(c.ttl)) {
		return nil, false
	}
	img := make([]byte, len(entry.image))
	copy(img, entry.image)
	return img, true
}

func (c *imageCache) set(key string, img []byte) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{createdAt: time.Now(), image: img}
	c.mu.Unlock()
}
