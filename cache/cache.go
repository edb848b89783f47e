package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/use-agent/scrape/models"
)

// entry holds a cached response with its creation timestamp.
type entry struct {
	response  models.ScrapeResponse
	createdAt time.Time
}

// Cache is a simple in-memory cache for single-URL scrape responses.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a new Cache with the given maximum number of entries.
// A background goroutine evicts entries older than ttl every ttl/12
// until Close is called.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	go c.cleanupLoop(ttl / 12)
	return c
}

// Key generates a cache key from the URL, output format, and proxy.
func Key(url, format, proxy string) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte("|"))
	h.Write([]byte(format))
	h.Write([]byte("|"))
	h.Write([]byte(proxy))
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached response if it exists and is younger than maxAge.
// maxAge is in milliseconds. If maxAge <= 0, no cache lookup is performed.
// Returns a copy of the response and whether it was a cache hit.
func (c *Cache) Get(key string, maxAgeMs int) (*models.ScrapeResponse, bool) {
	if maxAgeMs <= 0 {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	maxAge := time.Duration(maxAgeMs) * time.Millisecond
	if c.now().Sub(e.createdAt) > maxAge {
		return nil, false
	}

	resp := e.response
	return &resp, true
}

// Set stores a copy of resp in the cache. If the cache is at capacity,
// the oldest entry is evicted to make room.
func (c *Cache) Set(key string, resp *models.ScrapeResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		c.evictOldestLocked()
	}

	c.store[key] = &entry{
		response:  *resp,
		createdAt: c.now(),
	}
}

func (c *Cache) evictOldestLocked() {
	var oldest string
	var at time.Time
	for k, e := range c.store {
		if at.IsZero() || e.createdAt.Before(at) {
			oldest, at = k, e.createdAt
		}
	}
	delete(c.store, oldest)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) cleanupLoop(every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
	c.mu.Unlock()
}
