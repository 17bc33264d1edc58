package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU map from string keys to string values with an optional TTL.
type LRUCache struct {
	mu        sync.Mutex
	items     map[string]*cacheItem
	evictList *list.List
	config    CacheConfig
	now       func() time.Time

	stats Stats
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// Stats are the cache counters.
type Stats struct {
	Entries   int     `json:"entries"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type cacheItem struct {
	key     string
	value   string
	stored  time.Time
	element *list.Element
}

// DefaultConfig returns the configuration used for a nil config.
func DefaultConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 10000,
		TTL:        10 * time.Minute,
	}
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(config *CacheConfig) *LRUCache {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	return &LRUCache{
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    cfg,
		now:       time.Now,
	}
}

// Get returns the value stored under key.
func (c *LRUCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		c.updateHitRate()
		return "", false
	}
	if c.isExpired(item) {
		c.removeItem(item)
		c.stats.Misses++
		c.updateHitRate()
		return "", false
	}

	c.evictList.MoveToFront(item.element)
	c.stats.Hits++
	c.updateHitRate()
	return item.value, true
}

// Put stores value under key, evicting the least recently used entry when full.
func (c *LRUCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		item.value = value
		item.stored = c.now()
		c.evictList.MoveToFront(item.element)
		return
	}

	item := &cacheItem{key: key, value: value, stored: c.now()}
	item.element = c.evictList.PushFront(item)
	c.items[key] = item

	for len(c.items) > c.config.MaxEntries {
		c.evictOldest()
	}
}

// Delete removes key.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// DeleteValue removes every entry holding value.
func (c *LRUCache) DeleteValue(value string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, item := range c.items {
		if item.value == value {
			c.removeItem(item)
			removed++
		}
	}
	return removed
}

// Sweep drops expired entries and returns how many were removed.
func (c *LRUCache) Sweep() int {
	if c.config.TTL == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	// Oldest entries sit at the back.
	for e := c.evictList.Back(); e != nil; {
		prev := e.Prev()
		item := e.Value.(*cacheItem)
		if c.isExpired(item) {
			c.removeItem(item)
			removed++
		}
		e = prev
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Entries = len(c.items)
	return stats
}

// Clear clears all items from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Evictions += uint64(len(c.items))
	c.items = make(map[string]*cacheItem)
	c.evictList.Init()
}

// Helper methods

func (c *LRUCache) isExpired(item *cacheItem) bool {
	if c.config.TTL == 0 {
		return false
	}
	return c.now().Sub(item.stored) > c.config.TTL
}

func (c *LRUCache) removeItem(item *cacheItem) {
	c.evictList.Remove(item.element)
	delete(c.items, item.key)
	c.stats.Evictions++
}

func (c *LRUCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(*cacheItem))
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
