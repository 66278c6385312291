package provider

import (
	"container/list"
	"sync"
	"time"

	"ctiengine/internal/metrics"
	"ctiengine/internal/threat"
)

// Cache is an LRU cache with TTL for successful provider results.
type Cache struct {
	maxSize int
	ttl     time.Duration
	items   map[string]*cacheItem
	lruList *list.List
	now     func() time.Time
	mu      sync.Mutex
}

type cacheItem struct {
	key       string
	value     threat.ProviderResult
	element   *list.Element
	expiresAt time.Time
}

func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*cacheItem),
		lruList: list.New(),
		now:     time.Now,
	}
}

func (c *Cache) Get(key string) (threat.ProviderResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return threat.ProviderResult{}, false
	}
	if c.now().After(item.expiresAt) {
		c.removeItem(item)
		return threat.ProviderResult{}, false
	}
	c.lruList.MoveToFront(item.element)
	return item.value, true
}

func (c *Cache) Set(key string, value threat.ProviderResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.items[key]; exists {
		existing.value = value
		existing.expiresAt = c.now().Add(c.ttl)
		c.lruList.MoveToFront(existing.element)
		return
	}

	item := &cacheItem{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	item.element = c.lruList.PushFront(item)
	c.items[key] = item

	if len(c.items) > c.maxSize {
		c.evictLRU()
	}
}

func (c *Cache) evictLRU() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.removeItem(oldest.Value.(*cacheItem))
	metrics.CacheEvictions.WithLabelValues("provider").Inc()
}

func (c *Cache) removeItem(item *cacheItem) {
	delete(c.items, item.key)
	c.lruList.Remove(item.element)
}

func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheItem)
	c.lruList.Init()
}
