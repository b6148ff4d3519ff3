package offthread

import "sync"

// DefaultCacheCap 是结果缓存的默认容量。
const DefaultCacheCap = 200

// Cache 是按插入序淘汰的有界结果缓存。注意淘汰严格按插入顺序，
// 命中不会刷新条目位置。
type Cache struct {
	mu      sync.Mutex
	cap     int
	entries map[string]string
	order   []string
}

// NewCache 创建缓存；cap<=0 时取 DefaultCacheCap。
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCap
	}
	return &Cache{cap: capacity, entries: map[string]string{}}
}

// Get 查询缓存。
func (c *Cache) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put 插入或覆盖条目；超容时淘汰最旧的插入。幂等。
func (c *Cache) Put(key, value string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = value
	for len(c.entries) > c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Clear 清空缓存。
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]string{}
	c.order = nil
}

// Len 返回当前条目数。
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
