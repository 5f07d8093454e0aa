package cache

import (
	"sync"
	"time"
)

// entry 缓存条目，记录写入时间用于 TTL 判定
type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache 带 TTL 的并发安全内存缓存。
// 过期判定在每次 Get 时执行，不依赖后台清理；
// Set 时顺带清除全部已过期条目，限制内存增长。
type Cache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry[V]
}

// New 创建缓存，ttl <= 0 时使用 5 分钟默认值
func New[V any](ttl time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
	}
}

// Get 读取缓存。不存在或已过期均返回 false；
// 过期条目即使尚未被清除也绝不返回给调用方。
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Since(e.storedAt) > c.ttl {
		// 惰性清除：升级为写锁后需重新校验
		c.mu.Lock()
		if cur, still := c.entries[key]; still && time.Since(cur.storedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set 写入缓存，并顺带清除所有已过期条目
func (c *Cache[V]) Set(key string, value V) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry[V]{value: value, storedAt: now}
}

// Clear 清空全部条目
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len 返回当前条目数（含尚未惰性清除的过期条目）
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL 返回缓存的过期时长
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}
