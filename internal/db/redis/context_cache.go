package redisdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	applog "ragchat/internal/platform/log"
)

// ContextCache 检索上下文的 Redis 缓存，多实例部署时共享命中。
// 实现 rag.ContextCacheStore。
type ContextCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewContextCache 创建上下文缓存，ttl 非正时取 5 分钟
func NewContextCache(rdb *redis.Client, ttl time.Duration) *ContextCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ContextCache{
		client: rdb,
		ttl:    ttl,
		prefix: "rag:ctx:",
	}
}

// Get 读取缓存的上下文。Redis 故障按未命中处理，调用方重新检索。
func (c *ContextCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			applog.Warn("[RAG/Cache] Redis get failed", "error", err)
		}
		return "", false
	}
	applog.Debug("[RAG/Cache] Hit", "key", key)
	return val, true
}

// Set 写入上下文，写失败只告警不阻断检索
func (c *ContextCache) Set(ctx context.Context, key string, contextText string) {
	if err := c.client.Set(ctx, c.prefix+key, contextText, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Redis set failed", "key", key, "error", err)
	}
}

// Clear 清除全部上下文缓存（模式匹配删除）
func (c *ContextCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/Cache] Redis scan failed", "error", err)
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
		applog.Info("[RAG/Cache] Context cache cleared", "keys_deleted", len(keys))
	}
}
