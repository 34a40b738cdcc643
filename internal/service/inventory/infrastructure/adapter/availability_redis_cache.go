package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"nexus-inventory/internal/pkg/redis"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/port"
)

const DefaultAvailabilityTTL = 5 * time.Second

// AvailabilityRedisCache 是 port.AvailabilityCache 的 Redis 实现。
// 缓存值只用于展示, 过期时间很短, 提交后的失效保证大部分读取不落后于数据库。
type AvailabilityRedisCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

var _ port.AvailabilityCache = (*AvailabilityRedisCache)(nil)

func NewAvailabilityRedisCache(redisClient *redis.Client, ttl time.Duration) *AvailabilityRedisCache {
	if ttl <= 0 {
		ttl = DefaultAvailabilityTTL
	}
	return &AvailabilityRedisCache{redisClient: redisClient, ttl: ttl}
}

func availabilityKey(key domain.StockKey) string {
	return fmt.Sprintf("inventory:available:{%s}", key)
}

func (c *AvailabilityRedisCache) Get(ctx context.Context, key domain.StockKey) (int, bool, error) {
	n, err := c.redisClient.GetClient().Get(ctx, availabilityKey(key)).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "availability cache get %s", key)
	}
	return n, true, nil
}

func (c *AvailabilityRedisCache) Set(ctx context.Context, key domain.StockKey, available int) error {
	err := c.redisClient.GetClient().Set(ctx, availabilityKey(key), available, c.ttl).Err()
	return errors.Wrapf(err, "availability cache set %s", key)
}

// Invalidate 每个 key 单独 DEL, 集群模式下 key 可能落在不同 slot
func (c *AvailabilityRedisCache) Invalidate(ctx context.Context, keys ...domain.StockKey) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := c.redisClient.GetClient().Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, availabilityKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "availability cache invalidate")
	}
	return nil
}
