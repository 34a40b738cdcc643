package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"nexus-inventory/internal/pkg/redis"
	"nexus-inventory/internal/service/inventory/port"
)

const (
	cleanupLeaseKey        = "inventory:reaper:lease"
	releaseLeaseScriptName = "release_cleanup_lease"
	renewLeaseScriptName   = "renew_cleanup_lease"
)

// CleanupRedisLease 是 port.CleanupLease 的 Redis 实现 (SET NX PX + Lua 比较删除/续期)。
// 多个副本同时运行调度器时, 同一时刻只有持有租约的副本执行清理。
type CleanupRedisLease struct {
	redisClient *redis.Client
	key         string
}

var _ port.CleanupLease = (*CleanupRedisLease)(nil)

// NewCleanupRedisLease 创建时预加载释放和续期脚本
func NewCleanupRedisLease(redisClient *redis.Client) (*CleanupRedisLease, error) {
	if err := redisClient.LoadScriptFromContent(releaseLeaseScriptName, releaseLeaseScript); err != nil {
		return nil, errors.Wrap(err, "failed to load cleanup lease script")
	}
	if err := redisClient.LoadScriptFromContent(renewLeaseScriptName, renewLeaseScript); err != nil {
		return nil, errors.Wrap(err, "failed to load cleanup lease renew script")
	}
	return &CleanupRedisLease{redisClient: redisClient, key: cleanupLeaseKey}, nil
}

func (l *CleanupRedisLease) TryAcquire(ctx context.Context, ttl time.Duration) (port.Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.redisClient.GetClient().SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire cleanup lease")
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{owner: l, token: token}, true, nil
}

type redisLease struct {
	owner *CleanupRedisLease
	token string
}

func (r *redisLease) Renew(ctx context.Context, ttl time.Duration) error {
	result, err := r.owner.redisClient.RunScript(ctx, renewLeaseScriptName, []string{r.owner.key}, r.token, ttl.Milliseconds())
	if err != nil {
		return errors.Wrap(err, "renew cleanup lease")
	}
	if n, _ := result.(int64); n == 0 {
		return port.ErrLeaseLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	result, err := r.owner.redisClient.RunScript(ctx, releaseLeaseScriptName, []string{r.owner.key}, r.token)
	if err != nil {
		return errors.Wrap(err, "release cleanup lease")
	}
	if n, _ := result.(int64); n == 0 {
		return errors.Wrap(port.ErrLeaseLost, "cleanup lease expired before release")
	}
	return nil
}

// KEYS[1]: 租约 key
// ARGV[1]: 获取租约时写入的 token, 只删除自己持有的租约
var releaseLeaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// KEYS[1]: 租约 key
// ARGV[1]: token
// ARGV[2]: 新的过期时间 (毫秒)
var renewLeaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`
