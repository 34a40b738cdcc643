package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nexus-inventory/internal/pkg/bootstrap"
	"nexus-inventory/internal/pkg/redis"
	"nexus-inventory/internal/pkg/zookeeper"
	"nexus-inventory/internal/service/inventory/infrastructure/adapter"
	"nexus-inventory/internal/service/inventory/port"
)

// OpenCleanupLease 按 reservation.lease 选择跨副本清理租约。
// redisClient 为 nil 表示没有配置 Redis; 返回的 lease 为 nil 时调度器只做进程内互斥。
func OpenCleanupLease(ctx context.Context, cfg *bootstrap.Config, redisClient *redis.Client) (port.CleanupLease, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Reservation.Lease {
	case bootstrap.LeaseNone:
		return nil, noop, nil

	case bootstrap.LeaseAuto, bootstrap.LeaseRedis:
		if redisClient == nil {
			if cfg.Reservation.Lease == bootstrap.LeaseRedis {
				return nil, nil, errors.New("redis cleanup lease requires a redis client")
			}
			return nil, noop, nil
		}
		lease, err := adapter.NewCleanupRedisLease(redisClient)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("✅ Using redis cleanup lease")
		return lease, noop, nil

	case bootstrap.LeaseZooKeeper:
		zkCfg := cfg.Infra.ZooKeeper
		dialCtx, cancel := context.WithTimeout(ctx, zkCfg.SessionTimeout)
		defer cancel()
		conn, err := zookeeper.Connect(dialCtx, zkCfg.ServerList(), zkCfg.SessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("lock_root", zkCfg.LockRoot).Msg("✅ Using zookeeper cleanup lease")
		return adapter.NewCleanupZkLease(conn, zkCfg.LockRoot), func(context.Context) error {
			conn.Close()
			return nil
		}, nil

	default:
		return nil, nil, errors.Errorf("unknown cleanup lease %q", cfg.Reservation.Lease)
	}
}
