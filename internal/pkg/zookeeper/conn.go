// internal/pkg/zookeeper/conn.go
package zookeeper

import (
	"context"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"nexus-inventory/internal/pkg/logger"
)

// Conn 是分布式锁用到的 ZooKeeper 操作, *zk.Conn 直接满足
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

var _ Conn = (*zk.Conn)(nil)

// Connect 建立会话并等待会话可用, ctx 结束时放弃连接
func Connect(ctx context.Context, servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	if len(servers) == 0 {
		return nil, errors.New("zookeeper: no server configured")
	}
	l := logger.Ctx(ctx).With().Str("component", "zookeeper").Logger()
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{l: l}))
	if err != nil {
		return nil, errors.Wrap(err, "zookeeper: connect")
	}

	ready := make(chan struct{})
	go func() {
		signaled := false
		// 连接关闭后 events 会被关闭
		for ev := range events {
			l.Debug().Str("state", ev.State.String()).Msg("ZooKeeper session event")
			if ev.State == zk.StateExpired {
				l.Warn().Msg("ZooKeeper session expired, held locks are gone")
			}
			if ev.State == zk.StateHasSession && !signaled {
				signaled = true
				close(ready)
			}
		}
	}()

	select {
	case <-ready:
		l.Info().Strs("servers", servers).Msg("✅ Connected to ZooKeeper")
		return conn, nil
	case <-ctx.Done():
		conn.Close()
		return nil, errors.Wrap(ctx.Err(), "zookeeper: waiting for session")
	}
}

type zkLogger struct {
	l zerolog.Logger
}

func (z zkLogger) Printf(format string, args ...interface{}) {
	z.l.Debug().Msgf(format, args...)
}
