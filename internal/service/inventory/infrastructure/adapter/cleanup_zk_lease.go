package adapter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"nexus-inventory/internal/pkg/zookeeper"
	"nexus-inventory/internal/service/inventory/port"
)

const cleanupLockResource = "inventory-reaper"

// CleanupZkLease 是 port.CleanupLease 的 ZooKeeper 实现。
// 租约的生命周期跟随会话, ttl 不起作用; 续期只确认自己的节点仍然存在。
type CleanupZkLease struct {
	conn zookeeper.Conn
	root string
}

var _ port.CleanupLease = (*CleanupZkLease)(nil)

// NewCleanupZkLease root 为锁的根路径, 例如 /distributed_locks
func NewCleanupZkLease(conn zookeeper.Conn, root string) *CleanupZkLease {
	return &CleanupZkLease{conn: conn, root: root}
}

func (l *CleanupZkLease) TryAcquire(_ context.Context, _ time.Duration) (port.Lease, bool, error) {
	lock, err := zookeeper.NewDistributedLock(l.conn, l.root, cleanupLockResource)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire cleanup lease")
	}
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire cleanup lease")
	}
	if !ok {
		return nil, false, nil
	}
	return &zkLease{lock: lock}, true, nil
}

type zkLease struct {
	lock *zookeeper.DistributedLock
}

func (z *zkLease) Renew(_ context.Context, _ time.Duration) error {
	held, err := z.lock.Held()
	if err != nil {
		return errors.Wrap(err, "renew cleanup lease")
	}
	if !held {
		return port.ErrLeaseLost
	}
	return nil
}

func (z *zkLease) Release(_ context.Context) error {
	return errors.Wrap(z.lock.Unlock(), "release cleanup lease")
}
