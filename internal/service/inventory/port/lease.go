package port

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrLeaseLost 租约已过期或被其他副本拿走。
var ErrLeaseLost = errors.New("cleanup lease lost")

// CleanupLease 保证多个副本之间同一时刻最多只有一个过期清理在执行。
type CleanupLease interface {
	// TryAcquire 尝试获取租约, 没有抢到时 ok 为 false。
	TryAcquire(ctx context.Context, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Lease 是一次成功获取的租约。
type Lease interface {
	// Renew 把租约延长 ttl, 租约已丢失时返回 ErrLeaseLost。
	Renew(ctx context.Context, ttl time.Duration) error
	// Release 只释放自己持有的租约。
	Release(ctx context.Context) error
}
