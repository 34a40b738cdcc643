// internal/service/inventory/domain/repository.go
package domain

import (
	"context"
	"time"
)

// Store 定义了预占引擎依赖的事务性存储。
// 它位于领域层，但由基础设施层实现 (GORM/MySQL, Bolt)。
type Store interface {
	// RunInTx 在一个事务中执行 fn, fn 返回错误时回滚。
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// GetStockUnit 事务外的只读查询, 不存在时返回 ErrNotFound。
	GetStockUnit(ctx context.Context, key StockKey) (*StockUnit, error)

	// UpsertStockUnit 设置在库数量 (管理/初始化用), 同样递增 version。
	// 新的在库数量小于已预占数量时返回 ErrStockInvariant。
	UpsertStockUnit(ctx context.Context, key StockKey, onHand int) (*StockUnit, error)

	// ListExpiredReservations 查询 status=active 且 expiresAt <= now 的预占, 按过期时间升序。
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)

	// ListReservationsByOrder 返回订单的全部预占记录 (包括终态)。
	ListReservationsByOrder(ctx context.Context, orderID string) ([]*Reservation, error)
}

// Tx 是一个事务内可用的操作集合。
// 所有对 onHand/reserved 的写入都必须经过 CompareAndSwapStock 或 AdjustStock。
type Tx interface {
	GetStockUnit(ctx context.Context, key StockKey) (*StockUnit, error)

	// CompareAndSwapStock 单条语句完成: 应用 delta 并 version+1, 条件是 version == expectedVersion。
	// 返回 false 表示没有行被更新 (并发冲突)。
	CompareAndSwapStock(ctx context.Context, key StockKey, expectedVersion int64, delta StockDelta) (bool, error)

	// AdjustStock 单条语句完成: 应用 delta 并 version+1, 条件是结果仍满足库存不变量。
	// 返回 false 表示条件不满足。
	AdjustStock(ctx context.Context, key StockKey, delta StockDelta) (bool, error)

	InsertReservation(ctx context.Context, r *Reservation) error

	// ListActiveReservations 返回订单下所有 active 的预占。
	ListActiveReservations(ctx context.Context, orderID string) ([]*Reservation, error)

	// TransitionReservation 条件更新状态 (WHERE status = from), 返回 false 表示已被其他事务流转。
	TransitionReservation(ctx context.Context, id string, from, to ReservationStatus, at time.Time) (bool, error)
}
