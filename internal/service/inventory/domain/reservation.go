// internal/service/inventory/domain/reservation.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus 定义了预占记录的生命周期状态
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"    // 持有库存, 等待支付
	ReservationConverted ReservationStatus = "converted" // 已支付, 库存被永久扣减
	ReservationExpired   ReservationStatus = "expired"   // 已释放 (取消或超时)
)

// IsTerminal 终态不会再发生任何流转
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationConverted || s == ReservationExpired
}

// Reservation 是一个订单行对某个库存单元的临时占用
type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	VariantID string
	Quantity  int
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// NewReservation 是预占记录的工厂函数, 只应由引擎的 Reserve 流程调用
func NewReservation(orderID string, key StockKey, quantity int, now time.Time, timeout time.Duration) *Reservation {
	return &Reservation{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		ProductID: key.ProductID,
		VariantID: key.VariantID,
		Quantity:  quantity,
		Status:    ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		UpdatedAt: now,
	}
}

// Key 返回该预占指向的库存单元
func (r *Reservation) Key() StockKey {
	return StockKey{ProductID: r.ProductID, VariantID: r.VariantID}
}

// IsExpired 判断预占在 now 时刻是否已过期
func (r *Reservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationActive && !r.ExpiresAt.After(now)
}

// CanTransitionTo 只有 active 可以流转到终态
func (r *Reservation) CanTransitionTo(to ReservationStatus) bool {
	return r.Status == ReservationActive && to.IsTerminal()
}
