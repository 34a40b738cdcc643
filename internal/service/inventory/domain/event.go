// internal/service/inventory/domain/event.go
package domain

import "time"

// StockEventType 预占生命周期事件类型
type StockEventType string

const (
	EventReservationCreated   StockEventType = "reservation.created"
	EventReservationConverted StockEventType = "reservation.converted"
	EventReservationReleased  StockEventType = "reservation.released"
)

// StockEvent 在事务提交后发布, 供下游 (通知、报表) 消费
type StockEvent struct {
	Type          StockEventType `json:"type"`
	ReservationID string         `json:"reservationId"`
	OrderID       string         `json:"orderId"`
	ProductID     string         `json:"productId"`
	VariantID     string         `json:"variantId,omitempty"`
	Quantity      int            `json:"quantity"`
	Reason        string         `json:"reason,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// NewStockEvent 从预占记录构造事件
func NewStockEvent(t StockEventType, r *Reservation, reason string, at time.Time) StockEvent {
	return StockEvent{
		Type:          t,
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		VariantID:     r.VariantID,
		Quantity:      r.Quantity,
		Reason:        reason,
		OccurredAt:    at,
	}
}

// OrderEventType 是订单工作流发给库存服务的外部触发事件
type OrderEventType string

const (
	OrderPaymentConfirmed OrderEventType = "payment_confirmed"
	OrderCancelled        OrderEventType = "order_cancelled"
)

// OrderEvent 订单生命周期事件 (来自 order-lifecycle-topic)
type OrderEvent struct {
	TraceID string         `json:"traceId"`
	Type    OrderEventType `json:"type"`
	OrderID string         `json:"orderId"`
}
