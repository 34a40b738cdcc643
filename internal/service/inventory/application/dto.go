// internal/service/inventory/application/dto.go
package application

import "nexus-inventory/internal/service/inventory/domain"

// ReserveRequest 是预占用例的输入, 对应订单中的一行
type ReserveRequest struct {
	OrderID   string
	ProductID string
	VariantID string
	Quantity  int
}

// Key 返回请求的库存单元
func (r ReserveRequest) Key() domain.StockKey {
	return domain.StockKey{ProductID: r.ProductID, VariantID: r.VariantID}
}

// 释放原因, 写入事件与日志
const (
	ReleaseReasonCancelled = "cancelled"
	ReleaseReasonExpired   = "expired"
)
