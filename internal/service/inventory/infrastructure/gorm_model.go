package infrastructure

import (
	"time"

	"nexus-inventory/internal/service/inventory/domain"
)

// StockUnitModel 对应数据库中的 stock_units 表, 同时作为 bolt 中的存储格式
type StockUnitModel struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ProductID        string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_stock_unit,priority:1" json:"productId"`
	VariantID        string    `gorm:"type:varchar(64);not null;default:'';uniqueIndex:uk_stock_unit,priority:2" json:"variantId"`
	OnHandQuantity   int       `gorm:"not null;default:0" json:"onHandQuantity"`
	ReservedQuantity int       `gorm:"not null;default:0" json:"reservedQuantity"`
	Version          int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TableName 指定 GORM 应该使用的表名
func (StockUnitModel) TableName() string {
	return "stock_units"
}

// ReservationModel 对应数据库中的 stock_reservations 表。
// 记录只会从 active 原地更新到终态, 从不删除。
type ReservationModel struct {
	ID        string                   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OrderID   string                   `gorm:"type:varchar(64);not null;index:idx_reservation_order" json:"orderId"`
	ProductID string                   `gorm:"type:varchar(64);not null" json:"productId"`
	VariantID string                   `gorm:"type:varchar(64);not null;default:''" json:"variantId"`
	Quantity  int                      `gorm:"not null" json:"quantity"`
	Status    domain.ReservationStatus `gorm:"type:varchar(16);not null;index:idx_reservation_status_expiry,priority:1" json:"status"`
	ExpiresAt time.Time                `gorm:"not null;index:idx_reservation_status_expiry,priority:2" json:"expiresAt"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// TableName 指定 GORM 应该使用的表名
func (ReservationModel) TableName() string {
	return "stock_reservations"
}
