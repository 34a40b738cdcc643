// internal/service/inventory/domain/stock.go
package domain

import (
	"fmt"
	"time"
)

// StockKey 标识一个可预占的库存单元 (商品, 可选规格)
type StockKey struct {
	ProductID string
	VariantID string // 为空表示商品级库存
}

func (k StockKey) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return fmt.Sprintf("%s/%s", k.ProductID, k.VariantID)
}

// StockUnit 是被保护的库存计数器。
// 只能通过 Tx 的原子更新路径修改。
type StockUnit struct {
	Key              StockKey
	OnHandQuantity   int
	ReservedQuantity int
	Version          int64
	UpdatedAt        time.Time
}

// AvailableQuantity 返回当前可预占数量
func (u *StockUnit) AvailableQuantity() int {
	return u.OnHandQuantity - u.ReservedQuantity
}

// CanReserve 判断是否可以预占指定数量
func (u *StockUnit) CanReserve(quantity int) bool {
	return u.AvailableQuantity() >= quantity
}

// StockDelta 描述一次对库存单元的增量修改
type StockDelta struct {
	OnHand   int
	Reserved int
}

// Apply 返回应用增量后的数量, ok 为 false 表示结果会破坏库存不变量
func (d StockDelta) Apply(onHand, reserved int) (newOnHand, newReserved int, ok bool) {
	newOnHand = onHand + d.OnHand
	newReserved = reserved + d.Reserved
	ok = newOnHand >= 0 && newReserved >= 0 && newReserved <= newOnHand
	return newOnHand, newReserved, ok
}
