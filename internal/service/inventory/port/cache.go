package port

import (
	"context"
	"nexus-inventory/internal/service/inventory/domain"
)

// AvailabilityCache 是可用库存查询的缓存端口。
// 缓存只服务于建议性读取, Reserve 的权威判断始终在事务内完成。
type AvailabilityCache interface {
	// Get 返回缓存的可用数量, ok 为 false 表示未命中。
	Get(ctx context.Context, key domain.StockKey) (available int, ok bool, err error)

	Set(ctx context.Context, key domain.StockKey, available int) error

	// Invalidate 在库存单元被修改并提交后调用。
	Invalidate(ctx context.Context, keys ...domain.StockKey) error
}
