package port

import (
	"context"
	"nexus-inventory/internal/service/inventory/domain"
)

// StockEventPublisher 是预占生命周期事件的出站端口。
type StockEventPublisher interface {
	// Publish 发布一批事件, 在事务提交之后调用。
	Publish(ctx context.Context, events ...domain.StockEvent) error
}
