// internal/service/inventory/application/reaper.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"nexus-inventory/internal/pkg/logger"
)

const DefaultCleanupBatchSize = 500

// ExpiredReservationReaper 扫描已过期的 active 预占并逐个释放。
// 单个订单释放失败只记录日志, 下一轮会再次被扫到。
type ExpiredReservationReaper struct {
	engine    *StockReservationEngine
	batchSize int
}

// NewExpiredReservationReaper batchSize <= 0 时使用默认值
func NewExpiredReservationReaper(engine *StockReservationEngine, batchSize int) *ExpiredReservationReaper {
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatchSize
	}
	return &ExpiredReservationReaper{engine: engine, batchSize: batchSize}
}

// CleanupExpired 返回本轮成功释放的预占数量。
// 只有查询过期预占失败时才返回错误。
func (r *ExpiredReservationReaper) CleanupExpired(ctx context.Context) (int, error) {
	e := r.engine
	ctx, span := e.tracer.Start(ctx, "reaper.CleanupExpired")
	defer span.End()

	start := time.Now()
	defer func() { e.metrics.ReaperDuration.Observe(time.Since(start).Seconds()) }()

	now := e.clock()
	expired, err := e.store.ListExpiredReservations(ctx, now, r.batchSize)
	if err != nil {
		e.metrics.ReaperRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list expired reservations")
		return 0, errors.Wrap(err, "list expired reservations")
	}
	span.SetAttributes(attribute.Int("reaper.expired", len(expired)))

	released, failed := 0, 0
	seen := make(map[string]struct{}, len(expired))
	for _, res := range expired {
		if ctx.Err() != nil {
			logger.Ctx(ctx).Info().Msg("Context cancelled, stopping expired reservation sweep")
			break
		}
		// 同一订单的多条预占在一次 Release 中全部处理
		if _, ok := seen[res.OrderID]; ok {
			continue
		}
		seen[res.OrderID] = struct{}{}

		n, err := e.release(ctx, res.OrderID, ReleaseReasonExpired)
		if err != nil {
			failed++
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", res.OrderID).
				Str("reservation_id", res.ID).
				Time("expires_at", res.ExpiresAt).
				Msg("Failed to release expired reservation, will retry next cycle")
			continue
		}
		released += n
	}

	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	e.metrics.ReaperRuns.WithLabelValues(result).Inc()
	e.metrics.ReaperReleased.Add(float64(released))
	span.SetAttributes(attribute.Int("reaper.released", released), attribute.Int("reaper.failed", failed))

	if len(expired) > 0 {
		logger.Ctx(ctx).Info().
			Int("expired", len(expired)).
			Int("released", released).
			Int("failed", failed).
			Msg("Expired reservation sweep finished")
	}
	return released, nil
}
