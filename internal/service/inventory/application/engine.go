// internal/service/inventory/application/engine.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/port"
)

const (
	tracerName                = "inventory-engine"
	DefaultReservationTimeout = 15 * time.Minute
)

// EngineConfig 预占引擎的可调参数
type EngineConfig struct {
	ReservationTimeout time.Duration
	Retry              RetryPolicy
}

// DefaultEngineConfig 15 分钟超时, 3 次线性退避重试
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ReservationTimeout: DefaultReservationTimeout,
		Retry:              DefaultRetryPolicy(),
	}
}

// Option 配置引擎的可选依赖
type Option func(*StockReservationEngine)

// WithClock 注入时钟, 测试中用来模拟过期
func WithClock(clock domain.Clock) Option {
	return func(e *StockReservationEngine) { e.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *StockReservationEngine) { e.tracer = tracer }
}

func WithMetrics(m *Metrics) Option {
	return func(e *StockReservationEngine) { e.metrics = m }
}

// WithPublisher 事务提交后发布生命周期事件
func WithPublisher(p port.StockEventPublisher) Option {
	return func(e *StockReservationEngine) { e.publisher = p }
}

// WithCache 为 GetAvailableQuantity 提供读缓存
func WithCache(c port.AvailabilityCache) Option {
	return func(e *StockReservationEngine) { e.cache = c }
}

// StockReservationEngine 保证并发下单不会超卖。
// 引擎本身不持有任何进程内锁, 互斥完全依赖存储事务与 version 比较交换。
type StockReservationEngine struct {
	store     domain.Store
	cfg       EngineConfig
	clock     domain.Clock
	tracer    trace.Tracer
	metrics   *Metrics
	publisher port.StockEventPublisher
	cache     port.AvailabilityCache
}

// NewStockReservationEngine 创建引擎
func NewStockReservationEngine(store domain.Store, cfg EngineConfig, opts ...Option) *StockReservationEngine {
	if cfg.ReservationTimeout <= 0 {
		cfg.ReservationTimeout = DefaultReservationTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = LinearBackoff(DefaultBackoffStep)
	}

	e := &StockReservationEngine{
		store:  store,
		cfg:    cfg,
		clock:  domain.SystemClock,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

// Reserve 在独立事务中预占库存, 乐观锁冲突时按重试策略重试。
// 用尽重试返回 ErrReservationConflict, 库存不足返回 ErrInsufficientStock (不重试)。
func (e *StockReservationEngine) Reserve(ctx context.Context, req ReserveRequest) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Reserve")
	defer span.End()
	span.SetAttributes(reserveAttributes(req)...)

	var reservation *domain.Reservation
	err := e.cfg.Retry.Do(ctx, func(attempt int) error {
		span.SetAttributes(attribute.Int("reserve.attempt", attempt))
		return e.store.RunInTx(ctx, func(tx domain.Tx) error {
			r, err := e.reserve(ctx, tx, req)
			if err != nil {
				return err
			}
			reservation = r
			return nil
		})
	}, func(attempt int, err error) {
		e.metrics.ReserveConflicts.Inc()
		span.AddEvent("Reservation conflict, retrying", trace.WithAttributes(attribute.Int("attempt", attempt)))
		logger.Ctx(ctx).Debug().Err(err).
			Str("order_id", req.OrderID).
			Str("stock_key", req.Key().String()).
			Int("attempt", attempt).
			Msg("Optimistic lock conflict, retrying reservation")
	})
	if err != nil {
		e.recordReserveFailure(ctx, span, req, err)
		return "", err
	}

	e.metrics.Reservations.WithLabelValues(outcomeReserved).Inc()
	span.SetAttributes(attribute.String("reservation.id", reservation.ID))
	span.AddEvent("Stock reserved")
	logger.Ctx(ctx).Info().
		Str("order_id", req.OrderID).
		Str("reservation_id", reservation.ID).
		Str("stock_key", req.Key().String()).
		Int("quantity", req.Quantity).
		Time("expires_at", reservation.ExpiresAt).
		Msg("Stock reserved")

	e.afterCommit(ctx, []domain.StockKey{req.Key()},
		domain.NewStockEvent(domain.EventReservationCreated, reservation, "", reservation.CreatedAt))
	return reservation.ID, nil
}

// ReserveTx 在调用方提供的事务中预占库存, 不做内部重试:
// 冲突直接返回, 由外层事务自己的重试策略处理。
// 事务由调用方提交, 因此这里不会发布事件或失效缓存。
func (e *StockReservationEngine) ReserveTx(ctx context.Context, tx domain.Tx, req ReserveRequest) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ReserveTx")
	defer span.End()
	span.SetAttributes(reserveAttributes(req)...)

	reservation, err := e.reserve(ctx, tx, req)
	if err != nil {
		e.recordReserveFailure(ctx, span, req, err)
		return "", err
	}
	e.metrics.Reservations.WithLabelValues(outcomeReserved).Inc()
	return reservation.ID, nil
}

func (e *StockReservationEngine) reserve(ctx context.Context, tx domain.Tx, req ReserveRequest) (*domain.Reservation, error) {
	if req.OrderID == "" {
		return nil, domain.ErrInvalidOrder
	}
	if req.Quantity <= 0 {
		return nil, errors.Wrapf(domain.ErrInvalidQuantity, "got %d", req.Quantity)
	}

	key := req.Key()
	unit, err := tx.GetStockUnit(ctx, key)
	if err != nil {
		return nil, err
	}
	if !unit.CanReserve(req.Quantity) {
		return nil, errors.Wrapf(domain.ErrInsufficientStock,
			"%s: requested %d, available %d", key, req.Quantity, unit.AvailableQuantity())
	}

	swapped, err := tx.CompareAndSwapStock(ctx, key, unit.Version, domain.StockDelta{Reserved: req.Quantity})
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, errors.Wrapf(domain.ErrReservationConflict, "%s: version %d is stale", key, unit.Version)
	}

	reservation := domain.NewReservation(req.OrderID, key, req.Quantity, e.clock(), e.cfg.ReservationTimeout)
	if err := tx.InsertReservation(ctx, reservation); err != nil {
		return nil, err
	}
	return reservation, nil
}

func (e *StockReservationEngine) recordReserveFailure(ctx context.Context, span trace.Span, req ReserveRequest, err error) {
	log := logger.Ctx(ctx)
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		e.metrics.Reservations.WithLabelValues(outcomeInsufficient).Inc()
		span.AddEvent("Insufficient stock")
		log.Info().Err(err).Str("order_id", req.OrderID).Msg("Reservation rejected")
		return
	case errors.Is(err, domain.ErrReservationConflict):
		e.metrics.ReserveConflicts.Inc()
		e.metrics.Reservations.WithLabelValues(outcomeConflict).Inc()
		log.Warn().Err(err).Str("order_id", req.OrderID).Msg("Reservation conflict not resolved")
	case errors.Is(err, domain.ErrNotFound):
		e.metrics.Reservations.WithLabelValues(outcomeNotFound).Inc()
		log.Warn().Err(err).Str("order_id", req.OrderID).Str("stock_key", req.Key().String()).Msg("Reservation against unknown stock unit")
	default:
		e.metrics.Reservations.WithLabelValues(outcomeError).Inc()
		log.Error().Err(err).
			Str("order_id", req.OrderID).
			Str("stock_key", req.Key().String()).
			Int("quantity", req.Quantity).
			Msg("Reservation failed")
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "reservation failed")
}

// ConvertToSale 支付确认后把订单的全部 active 预占转为永久扣减。
// 一个订单一个事务; 没有 active 预占时是空操作。
func (e *StockReservationEngine) ConvertToSale(ctx context.Context, orderID string) error {
	_, err := e.transition(ctx, "engine.ConvertToSale", orderID, domain.ReservationConverted, "")
	return err
}

// Release 释放订单的全部 active 预占, onHand 不变。
// 一个订单一个事务; 没有 active 预占时是空操作。
func (e *StockReservationEngine) Release(ctx context.Context, orderID string) error {
	_, err := e.release(ctx, orderID, ReleaseReasonCancelled)
	return err
}

func (e *StockReservationEngine) release(ctx context.Context, orderID, reason string) (int, error) {
	return e.transition(ctx, "engine.Release", orderID, domain.ReservationExpired, reason)
}

// transition 把订单的 active 预占流转到终态, 返回实际流转的数量。
// 状态更新带 WHERE status = active 条件, 并发的重复调用只会有一个生效。
func (e *StockReservationEngine) transition(ctx context.Context, spanName, orderID string, to domain.ReservationStatus, reason string) (int, error) {
	ctx, span := e.tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("reservation.target_status", string(to)))

	now := e.clock()
	var moved []*domain.Reservation
	err := e.store.RunInTx(ctx, func(tx domain.Tx) error {
		moved = moved[:0]
		active, err := tx.ListActiveReservations(ctx, orderID)
		if err != nil {
			return err
		}
		for _, r := range active {
			ok, err := tx.TransitionReservation(ctx, r.ID, domain.ReservationActive, to, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			delta := domain.StockDelta{Reserved: -r.Quantity}
			if to == domain.ReservationConverted {
				delta.OnHand = -r.Quantity
			}
			adjusted, err := tx.AdjustStock(ctx, r.Key(), delta)
			if err != nil {
				return err
			}
			if !adjusted {
				return errors.Wrapf(domain.ErrStockInvariant,
					"reservation %s: cannot apply %+v to %s", r.ID, delta, r.Key())
			}

			r.Status = to
			r.UpdatedAt = now
			moved = append(moved, r)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", orderID).
			Str("target_status", string(to)).
			Msg("Failed to transition reservations")
		return 0, errors.Wrapf(err, "%s order %s", to, orderID)
	}

	span.SetAttributes(attribute.Int("reservation.count", len(moved)))
	if len(moved) == 0 {
		span.AddEvent("No active reservations")
		return 0, nil
	}
	e.metrics.Transitions.WithLabelValues(string(to)).Add(float64(len(moved)))

	eventType := domain.EventReservationReleased
	if to == domain.ReservationConverted {
		eventType = domain.EventReservationConverted
	}
	keys := make([]domain.StockKey, 0, len(moved))
	events := make([]domain.StockEvent, 0, len(moved))
	for _, r := range moved {
		keys = append(keys, r.Key())
		events = append(events, domain.NewStockEvent(eventType, r, reason, now))
	}

	logger.Ctx(ctx).Info().
		Str("order_id", orderID).
		Str("status", string(to)).
		Str("reason", reason).
		Int("count", len(moved)).
		Msg("Reservations transitioned")

	e.afterCommit(ctx, keys, events...)
	return len(moved), nil
}

// GetAvailableQuantity 建议性读取 onHand - reserved, 不加锁。
func (e *StockReservationEngine) GetAvailableQuantity(ctx context.Context, productID, variantID string) (int, error) {
	key := domain.StockKey{ProductID: productID, VariantID: variantID}
	if e.cache != nil {
		available, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("stock_key", key.String()).Msg("Availability cache read failed")
		} else if ok {
			return available, nil
		}
	}

	unit, err := e.store.GetStockUnit(ctx, key)
	if err != nil {
		return 0, err
	}
	available := unit.AvailableQuantity()

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, available); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("stock_key", key.String()).Msg("Availability cache write failed")
		}
	}
	return available, nil
}

// GetStockUnit 返回库存单元的完整状态 (不经过缓存)
func (e *StockReservationEngine) GetStockUnit(ctx context.Context, productID, variantID string) (*domain.StockUnit, error) {
	return e.store.GetStockUnit(ctx, domain.StockKey{ProductID: productID, VariantID: variantID})
}

// ListReservations 返回订单的全部预占 (含终态, 用于审计)
func (e *StockReservationEngine) ListReservations(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	return e.store.ListReservationsByOrder(ctx, orderID)
}

// SetOnHandQuantity 设置在库数量 (入库/盘点), 不能低于已预占数量
func (e *StockReservationEngine) SetOnHandQuantity(ctx context.Context, productID, variantID string, onHand int) (*domain.StockUnit, error) {
	if onHand < 0 {
		return nil, errors.Wrapf(domain.ErrInvalidQuantity, "on hand %d", onHand)
	}
	key := domain.StockKey{ProductID: productID, VariantID: variantID}
	unit, err := e.store.UpsertStockUnit(ctx, key, onHand)
	if err != nil {
		return nil, err
	}
	e.afterCommit(ctx, []domain.StockKey{key})
	return unit, nil
}

// afterCommit 失效缓存并发布事件, 失败只记录日志, 不影响已提交的结果
func (e *StockReservationEngine) afterCommit(ctx context.Context, keys []domain.StockKey, events ...domain.StockEvent) {
	if e.cache != nil && len(keys) > 0 {
		if err := e.cache.Invalidate(ctx, keys...); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Failed to invalidate availability cache")
		}
	}
	if e.publisher != nil && len(events) > 0 {
		if err := e.publisher.Publish(ctx, events...); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Int("events", len(events)).Msg("Failed to publish stock events")
		}
	}
}

func reserveAttributes(req ReserveRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("order.id", req.OrderID),
		attribute.String("product.id", req.ProductID),
		attribute.String("variant.id", req.VariantID),
		attribute.Int("reserve.quantity", req.Quantity),
	}
}
