package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/pkg/mq"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
)

const (
	consumerTracerName = "inventory-order-consumer"

	fetchRetryDelay = time.Second
	dltBackoffStep  = 500 * time.Millisecond
	dltMaxBackoff   = 30 * time.Second
)

// MessageReader 是 *kafka.Reader 的最小子集
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter 是 *kafka.Writer 的最小子集
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OrderLifecycle 是订单事件驱动的两个终态操作
type OrderLifecycle interface {
	ConvertToSale(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID string) error
}

var errUnknownOrderEvent = errors.New("unknown order event type")

// OrderEventConsumer 是一个驱动适配器, 监听订单生命周期事件:
// payment_confirmed 转为销售, order_cancelled 释放预占。
// 处理失败 (冲突重试用尽或其他错误) 的消息被投递到死信队列后提交 offset。
// 死信写入会一直重试, 期间阻塞该分区, 在写入成功之前不会提交任何后续 offset。
type OrderEventConsumer struct {
	reader     MessageReader
	dlt        MessageWriter
	lifecycle  OrderLifecycle
	retry      application.RetryPolicy
	dltBackoff application.BackoffFunc
	tracer     trace.Tracer

	wg       sync.WaitGroup
	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewOrderEventConsumer dlt 为 nil 时失败消息只记录日志
func NewOrderEventConsumer(reader MessageReader, dlt MessageWriter, lifecycle OrderLifecycle, retry application.RetryPolicy) *OrderEventConsumer {
	return &OrderEventConsumer{
		reader:     reader,
		dlt:        dlt,
		lifecycle:  lifecycle,
		retry:      retry,
		dltBackoff: application.LinearBackoff(dltBackoffStep),
		tracer:     otel.Tracer(consumerTracerName),
		done:       make(chan struct{}),
	}
}

// Start 在后台开始消费, 直到 ctx 取消或调用 Stop
func (c *OrderEventConsumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Msg("✅ Order event consumer started.")
		for {
			if c.stopped.Load() {
				return
			}
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || c.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 Order event consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("Could not fetch order event, retrying")
				if !waitOrDone(ctx, c.done, fetchRetryDelay) {
					return
				}
				continue
			}

			// 返回 false 只发生在退出时, 不提交直接退出, 重启后从已提交的 offset 重新消费
			if !c.processMessage(ctx, msg) {
				logger.Ctx(ctx).Warn().Int64("offset", msg.Offset).Msg("🛑 Order event consumer stopping with uncommitted message")
				return
			}
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit order event")
			}
		}
	}()
}

// Stop 关闭 reader 并等待消费循环退出
func (c *OrderEventConsumer) Stop(ctx context.Context) {
	c.stopped.Store(true)
	c.stopOnce.Do(func() { close(c.done) })
	if err := c.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Failed to close order event reader")
	}
	c.wg.Wait()
	logger.Ctx(ctx).Info().Msg("✅ Order event consumer stopped.")
}

// processMessage 返回 true 表示可以提交 offset, false 表示消费者正在退出
func (c *OrderEventConsumer) processMessage(parentCtx context.Context, msg kafka.Message) bool {
	ctx := mq.ExtractTraceContext(parentCtx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "consumer.HandleOrderEvent", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	var event domain.OrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return c.deadLetter(ctx, span, msg, errors.Wrap(err, "decode order event"))
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID), attribute.String("order.event", string(event.Type)))

	err := c.retry.Do(ctx, func(attempt int) error {
		return c.handle(ctx, event)
	}, func(attempt int, err error) {
		logger.Ctx(ctx).Debug().Err(err).Str("order_id", event.OrderID).Int("attempt", attempt).
			Msg("Order event hit a reservation conflict, retrying")
	})
	if errors.Is(err, errUnknownOrderEvent) {
		logger.Ctx(ctx).Warn().Str("type", string(event.Type)).Str("order_id", event.OrderID).Msg("Ignoring unknown order event")
		return true
	}
	if err != nil {
		return c.deadLetter(ctx, span, msg, err)
	}
	return true
}

func (c *OrderEventConsumer) handle(ctx context.Context, event domain.OrderEvent) error {
	if event.OrderID == "" {
		return domain.ErrInvalidOrder
	}
	switch event.Type {
	case domain.OrderPaymentConfirmed:
		return c.lifecycle.ConvertToSale(ctx, event.OrderID)
	case domain.OrderCancelled:
		return c.lifecycle.Release(ctx, event.OrderID)
	default:
		return errors.Wrapf(errUnknownOrderEvent, "%q", event.Type)
	}
}

// deadLetter 写入死信队列成功后才允许提交 offset。
// kafka-go 的 FetchMessage 已经越过了这条消息, 跳过它去处理后续消息会在下一次提交时把它丢掉,
// 所以这里按退避一直重试, 直到写入成功或消费者退出。
func (c *OrderEventConsumer) deadLetter(ctx context.Context, span trace.Span, msg kafka.Message, cause error) bool {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "order event failed")
	logger.Ctx(ctx).Error().Err(cause).
		Str("topic", msg.Topic).
		Int64("offset", msg.Offset).
		Str("key", string(msg.Key)).
		Msg("Failed to handle order event, sending to DLT")

	if c.dlt == nil {
		return true
	}
	dead := mq.DeadLetter(msg, cause)
	for attempt := 1; ; attempt++ {
		err := c.dlt.WriteMessages(ctx, dead)
		if err == nil {
			return true
		}
		delay := c.dltBackoff(attempt)
		if delay > dltMaxBackoff {
			delay = dltMaxBackoff
		}
		logger.Ctx(ctx).Error().Err(err).
			Int64("offset", msg.Offset).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Failed to write order event to DLT, partition blocked until it succeeds")
		if !waitOrDone(ctx, c.done, delay) {
			return false
		}
	}
}

// waitOrDone 等待 d, ctx 结束或 done 关闭时提前返回 false
func waitOrDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
