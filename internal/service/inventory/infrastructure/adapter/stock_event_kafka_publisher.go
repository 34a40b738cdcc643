package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"nexus-inventory/internal/pkg/mq"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/port"
)

// MessageWriter 是 *kafka.Writer 的最小子集
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// StockEventKafkaPublisher 实现了 port.StockEventPublisher 接口。
// 以订单号作为 key, 同一订单的事件落在同一分区, 保持顺序。
type StockEventKafkaPublisher struct {
	writer MessageWriter
}

var _ port.StockEventPublisher = (*StockEventKafkaPublisher)(nil)

func NewStockEventKafkaPublisher(writer MessageWriter) *StockEventKafkaPublisher {
	return &StockEventKafkaPublisher{writer: writer}
}

func (p *StockEventKafkaPublisher) Publish(ctx context.Context, events ...domain.StockEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return errors.Wrapf(err, "marshal %s event", event.Type)
		}
		msg := kafka.Message{
			Key:     []byte(event.OrderID),
			Value:   value,
			Headers: []kafka.Header{{Key: "event-type", Value: []byte(event.Type)}},
		}
		mq.InjectTraceContext(ctx, &msg.Headers)
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(err, "publish %d stock events", len(msgs))
	}
	return nil
}
