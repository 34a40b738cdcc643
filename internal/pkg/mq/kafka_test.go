package mq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"nexus-inventory/internal/pkg/mq"
)

func TestHeaderCarrier(t *testing.T) {
	var c mq.KafkaHeaderCarrier
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, "3", c.Get("a"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	var headers []kafka.Header
	mq.InjectTraceContext(ctx, &headers)
	assert.NotEmpty(t, headers)

	extracted := mq.ExtractTraceContext(context.Background(), headers)
	_, child := tp.Tracer("test").Start(extracted, "consume")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}

func TestDeadLetter(t *testing.T) {
	msg := kafka.Message{
		Topic: "order-lifecycle-topic", Partition: 2, Offset: 42,
		Key: []byte("o-1"), Value: []byte("{}"),
	}
	dl := mq.DeadLetter(msg, errors.New("boom"))

	carrier := mq.KafkaHeaderCarrier(dl.Headers)
	assert.Equal(t, "order-lifecycle-topic", carrier.Get(mq.HeaderOriginalTopic))
	assert.Equal(t, "2", carrier.Get(mq.HeaderOriginalPartition))
	assert.Equal(t, "42", carrier.Get(mq.HeaderOriginalOffset))
	assert.Equal(t, "boom", carrier.Get(mq.HeaderExceptionMessage))
	assert.Equal(t, "*errors.errorString", carrier.Get(mq.HeaderExceptionFqcn))
	assert.Equal(t, msg.Value, dl.Value)
	assert.Empty(t, dl.Topic)
}
