// Package notify publishes stock-changed notifications to Kafka for the
// downstream search-index synchronizer. Delivery is asynchronous and
// at-least-once; producers never block the order path on the broker.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xchange/order-core/internal/domain/inventory"
)

var _ inventory.Sink = (*KafkaSink)(nil)

// KafkaSink buffers notifications in an inbox channel and writes them to
// Kafka from a single background goroutine (started by Run).
type KafkaSink struct {
	w        *kafka.Writer
	inbox    chan kafka.Message
	producer string
	lg       *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
// producer names this service in the event envelope.
func NewKafkaSink(brokers []string, topic, producer string, buffer int, lg *zap.Logger) *KafkaSink {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		inbox:    make(chan kafka.Message, buffer),
		producer: producer,
		lg:       lg,
	}
}

// StockChanged enqueues a stock-changed event. When the inbox is full and
// the caller's context expires the event is dropped with a warning; the
// periodic cache/index reconciliation bounds the resulting staleness.
func (s *KafkaSink) StockChanged(ctx context.Context, change inventory.StockChange) {
	payload, err := json.Marshal(StockChangedPayload{
		ProductID: change.ProductID,
		NewStock:  change.NewStock,
	})
	if err != nil {
		s.lg.Error("marshal stock-changed payload", zap.Error(err))
		return
	}
	value, err := json.Marshal(Envelope{
		EventID:      uuid.NewString(),
		EventType:    EventStockChanged,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     s.producer,
		Payload:      payload,
	})
	if err != nil {
		s.lg.Error("marshal stock-changed envelope", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   partitionKey(change.ProductID),
		Value: value,
		Time:  time.Now(),
	}
	select {
	case s.inbox <- msg:
	case <-ctx.Done():
		s.lg.Warn("stock-changed notification dropped",
			zap.Int64("product_id", change.ProductID))
	}
}

// Run consumes the inbox and writes messages until ctx is cancelled, then
// flushes what is buffered and closes the writer.
func (s *KafkaSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case m := <-s.inbox:
			if err := s.w.WriteMessages(ctx, m); err != nil && ctx.Err() == nil {
				s.lg.Error("write stock-changed event", zap.Error(err))
			}
		}
	}
}

// drain flushes buffered messages with a fresh context and closes the
// writer.
func (s *KafkaSink) drain() error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case m := <-s.inbox:
			if err := s.w.WriteMessages(flushCtx, m); err != nil {
				s.lg.Error("flush stock-changed event", zap.Error(err))
			}
		default:
			return s.w.Close()
		}
	}
}
