package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes events to one topic, keyed by token so a token's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.SugaredLogger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaPublisher {
	p := &KafkaPublisher{logger: logger}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.logger.Warnw("kafka_publish_failed", "messages", len(messages), "error", err)
			}
		},
	}
	return p
}

// Publish enqueues ev. The writer is async; delivery errors are logged by the
// completion callback.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorw("kafka_encode_failed", "type", ev.Type, "error", err)
		return
	}
	key := []byte(ev.TokenID)
	if len(key) == 0 {
		key = []byte(ev.Type)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		p.logger.Warnw("kafka_enqueue_failed", "type", ev.Type, "token_id", ev.TokenID, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
