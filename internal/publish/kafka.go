package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/metrics"
	"github.com/teerpro/result-engine/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes every routed message to a topic, keyed by game so one
// game's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	log    *zap.Logger
}

// NewKafkaSink creates an asynchronous sink. Delivery failures are logged
// from the writer's completion callback.
func NewKafkaSink(brokers []string, topic string, log *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			for _, m := range msgs {
				metrics.EventsDropped.WithLabelValues("kafka", eventHeader(m)).Inc()
			}
			log.Warn("kafka delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
		},
	}
	return &KafkaSink{writer: w, log: log}
}

func (k *KafkaSink) PublishResultDeclared(ctx context.Context, ev model.ResultDeclared) {
	msg, err := resultMessage(ev)
	if err != nil {
		k.log.Warn("build result message", zap.Error(err))
		return
	}
	k.write(ctx, msg)
}

func (k *KafkaSink) PublishWagerWon(ctx context.Context, ev model.WagerWon) {
	msg, err := wonMessage(ev)
	if err != nil {
		k.log.Warn("build win message", zap.Error(err))
		return
	}
	k.write(ctx, msg)
}

func (k *KafkaSink) write(ctx context.Context, msg Message) {
	value, err := json.Marshal(msg)
	if err != nil {
		k.log.Warn("kafka marshal failed", zap.Error(err))
		return
	}
	km := kafka.Message{
		Key:     []byte(msg.Game),
		Value:   value,
		Time:    msg.Envelope.SentAt,
		Headers: []kafka.Header{{Key: "event", Value: []byte(msg.Envelope.Event)}},
	}
	if err := k.writer.WriteMessages(ctx, km); err != nil {
		metrics.EventsDropped.WithLabelValues("kafka", msg.Envelope.Event).Inc()
		k.log.Warn("kafka publish failed", zap.String("event", msg.Envelope.Event), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("kafka", msg.Envelope.Event).Inc()
}

// Close flushes pending messages and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func eventHeader(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event" {
			return string(h.Value)
		}
	}
	return "unknown"
}
