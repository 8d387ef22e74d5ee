package publish

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/metrics"
	"github.com/teerpro/result-engine/internal/model"
)

// DefaultChannel is the Redis Pub/Sub channel shared by all instances.
const DefaultChannel = "teer_events"

// RedisRelay publishes routed messages to a Redis channel and feeds every
// message received on it into the local hub. With a relay in place the hub
// must not also be published to directly, or local clients see events twice.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	log     *zap.Logger
}

// NewRedisRelay creates a relay bound to hub.
func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub, log *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{rdb: rdb, channel: channel, hub: hub, log: log}
}

func (r *RedisRelay) PublishResultDeclared(ctx context.Context, ev model.ResultDeclared) {
	msg, err := resultMessage(ev)
	if err != nil {
		r.log.Warn("build result message", zap.Error(err))
		return
	}
	r.publish(ctx, msg)
}

func (r *RedisRelay) PublishWagerWon(ctx context.Context, ev model.WagerWon) {
	msg, err := wonMessage(ev)
	if err != nil {
		r.log.Warn("build win message", zap.Error(err))
		return
	}
	r.publish(ctx, msg)
}

func (r *RedisRelay) publish(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("relay marshal failed", zap.Error(err))
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		metrics.EventsDropped.WithLabelValues("redis", msg.Envelope.Event).Inc()
		r.log.Warn("relay publish failed", zap.String("event", msg.Envelope.Event), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues("redis", msg.Envelope.Event).Inc()
}

// Run subscribes to the channel and forwards messages to the hub until ctx
// is cancelled. The subscription is confirmed before Run starts forwarding.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn("relay unmarshal failed", zap.Error(err))
				continue
			}
			r.hub.Deliver(msg)
		}
	}
}
