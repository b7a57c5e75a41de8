package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackplane shares room broadcasts between server processes over a
// Redis pub/sub channel. Every process, including the publisher, delivers
// what it receives to its own local members, so a single subscriber loop
// keeps per-room publish order.
type RedisBackplane struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisBackplane(client *redis.Client, channel string, logger *zap.Logger) *RedisBackplane {
	return &RedisBackplane{
		client:  client,
		channel: channel,
		logger:  logger.Named("backplane"),
	}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Shared() bool { return true }

// Run subscribes to the channel and hands every envelope to deliver until
// ctx is cancelled. The subscription is confirmed before Run starts
// consuming, so publications made after ready is closed are not missed.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(Envelope) int, ready chan<- struct{}) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info("subscribed", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed envelope", zap.Error(err))
				continue
			}
			deliver(env)
		}
	}
}
