package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	publishTimeout = 5 * time.Second
	retainedSuffix = ":retained"
)

// RedisPubSub is a signaling relay over Redis pub/sub. Retained payloads are plain
// keys with a TTL next to the channel name.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis-backed relay.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// Publish sends payload to every current subscriber of topic.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic and calls handler for each message until cancel is
// called or ctx is done. The subscription is confirmed before Subscribe returns.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (cancel func(), err error) {
	subCtx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(subCtx, topic)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	r.logger.Debug("subscribed", zap.String("topic", topic))
	return cancelCtx, nil
}

// Retain keeps payload for topic until ttl elapses or it is overwritten.
func (r *RedisPubSub) Retain(ctx context.Context, topic string, payload []byte, ttl time.Duration) error {
	return r.client.Set(ctx, topic+retainedSuffix, payload, ttl).Err()
}

// Retained returns the payload kept for topic, or nil.
func (r *RedisPubSub) Retained(ctx context.Context, topic string) ([]byte, error) {
	b, err := r.client.Get(ctx, topic+retainedSuffix).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
