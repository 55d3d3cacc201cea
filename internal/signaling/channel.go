package signaling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	callTopicPrefix = "call:"
	userTopicPrefix = "user:"

	// DefaultOfferTTL is how long an offer stays retained for late subscribers.
	DefaultOfferTTL = 60 * time.Second
)

// Relay is a named pub/sub primitive. Delivery is at-most-once with no persistence.
type Relay interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (cancel func(), err error)
}

// Retainer is implemented by relays that can keep the latest payload on a topic.
// Retained returns nil with no error when nothing is kept.
type Retainer interface {
	Retain(ctx context.Context, topic string, payload []byte, ttl time.Duration) error
	Retained(ctx context.Context, topic string) ([]byte, error)
}

// CallTopic is the per-call signaling topic.
func CallTopic(callID uuid.UUID) string { return callTopicPrefix + callID.String() }

// UserTopic is a user's personal notification topic.
func UserTopic(userID uuid.UUID) string { return userTopicPrefix + userID.String() }

// Channel sends and receives typed signaling over a Relay. A Channel bound to a user
// with For stamps what it sends and ignores its own echoes.
type Channel struct {
	relay    Relay
	offerTTL time.Duration
	self     uuid.UUID
	logger   *zap.Logger
}

// NewChannel creates a Channel. offerTTL <= 0 uses DefaultOfferTTL.
func NewChannel(relay Relay, offerTTL time.Duration, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if offerTTL <= 0 {
		offerTTL = DefaultOfferTTL
	}
	return &Channel{relay: relay, offerTTL: offerTTL, logger: logger}
}

// For returns a copy of c bound to userID.
func (c *Channel) For(userID uuid.UUID) *Channel {
	cp := *c
	cp.self = userID
	cp.logger = c.logger.With(zap.String("user_id", userID.String()))
	return &cp
}

// Send publishes m on call:{callID}. Offers are also retained when the relay supports it.
func (c *Channel) Send(ctx context.Context, callID uuid.UUID, m Message) error {
	body, err := EncodeFrom(m, c.self)
	if err != nil {
		return err
	}
	topic := CallTopic(callID)
	if _, ok := m.(Offer); ok {
		if r, ok := c.relay.(Retainer); ok {
			if err := r.Retain(ctx, topic, body, c.offerTTL); err != nil {
				c.logger.Warn("retain offer failed", zap.String("call_id", callID.String()), zap.Error(err))
			}
		}
	}
	return c.relay.Publish(ctx, topic, body)
}

// Subscribe invokes handler for every message on call:{callID}. A retained offer is
// replayed once after the live subscription is in place, so the handler may see it
// twice if it was also delivered live.
func (c *Channel) Subscribe(ctx context.Context, callID uuid.UUID, handler func(Message)) (func(), error) {
	topic := CallTopic(callID)
	log := c.logger.With(zap.String("call_id", callID.String()))
	deliver := func(payload []byte) {
		m, from, err := DecodeFrom(payload)
		if err != nil {
			log.Warn("drop undecodable signal", zap.Error(err))
			return
		}
		if c.self != uuid.Nil && from == c.self {
			return
		}
		handler(m)
	}
	cancel, err := c.relay.Subscribe(ctx, topic, deliver)
	if err != nil {
		return nil, err
	}
	if r, ok := c.relay.(Retainer); ok {
		body, err := r.Retained(ctx, topic)
		if err != nil {
			log.Warn("read retained offer failed", zap.Error(err))
		} else if body != nil {
			deliver(body)
		}
	}
	return cancel, nil
}

// Notify publishes e on user:{userID}.
func (c *Channel) Notify(ctx context.Context, userID uuid.UUID, e Event) error {
	body, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	return c.relay.Publish(ctx, UserTopic(userID), body)
}

// SubscribeUser invokes handler for every event on user:{userID}.
func (c *Channel) SubscribeUser(ctx context.Context, userID uuid.UUID, handler func(Event)) (func(), error) {
	log := c.logger.With(zap.String("user_id", userID.String()))
	return c.relay.Subscribe(ctx, UserTopic(userID), func(payload []byte) {
		e, err := DecodeEvent(payload)
		if err != nil {
			log.Warn("drop undecodable user event", zap.Error(err))
			return
		}
		handler(e)
	})
}

// Relay exposes the underlying relay for raw forwarding (WebSocket gateway).
func (c *Channel) Relay() Relay { return c.relay }
