package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const memoryBufferSize = 256

// MemoryPubSub is an in-process relay for single-instance deployments and tests.
// Each subscription has its own delivery goroutine so a slow handler never blocks
// Publish; a full buffer drops the message.
type MemoryPubSub struct {
	mu       sync.RWMutex
	subs     map[string]map[*memorySub]struct{}
	retained map[string]retainedPayload
	logger   *zap.Logger
	now      func() time.Time
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

type retainedPayload struct {
	body      []byte
	expiresAt time.Time
}

// NewMemoryPubSub creates an empty in-process relay.
func NewMemoryPubSub(logger *zap.Logger) *MemoryPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryPubSub{
		subs:     make(map[string]map[*memorySub]struct{}),
		retained: make(map[string]retainedPayload),
		logger:   logger,
		now:      time.Now,
	}
}

// Publish hands payload to every current subscriber of topic.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := append([]byte(nil), payload...)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for s := range m.subs[topic] {
		select {
		case s.ch <- body:
		case <-s.done:
		default:
			m.logger.Warn("subscriber buffer full, dropping message", zap.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers handler for topic. Messages are delivered in publish order.
func (m *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{ch: make(chan []byte, memoryBufferSize), done: make(chan struct{})}
	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][s] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			m.mu.Lock()
			delete(m.subs[topic], s)
			if len(m.subs[topic]) == 0 {
				delete(m.subs, topic)
			}
			m.mu.Unlock()
			close(s.done)
		})
	}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				cancel()
				return
			case body := <-s.ch:
				handler(body)
			}
		}
	}()
	return cancel, nil
}

// Subscribers returns how many subscriptions topic currently has.
func (m *MemoryPubSub) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Retain keeps payload for topic until ttl elapses.
func (m *MemoryPubSub) Retain(_ context.Context, topic string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained[topic] = retainedPayload{body: append([]byte(nil), payload...), expiresAt: m.now().Add(ttl)}
	return nil
}

// Retained returns the live payload kept for topic, or nil.
func (m *MemoryPubSub) Retained(_ context.Context, topic string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retained[topic]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(r.expiresAt) {
		delete(m.retained, topic)
		return nil, nil
	}
	return append([]byte(nil), r.body...), nil
}
