package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/signaling"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	hubTimeout = 5 * time.Second
)

// SessionStore is the part of the call log the gateway reads.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CallSession, error)
}

// SessionEnder closes a stored session. calls.Recorder implements it.
type SessionEnder interface {
	End(ctx context.Context, id uuid.UUID, status models.CallStatus)
}

// Hub maintains user_id -> set of connections. Each connected user has one
// subscription on its personal topic, shared by all of that user's connections.
type Hub struct {
	users        map[uuid.UUID]map[string]*Client
	subs         map[uuid.UUID]func() // cancel personal-topic subscription per user
	mu           sync.RWMutex
	channel      *signaling.Channel
	sessions     SessionStore
	ender        SessionEnder
	callsEnabled bool
	logger       *zap.Logger
}

// NewHub creates a new WebSocket hub. With callsEnabled false, joining a call ends its
// session and tells the browser calling has been removed.
func NewHub(logger *zap.Logger, channel *signaling.Channel, sessions SessionStore, ender SessionEnder, callsEnabled bool) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		users:        make(map[uuid.UUID]map[string]*Client),
		subs:         make(map[uuid.UUID]func()),
		channel:      channel,
		sessions:     sessions,
		ender:        ender,
		callsEnabled: callsEnabled,
		logger:       logger,
	}
}

// Register adds a client. Subscribes to the user's personal topic on the first
// connection; the subscription is made outside the hub lock.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	first := h.users[c.UserID] == nil
	if first {
		h.users[c.UserID] = make(map[string]*Client)
	}
	h.users[c.UserID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))

	if first {
		h.subscribeUser(c.UserID)
	}
}

func (h *Hub) subscribeUser(userID uuid.UUID) {
	cancel, err := h.channel.Relay().Subscribe(context.Background(), signaling.UserTopic(userID), func(payload []byte) {
		h.SendToUser(userID, EventUserEvent, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("subscribe personal topic failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	h.mu.Lock()
	_, connected := h.users[userID]
	_, subscribed := h.subs[userID]
	if connected && !subscribed {
		h.subs[userID] = cancel
		cancel = nil
	}
	h.mu.Unlock()
	if cancel != nil {
		// Disconnected meanwhile, or a reconnect already subscribed.
		cancel()
	}
}

// Unregister removes a client. Cancels the personal-topic subscription when the user's
// last connection leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.users[c.UserID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.users, c.UserID)
			if cancel, ok := h.subs[c.UserID]; ok {
				cancel()
				delete(h.subs, c.UserID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Connections returns the number of open connections for a user.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// SendToUser sends a message to every connection of a user on this instance.
func (h *Hub) SendToUser(userID uuid.UUID, event string, payload interface{}) {
	msg, ok := newMessage(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.enqueue(msg)
	}
}

// openCall checks that userID may join callID. While calling is switched off it ends
// the session instead and returns errCallsRemoved.
func (h *Hub) openCall(ctx context.Context, userID, callID uuid.UUID) (*models.CallSession, error) {
	s, err := h.sessions.GetByID(ctx, callID)
	if err != nil {
		return nil, errCallNotFound
	}
	if !s.Involves(userID) {
		return nil, errCallNotFound
	}
	if !h.callsEnabled {
		h.ender.End(ctx, s.ID, models.CallStatusCompleted)
		if err := h.channel.Notify(ctx, s.Counterpart(userID), signaling.Ended{ID: s.ID}); err != nil {
			h.logger.Warn("send termination notice failed", zap.String("call_id", s.ID.String()), zap.Error(err))
		}
		return s, errCallsRemoved
	}
	if s.Status != models.CallStatusOngoing {
		return nil, errCallOver
	}
	return s, nil
}

func newMessage(event string, payload interface{}) (WSMessage, bool) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return WSMessage{}, false
		}
	}
	return WSMessage{Event: event, Data: data}, true
}
