package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/signaling"
)

// Client events.
const (
	EventJoinCall  = "join_call"
	EventLeaveCall = "leave_call"
	EventSignal    = "signal"
)

// Server events.
const (
	EventUserEvent   = "user_event"
	EventCallRemoved = "call_removed"
	EventError       = "error"
)

var (
	errCallNotFound = errors.New("call not found")
	errCallOver     = errors.New("call has ended")
	errCallsRemoved = errors.New("calling has been removed")
	errNotJoined    = errors.New("join the call first")
	// A decline must end the session and free the pair, which only the calls API does.
	errRejectOverWS = errors.New("decline with POST /calls/{id}/decline")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is checked by the CORS middleware
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CallPayload is the data of join_call, leave_call and call_removed.
type CallPayload struct {
	CallID uuid.UUID `json:"call_id"`
}

// SignalPayload is the data of signal in both directions. Message is the call-topic
// wire form.
type SignalPayload struct {
	CallID  uuid.UUID       `json:"call_id"`
	Message json.RawMessage `json:"message"`
}

// ErrorPayload is the data of error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Client represents a single WebSocket connection of a user.
type Client struct {
	ID      string
	UserID  uuid.UUID
	hub     *Hub
	channel *signaling.Channel
	conn    *websocket.Conn
	send    chan WSMessage
	logger  *zap.Logger

	mu    sync.Mutex
	calls map[uuid.UUID]func() // joined call -> unsubscribe
}

// TokenValidator resolves a token to the user it was issued for.
type TokenValidator func(token string) (uuid.UUID, error)

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		id := uuid.New().String()
		client := &Client{
			ID:      id,
			UserID:  userID,
			hub:     hub,
			channel: hub.channel.For(userID),
			conn:    conn,
			send:    make(chan WSMessage, 256),
			logger:  logger.With(zap.String("client_id", id), zap.String("user_id", userID.String())),
			calls:   make(map[uuid.UUID]func()),
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.leaveAll()
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case EventJoinCall:
			var p CallPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
				c.sendError("invalid call_id")
				continue
			}
			c.joinCall(p.CallID)
		case EventLeaveCall:
			var p CallPayload
			if err := json.Unmarshal(msg.Data, &p); err == nil {
				c.leaveCall(p.CallID)
			}
		case EventSignal:
			var p SignalPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.CallID == uuid.Nil {
				c.sendError("invalid signal")
				continue
			}
			c.relaySignal(p)
		default:
			// ignore
		}
	}
}

func (c *Client) joinCall(callID uuid.UUID) {
	c.mu.Lock()
	_, joined := c.calls[callID]
	c.mu.Unlock()
	if joined {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hubTimeout)
	defer cancel()
	if _, err := c.hub.openCall(ctx, c.UserID, callID); err != nil {
		if errors.Is(err, errCallsRemoved) {
			c.sendEvent(EventCallRemoved, CallPayload{CallID: callID})
			return
		}
		c.sendError(err.Error())
		return
	}

	unsubscribe, err := c.channel.Subscribe(context.Background(), callID, func(m signaling.Message) {
		body, err := signaling.Encode(m)
		if err != nil {
			return
		}
		c.sendEvent(EventSignal, SignalPayload{CallID: callID, Message: body})
	})
	if err != nil {
		c.logger.Warn("subscribe call topic failed", zap.String("call_id", callID.String()), zap.Error(err))
		c.sendError("could not join call")
		return
	}

	c.mu.Lock()
	if _, raced := c.calls[callID]; raced {
		c.mu.Unlock()
		unsubscribe()
		return
	}
	c.calls[callID] = unsubscribe
	c.mu.Unlock()
	c.logger.Debug("joined call", zap.String("call_id", callID.String()))
}

func (c *Client) leaveCall(callID uuid.UUID) {
	c.mu.Lock()
	unsubscribe, ok := c.calls[callID]
	delete(c.calls, callID)
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (c *Client) leaveAll() {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[uuid.UUID]func())
	c.mu.Unlock()
	for _, unsubscribe := range calls {
		unsubscribe()
	}
}

func (c *Client) relaySignal(p SignalPayload) {
	c.mu.Lock()
	_, joined := c.calls[p.CallID]
	c.mu.Unlock()
	if !joined {
		c.sendError(errNotJoined.Error())
		return
	}
	m, _, err := signaling.DecodeFrom(p.Message)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if _, ok := m.(signaling.Reject); ok {
		c.sendError(errRejectOverWS.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hubTimeout)
	defer cancel()
	if err := c.channel.Send(ctx, p.CallID, m); err != nil {
		c.logger.Warn("relay signal failed", zap.String("call_id", p.CallID.String()), zap.Error(err))
		c.sendError("could not send signal")
	}
}

func (c *Client) sendEvent(event string, payload interface{}) {
	if msg, ok := newMessage(event, payload); ok {
		c.enqueue(msg)
	}
}

func (c *Client) sendError(message string) {
	c.sendEvent(EventError, ErrorPayload{Message: message})
}

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("client buffer full, dropping message", zap.String("event", msg.Event))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
