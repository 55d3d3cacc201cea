package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/campuscash/backend/internal/models"
)

const (
	eventIncoming = "incoming_call"
	eventEnded    = "call_ended"
)

// Event is delivered on a user's personal topic: Incoming or Ended.
type Event interface {
	CallID() uuid.UUID
	isEvent()
}

// Incoming announces a call to its recipient.
type Incoming struct {
	ID      uuid.UUID      `json:"callId"`
	Caller  models.Profile `json:"caller"`
	IsVideo bool           `json:"isVideo"`
}

// Ended tells a party that the other side terminated the call.
type Ended struct {
	ID uuid.UUID `json:"callId"`
}

func (e Incoming) CallID() uuid.UUID { return e.ID }
func (e Ended) CallID() uuid.UUID    { return e.ID }

func (Incoming) isEvent() {}
func (Ended) isEvent()    {}

type wireEvent struct {
	Type    string          `json:"type,omitempty"`
	CallID  uuid.UUID       `json:"callId"`
	Caller  *models.Profile `json:"caller,omitempty"`
	IsVideo bool            `json:"isVideo,omitempty"`
}

// EncodeEvent serialises e into its wire form.
func EncodeEvent(e Event) ([]byte, error) {
	switch v := e.(type) {
	case Incoming:
		caller := v.Caller
		return json.Marshal(wireEvent{Type: eventIncoming, CallID: v.ID, Caller: &caller, IsVideo: v.IsVideo})
	case Ended:
		return json.Marshal(wireEvent{Type: eventEnded, CallID: v.ID})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, e)
	}
}

// DecodeEvent parses a personal-topic payload. An untyped payload with a caller is an
// announcement, which is the shape older clients publish.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.CallID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing callId", ErrMalformedMessage)
	}
	switch w.Type {
	case eventIncoming, "":
		if w.Caller == nil {
			return nil, fmt.Errorf("%w: announcement without caller", ErrMalformedMessage)
		}
		return Incoming{ID: w.CallID, Caller: *w.Caller, IsVideo: w.IsVideo}, nil
	case eventEnded:
		return Ended{ID: w.CallID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
	}
}
