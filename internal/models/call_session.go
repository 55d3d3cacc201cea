package models

import (
	"time"

	"github.com/google/uuid"
)

// CallType is the media type of a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallTypeFor maps the isVideo flag used on the wire to a CallType.
func CallTypeFor(isVideo bool) CallType {
	if isVideo {
		return CallTypeVideo
	}
	return CallTypeAudio
}

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the lifecycle status of a call session.
type CallStatus string

const (
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
)

// CallSession is one row of the call log. Rows are never deleted.
type CallSession struct {
	ID          uuid.UUID  `json:"id"`
	CallerID    uuid.UUID  `json:"caller_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	CallType    CallType   `json:"call_type"`
	Status      CallStatus `json:"status"`
}

// Involves reports whether userID is the caller or the recipient.
func (s *CallSession) Involves(userID uuid.UUID) bool {
	return s.CallerID == userID || s.RecipientID == userID
}

// Counterpart returns the other party of the call for userID.
func (s *CallSession) Counterpart(userID uuid.UUID) uuid.UUID {
	if s.CallerID == userID {
		return s.RecipientID
	}
	return s.CallerID
}
