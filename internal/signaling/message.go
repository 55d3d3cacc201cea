// Package signaling carries call negotiation messages between two parties over a
// named pub/sub relay. Messages on a call topic form a closed set: Offer, Answer,
// Candidate and Reject. Personal topics carry Incoming and Ended events.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

var (
	// ErrUnknownMessage is returned when a payload carries an unrecognised type.
	ErrUnknownMessage = errors.New("signaling: unknown message type")
	// ErrMalformedMessage is returned when a known type is missing its payload.
	ErrMalformedMessage = errors.New("signaling: malformed message")
)

// Kind is the wire discriminator of a call-topic message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindReject    Kind = "reject"
)

// Message is one of Offer, Answer, Candidate or Reject.
type Message interface {
	Kind() Kind
	isMessage()
}

// Offer carries the caller's session description.
type Offer struct {
	SDP webrtc.SessionDescription
}

// Answer carries the callee's session description.
type Answer struct {
	SDP webrtc.SessionDescription
}

// Candidate carries one discovered network path.
type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

// Reject tells the caller the callee declined.
type Reject struct{}

func (Offer) Kind() Kind     { return KindOffer }
func (Answer) Kind() Kind    { return KindAnswer }
func (Candidate) Kind() Kind { return KindCandidate }
func (Reject) Kind() Kind    { return KindReject }

func (Offer) isMessage()     {}
func (Answer) isMessage()    {}
func (Candidate) isMessage() {}
func (Reject) isMessage()    {}

type wireMessage struct {
	Type      Kind                       `json:"type"`
	From      *uuid.UUID                 `json:"from,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Encode serialises m into its wire form.
func Encode(m Message) ([]byte, error) {
	return EncodeFrom(m, uuid.Nil)
}

// EncodeFrom serialises m stamped with its sender. uuid.Nil leaves it unstamped.
func EncodeFrom(m Message, from uuid.UUID) ([]byte, error) {
	var w wireMessage
	switch v := m.(type) {
	case Offer:
		w = wireMessage{Type: KindOffer, Offer: &v.SDP}
	case Answer:
		w = wireMessage{Type: KindAnswer, Answer: &v.SDP}
	case Candidate:
		w = wireMessage{Type: KindCandidate, Candidate: &v.Candidate}
	case Reject:
		w = wireMessage{Type: KindReject}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	if from != uuid.Nil {
		w.From = &from
	}
	return json.Marshal(w)
}

// Decode parses a wire payload into a Message.
func Decode(data []byte) (Message, error) {
	m, _, err := DecodeFrom(data)
	return m, err
}

// DecodeFrom parses a wire payload and returns the sender stamp, uuid.Nil if absent.
func DecodeFrom(data []byte) (Message, uuid.UUID, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	from := uuid.Nil
	if w.From != nil {
		from = *w.From
	}
	m, err := w.message()
	return m, from, err
}

func (w wireMessage) message() (Message, error) {
	switch w.Type {
	case KindOffer:
		if w.Offer == nil || w.Offer.SDP == "" {
			return nil, fmt.Errorf("%w: offer without description", ErrMalformedMessage)
		}
		sdp := *w.Offer
		sdp.Type = webrtc.SDPTypeOffer
		return Offer{SDP: sdp}, nil
	case KindAnswer:
		if w.Answer == nil || w.Answer.SDP == "" {
			return nil, fmt.Errorf("%w: answer without description", ErrMalformedMessage)
		}
		sdp := *w.Answer
		sdp.Type = webrtc.SDPTypeAnswer
		return Answer{SDP: sdp}, nil
	case KindCandidate:
		if w.Candidate == nil || w.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: candidate without value", ErrMalformedMessage)
		}
		return Candidate{Candidate: *w.Candidate}, nil
	case KindReject:
		return Reject{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
	}
}
