package signaling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/realtime"
	"github.com/campuscash/backend/internal/signaling"
)

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `{`, signaling.ErrMalformedMessage},
		{"unknown type", `{"type":"hello"}`, signaling.ErrUnknownMessage},
		{"offer without sdp", `{"type":"offer"}`, signaling.ErrMalformedMessage},
		{"answer with empty sdp", `{"type":"answer","answer":{"type":"answer","sdp":""}}`, signaling.ErrMalformedMessage},
		{"candidate without value", `{"type":"candidate","candidate":{}}`, signaling.ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := signaling.Decode([]byte(tt.payload)); !errors.Is(err, tt.want) {
				t.Fatalf("Decode(%s) = %v, want %v", tt.payload, err, tt.want)
			}
		})
	}
}

func TestDecode_WireShapes(t *testing.T) {
	m, err := signaling.Decode([]byte(`{"type":"offer","offer":{"type":"offer","sdp":"v=0\r\n"}}`))
	if err != nil {
		t.Fatalf("Decode offer: %v", err)
	}
	offer, ok := m.(signaling.Offer)
	if !ok || offer.SDP.Type != webrtc.SDPTypeOffer || offer.SDP.SDP != "v=0\r\n" {
		t.Fatalf("offer = %#v", m)
	}

	m, err = signaling.Decode([]byte(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	if err != nil {
		t.Fatalf("Decode candidate: %v", err)
	}
	c, ok := m.(signaling.Candidate)
	if !ok || c.Candidate.SDPMid == nil || *c.Candidate.SDPMid != "0" {
		t.Fatalf("candidate = %#v", m)
	}

	if m, err = signaling.Decode([]byte(`{"type":"reject"}`)); err != nil || m.Kind() != signaling.KindReject {
		t.Fatalf("reject = %#v, %v", m, err)
	}
}

func TestDecodeEvent(t *testing.T) {
	id := uuid.New()
	caller := models.Profile{ID: uuid.New(), Username: "amaka", AvatarURL: "https://cdn/a.png"}

	body, err := signaling.EncodeEvent(signaling.Incoming{ID: id, Caller: caller, IsVideo: true})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	e, err := signaling.DecodeEvent(body)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	in, ok := e.(signaling.Incoming)
	if !ok || in.ID != id || in.Caller != caller || !in.IsVideo {
		t.Fatalf("incoming = %#v", e)
	}

	legacy := []byte(`{"callId":"` + id.String() + `","caller":{"id":"` + caller.ID.String() + `","username":"amaka"},"isVideo":false}`)
	if e, err := signaling.DecodeEvent(legacy); err != nil || e.(signaling.Incoming).Caller.Username != "amaka" {
		t.Fatalf("untyped announcement = %#v, %v", e, err)
	}

	if _, err := signaling.DecodeEvent([]byte(`{"type":"call_ended"}`)); !errors.Is(err, signaling.ErrMalformedMessage) {
		t.Fatalf("ended without id = %v", err)
	}
	if _, err := signaling.DecodeEvent([]byte(`{"callId":"` + id.String() + `"}`)); !errors.Is(err, signaling.ErrMalformedMessage) {
		t.Fatalf("untyped without caller = %v", err)
	}
}

func TestTopics(t *testing.T) {
	id := uuid.MustParse("0b5c43b4-6b7e-4f5e-9d3c-71f1c7b0a001")
	if got := signaling.CallTopic(id); got != "call:0b5c43b4-6b7e-4f5e-9d3c-71f1c7b0a001" {
		t.Errorf("CallTopic = %s", got)
	}
	if got := signaling.UserTopic(id); got != "user:0b5c43b4-6b7e-4f5e-9d3c-71f1c7b0a001" {
		t.Errorf("UserTopic = %s", got)
	}
}

func TestChannel_LateSubscriberGetsOffer(t *testing.T) {
	relay := realtime.NewMemoryPubSub(nil)
	ch := signaling.NewChannel(relay, time.Minute, nil)
	ctx := context.Background()
	callID := uuid.New()

	offer := signaling.Offer{SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}
	if err := ch.Send(ctx, callID, offer); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := make(chan signaling.Message, 4)
	cancel, err := ch.Subscribe(ctx, callID, func(m signaling.Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	select {
	case m := <-got:
		if m.Kind() != signaling.KindOffer {
			t.Fatalf("first message = %s, want offer", m.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("retained offer not replayed")
	}
}

func TestChannel_DropsUndecodable(t *testing.T) {
	relay := realtime.NewMemoryPubSub(nil)
	ch := signaling.NewChannel(relay, 0, nil)
	ctx := context.Background()
	callID := uuid.New()

	got := make(chan signaling.Message, 4)
	cancel, err := ch.Subscribe(ctx, callID, func(m signaling.Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := relay.Publish(ctx, signaling.CallTopic(callID), []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ch.Send(ctx, callID, signaling.Reject{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-got:
		if m.Kind() != signaling.KindReject {
			t.Fatalf("got %s, want reject", m.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("reject not delivered")
	}
}

func TestChannel_UserEvents(t *testing.T) {
	relay := realtime.NewMemoryPubSub(nil)
	ch := signaling.NewChannel(relay, 0, nil)
	ctx := context.Background()
	user := uuid.New()
	callID := uuid.New()

	got := make(chan signaling.Event, 2)
	cancel, err := ch.SubscribeUser(ctx, user, func(e signaling.Event) { got <- e })
	if err != nil {
		t.Fatalf("SubscribeUser: %v", err)
	}
	if err := ch.Notify(ctx, user, signaling.Ended{ID: callID}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case e := <-got:
		if _, ok := e.(signaling.Ended); !ok || e.CallID() != callID {
			t.Fatalf("event = %#v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	if n := relay.Subscribers(signaling.UserTopic(user)); n != 0 {
		t.Fatalf("subscribers after cancel = %d", n)
	}
}

func TestChannel_BoundChannelSkipsOwnEchoes(t *testing.T) {
	relay := realtime.NewMemoryPubSub(nil)
	base := signaling.NewChannel(relay, 0, nil)
	alice, bob := base.For(uuid.New()), base.For(uuid.New())
	ctx := context.Background()
	callID := uuid.New()

	aliceGot := make(chan signaling.Message, 4)
	cancelA, err := alice.Subscribe(ctx, callID, func(m signaling.Message) { aliceGot <- m })
	if err != nil {
		t.Fatalf("Subscribe alice: %v", err)
	}
	defer cancelA()
	bobGot := make(chan signaling.Message, 4)
	cancelB, err := bob.Subscribe(ctx, callID, func(m signaling.Message) { bobGot <- m })
	if err != nil {
		t.Fatalf("Subscribe bob: %v", err)
	}
	defer cancelB()

	if err := alice.Send(ctx, callID, signaling.Reject{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-bobGot:
		if m.Kind() != signaling.KindReject {
			t.Fatalf("bob got %s", m.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("bob did not receive")
	}
	select {
	case m := <-aliceGot:
		t.Fatalf("alice received her own %s", m.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}
