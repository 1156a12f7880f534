package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeOffer, "call-1", "peer-42", Offer{
		SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	offer, err := DecodeOffer(back)
	if err != nil {
		t.Fatalf("DecodeOffer failed: %v", err)
	}
	if offer.SDP.SDP != "v=0\r\n" {
		t.Fatalf("SDP lost in round trip: %q", offer.SDP.SDP)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	testCases := []struct {
		name string
		env  Envelope
		dec  func(Envelope) error
	}{
		{
			name: "wrong type",
			env:  Envelope{Type: TypeAnswer, CallID: "c", Payload: json.RawMessage(`{}`)},
			dec:  func(e Envelope) error { _, err := DecodeOffer(e); return err },
		},
		{
			name: "missing payload",
			env:  Envelope{Type: TypeOffer, CallID: "c"},
			dec:  func(e Envelope) error { _, err := DecodeOffer(e); return err },
		},
		{
			name: "invalid json",
			env:  Envelope{Type: TypeCandidate, CallID: "c", Payload: json.RawMessage(`{not json`)},
			dec:  func(e Envelope) error { _, err := DecodeCandidate(e); return err },
		},
		{
			name: "empty candidate",
			env:  Envelope{Type: TypeCandidate, CallID: "c", Payload: json.RawMessage(`{"candidate":{}}`)},
			dec:  func(e Envelope) error { _, err := DecodeCandidate(e); return err },
		},
		{
			name: "incoming without initiator",
			env:  Envelope{Type: TypeIncoming, CallID: "c", Payload: json.RawMessage(`{"callType":"audio"}`)},
			dec:  func(e Envelope) error { _, err := DecodeIncomingCall(e); return err },
		},
		{
			name: "config without servers",
			env:  Envelope{Type: TypeConfig, CallID: "c", Payload: json.RawMessage(`{"iceServers":[]}`)},
			dec:  func(e Envelope) error { _, err := DecodeConfig(e); return err },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.dec(tc.env); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestDecodeIncomingCall(t *testing.T) {
	env, err := NewEnvelope(TypeIncoming, "call-9", "", IncomingCall{
		InitiatorID:  "alice",
		CallType:     "video",
		IsGroup:      true,
		Participants: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	invite, err := DecodeIncomingCall(env)
	if err != nil {
		t.Fatalf("DecodeIncomingCall failed: %v", err)
	}
	if invite.InitiatorID != "alice" || !invite.IsGroup || len(invite.Participants) != 2 {
		t.Fatalf("unexpected invite: %+v", invite)
	}
}
