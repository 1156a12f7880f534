// Package signaling is the bidirectional call-control channel: one
// canonical JSON envelope for every call and WebRTC event, with typed
// payloads decoded and validated at the boundary.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type discriminates signaling messages.
type Type string

const (
	// Inbound
	TypeIncoming   Type = "call:incoming"
	TypeUserJoined Type = "call:user-joined"
	TypeUserLeft   Type = "call:user-left"
	TypeRejected   Type = "call:rejected"
	TypeEnded      Type = "call:ended"
	TypeMediaState Type = "call:media-state"
	TypeOffer      Type = "webrtc:offer"
	TypeAnswer     Type = "webrtc:answer"
	TypeCandidate  Type = "webrtc:ice-candidate"
	TypeConfig     Type = "webrtc:config"

	// Outbound only
	TypeCallStart  Type = "call:start"
	TypeCallAccept Type = "call:accept"
	TypeCallReject Type = "call:reject"
	TypeCallEnd    Type = "call:end"
)

// Envelope is the single wire shape for all signaling traffic.
// SenderID is set by the server on inbound messages; TargetID addresses
// one peer on outbound messages, empty meaning every call participant.
type Envelope struct {
	Type     Type            `json:"type"`
	CallID   string          `json:"callId"`
	SenderID string          `json:"senderId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an addressed envelope.
func NewEnvelope(t Type, callID, targetID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, CallID: callID, TargetID: targetID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// IncomingCall announces an invitation to the callee.
type IncomingCall struct {
	InitiatorID    string   `json:"initiatorId"`
	ConversationID string   `json:"conversationId,omitempty"`
	CallType       string   `json:"callType"`
	IsGroup        bool     `json:"isGroup"`
	Participants   []string `json:"participants,omitempty"`
}

// Offer carries an SDP offer.
type Offer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// Answer carries an SDP answer.
type Answer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MediaState is a participant's track enablement broadcast.
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// Ended carries the remote hangup reason.
type Ended struct {
	Reason string `json:"reason,omitempty"`
}

// Rejected carries the callee's rejection reason.
type Rejected struct {
	Reason string `json:"reason,omitempty"`
}

// ICEServerUpdate is one server entry of a pushed configuration.
type ICEServerUpdate struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
	TTLSeconds int      `json:"ttl,omitempty"`
}

// Config is a server-pushed ICE configuration update.
type Config struct {
	Servers []ICEServerUpdate `json:"iceServers"`
}

func decode(e Envelope, want Type, v any) error {
	if e.Type != want {
		return fmt.Errorf("expected %s message, got %s", want, e.Type)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Type, err)
	}
	return nil
}

// DecodeIncomingCall validates and decodes a call:incoming payload.
func DecodeIncomingCall(e Envelope) (IncomingCall, error) {
	var out IncomingCall
	if err := decode(e, TypeIncoming, &out); err != nil {
		return out, err
	}
	if out.InitiatorID == "" || out.CallType == "" {
		return out, fmt.Errorf("call:incoming payload missing initiator or call type")
	}
	return out, nil
}

// DecodeOffer validates and decodes a webrtc:offer payload.
func DecodeOffer(e Envelope) (Offer, error) {
	var out Offer
	if err := decode(e, TypeOffer, &out); err != nil {
		return out, err
	}
	if out.SDP.SDP == "" {
		return out, fmt.Errorf("webrtc:offer payload has empty SDP")
	}
	return out, nil
}

// DecodeAnswer validates and decodes a webrtc:answer payload.
func DecodeAnswer(e Envelope) (Answer, error) {
	var out Answer
	if err := decode(e, TypeAnswer, &out); err != nil {
		return out, err
	}
	if out.SDP.SDP == "" {
		return out, fmt.Errorf("webrtc:answer payload has empty SDP")
	}
	return out, nil
}

// DecodeCandidate validates and decodes a webrtc:ice-candidate payload.
func DecodeCandidate(e Envelope) (Candidate, error) {
	var out Candidate
	if err := decode(e, TypeCandidate, &out); err != nil {
		return out, err
	}
	if out.Candidate.Candidate == "" {
		return out, fmt.Errorf("webrtc:ice-candidate payload has empty candidate")
	}
	return out, nil
}

// DecodeEnded decodes a call:ended payload.
func DecodeEnded(e Envelope) (Ended, error) {
	var out Ended
	if err := decode(e, TypeEnded, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeRejected decodes a call:rejected payload.
func DecodeRejected(e Envelope) (Rejected, error) {
	var out Rejected
	if err := decode(e, TypeRejected, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeMediaState validates and decodes a call:media-state payload.
func DecodeMediaState(e Envelope) (MediaState, error) {
	var out MediaState
	if err := decode(e, TypeMediaState, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeConfig validates and decodes a webrtc:config payload.
func DecodeConfig(e Envelope) (Config, error) {
	var out Config
	if err := decode(e, TypeConfig, &out); err != nil {
		return out, err
	}
	if len(out.Servers) == 0 {
		return out, fmt.Errorf("webrtc:config payload has no servers")
	}
	return out, nil
}
