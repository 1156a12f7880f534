// Package events carries the typed notification streams consumed by the
// UI layer: call status, per-participant changes, per-peer connection
// state, and user-facing notices.
package events

import "time"

// CallStatus is the lifecycle state of the active call session.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusConnecting CallStatus = "connecting"
	StatusRinging    CallStatus = "ringing"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
	StatusFailed     CallStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// StatusEvent announces a call-level lifecycle transition.
type StatusEvent struct {
	CallID string
	Status CallStatus
	Reason string
	At     time.Time
}

// ParticipantEventKind discriminates per-participant changes.
type ParticipantEventKind string

const (
	ParticipantJoined       ParticipantEventKind = "joined"
	ParticipantLeft         ParticipantEventKind = "left"
	ParticipantMuted        ParticipantEventKind = "muted"
	ParticipantVideoToggled ParticipantEventKind = "video-toggled"
	ParticipantTrackAdded   ParticipantEventKind = "track-added"
)

// ParticipantEvent announces a change for one user in the active call.
type ParticipantEvent struct {
	CallID       string
	UserID       string
	Kind         ParticipantEventKind
	AudioEnabled bool
	VideoEnabled bool
	TrackKind    string // set for track-added
}

// ConnectionState is the per-peer transport state visible to the UI.
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
)

// ConnectionEvent announces a per-peer connectivity transition. Attempt is
// non-zero only for reconnecting.
type ConnectionEvent struct {
	CallID  string
	PeerID  string
	State   ConnectionState
	Attempt int
}

// NoticeCode identifies a distinct, actionable user-facing condition.
type NoticeCode string

const (
	NoticeVideoUnavailable   NoticeCode = "video-unavailable"
	NoticePermissionDenied   NoticeCode = "permission-denied"
	NoticeNoAnswer           NoticeCode = "no-answer"
	NoticeCallRejected       NoticeCode = "call-rejected"
	NoticeReconnectExhausted NoticeCode = "reconnect-exhausted"
)

// Notice is a user-visible message decoupled from call state.
type Notice struct {
	Code    NoticeCode
	Message string
}

// InviteEvent surfaces an inbound call invitation to the UI.
type InviteEvent struct {
	CallID         string
	InitiatorID    string
	ConversationID string
	CallType       string
	IsGroup        bool
	Participants   []string
}
