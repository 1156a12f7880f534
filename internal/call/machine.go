// Package call is the top-level orchestrator: it owns the single active
// session, sequences the media, signaling, peer, credential, and
// reconnect components, and exposes the lifecycle API the UI consumes.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/backend"
	"github.com/mirrasocial/callkit/internal/clock"
	"github.com/mirrasocial/callkit/internal/config"
	"github.com/mirrasocial/callkit/internal/events"
	"github.com/mirrasocial/callkit/internal/media"
	"github.com/mirrasocial/callkit/internal/signaling"
)

// Deps are the collaborators the machine drives. All are required
// except ICE, which may be nil when server-pushed config is unused.
type Deps struct {
	Backend   Backend
	Signal    Signaler
	Peers     Peers
	Media     media.Controller
	ICE       ICESink
	Reconnect Reconnector
}

// pendingOffer is an offer that arrived before the invitation was
// accepted. Held until Accept so the initiator's early offer is not
// lost to the active-call filter.
type pendingOffer struct {
	senderID string
	offer    signaling.Offer
}

// Machine enforces the single-active-call invariant and runs the call
// lifecycle. All session state mutation happens under one mutex; the
// initiation guard alone is an atomic so overlapping Initiate/Accept
// calls fail fast instead of queueing.
type Machine struct {
	cfg    *config.Config
	selfID string

	backend Backend
	signal  Signaler
	peers   Peers
	media   media.Controller
	ice     ICESink
	recon   Reconnector

	bus *events.Bus
	clk clock.Clock
	log *zap.Logger

	initiating atomic.Bool

	mu       sync.Mutex
	session  *Session
	local    media.Stream
	noAnswer clock.Timer
	invites  map[string]signaling.IncomingCall
	buffered map[string][]pendingOffer
}

// New wires a Machine. selfID is the authenticated user's id.
func New(cfg *config.Config, selfID string, deps Deps, bus *events.Bus, clk clock.Clock, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	m := &Machine{
		cfg:      cfg,
		selfID:   selfID,
		backend:  deps.Backend,
		signal:   deps.Signal,
		peers:    deps.Peers,
		media:    deps.Media,
		ice:      deps.ICE,
		recon:    deps.Reconnect,
		bus:      bus,
		clk:      clk,
		log:      logger.Named("call"),
		invites:  make(map[string]signaling.IncomingCall),
		buffered: make(map[string][]pendingOffer),
	}
	m.recon.OnExhausted(m.handlePeerExhausted)
	return m
}

// Active returns a snapshot of the current session, or nil.
func (m *Machine) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	snap := *m.session
	snap.participants = make(map[string]*Participant, len(m.session.participants))
	for id, p := range m.session.participants {
		cp := *p
		snap.participants[id] = &cp
	}
	return &snap
}

// Initiate starts an outgoing call to a user or a group conversation.
// Exactly one of targetID and conversationID is set. Returns the new
// call id.
func (m *Machine) Initiate(ctx context.Context, targetID, conversationID string, kind media.Type) (string, error) {
	if !m.initiating.CompareAndSwap(false, true) {
		return "", ErrInitiationInProgress
	}
	defer m.initiating.Store(false)

	if m.hasActiveSession() {
		return "", ErrAlreadyInCall
	}

	created, err := m.backend.CreateCall(ctx, backend.CreateCallRequest{
		RecipientID:    targetID,
		ConversationID: conversationID,
		CallType:       string(kind),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}

	stream, err := m.acquireMedia(ctx, kind)
	if err != nil {
		// The server-side call exists; hang it up before surfacing.
		if endErr := m.backend.EndCall(ctx, created.ID); endErr != nil {
			m.log.Warn("failed to abandon call after media failure", zap.Error(endErr))
		}
		return "", err
	}

	sess := newSession(created.ID, created.ConversationID, m.selfID, kind, created.IsGroup)
	for _, id := range created.Participants {
		if id != m.selfID {
			sess.addParticipant(id)
		}
	}

	m.installSession(sess, stream)
	m.publishStatus(sess.CallID, events.StatusConnecting, "")

	if env, err := signaling.NewEnvelope(signaling.TypeCallStart, sess.CallID, "", nil); err == nil {
		if sendErr := m.signal.Send(ctx, env); sendErr != nil {
			m.log.Warn("failed to announce call start", zap.Error(sendErr))
		}
	}

	for _, p := range sess.Participants() {
		if err := m.offerTo(ctx, p.UserID); err != nil {
			var platformErr *media.PlatformError
			if errors.As(err, &platformErr) {
				// No WebRTC capability at all: abort rather than degrade.
				m.endActive(ctx, events.StatusFailed, "platform unsupported", true)
				return "", err
			}
			m.log.Warn("failed to open connection to participant",
				zap.String("peer_id", p.UserID), zap.Error(err))
		}
	}

	m.armNoAnswerTimer(sess.CallID)
	m.setStatus(sess.CallID, events.StatusRinging, "")

	m.log.Info("call initiated",
		zap.String("call_id", sess.CallID),
		zap.String("type", string(kind)),
		zap.Bool("group", sess.IsGroup))
	return sess.CallID, nil
}

// Accept answers a pending invitation.
func (m *Machine) Accept(ctx context.Context, callID string) error {
	if !m.initiating.CompareAndSwap(false, true) {
		return ErrInitiationInProgress
	}
	defer m.initiating.Store(false)

	if m.hasActiveSession() {
		return ErrAlreadyInCall
	}

	m.mu.Lock()
	invite, ok := m.invites[callID]
	m.mu.Unlock()
	if !ok {
		return ErrNoPendingInvite
	}

	stream, err := m.acquireMedia(ctx, media.Type(invite.CallType))
	if err != nil {
		return err
	}

	if err := m.backend.AnswerCall(ctx, callID, backend.VerdictAccepted); err != nil {
		m.media.Release(stream)
		return fmt.Errorf("failed to accept call: %w", err)
	}

	sess := newSession(callID, invite.ConversationID, invite.InitiatorID, media.Type(invite.CallType), invite.IsGroup)
	sess.addParticipant(invite.InitiatorID)
	for _, id := range invite.Participants {
		if id != m.selfID {
			sess.addParticipant(id)
		}
	}

	m.mu.Lock()
	delete(m.invites, callID)
	held := m.buffered[callID]
	delete(m.buffered, callID)
	m.mu.Unlock()

	m.installSession(sess, stream)
	m.publishStatus(callID, events.StatusConnecting, "")

	if env, err := signaling.NewEnvelope(signaling.TypeCallAccept, callID, invite.InitiatorID, nil); err == nil {
		if sendErr := m.signal.Send(ctx, env); sendErr != nil {
			m.log.Warn("failed to announce call accept", zap.Error(sendErr))
		}
	}

	// Answer any offers that raced ahead of the accept.
	for _, po := range held {
		if err := m.peers.HandleOffer(ctx, po.senderID, po.offer); err != nil {
			m.log.Warn("failed to answer held offer",
				zap.String("peer_id", po.senderID), zap.Error(err))
		}
	}

	m.log.Info("call accepted", zap.String("call_id", callID))
	return nil
}

// Reject declines a pending invitation. Safe to call for an unknown
// call id.
func (m *Machine) Reject(ctx context.Context, callID string) error {
	m.mu.Lock()
	invite, ok := m.invites[callID]
	delete(m.invites, callID)
	delete(m.buffered, callID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if env, err := signaling.NewEnvelope(signaling.TypeCallReject, callID, invite.InitiatorID, nil); err == nil {
		if sendErr := m.signal.Send(ctx, env); sendErr != nil {
			m.log.Warn("failed to send rejection", zap.Error(sendErr))
		}
	}
	if err := m.backend.AnswerCall(ctx, callID, backend.VerdictRejected); err != nil {
		return fmt.Errorf("failed to reject call: %w", err)
	}
	m.log.Info("call rejected", zap.String("call_id", callID))
	return nil
}

// End hangs up the active call. Idempotent: ending with no active
// session is a no-op, and repeated calls issue one backend request.
func (m *Machine) End(ctx context.Context) error {
	m.endActive(ctx, events.StatusEnded, "hangup", true)
	return nil
}

// ToggleAudio flips the local microphone. A no-op without a local
// stream: nothing is sent and no event is emitted.
func (m *Machine) ToggleAudio(ctx context.Context, enabled bool) error {
	return m.toggleTrack(ctx, enabled, true)
}

// ToggleVideo flips the local camera.
func (m *Machine) ToggleVideo(ctx context.Context, enabled bool) error {
	return m.toggleTrack(ctx, enabled, false)
}

func (m *Machine) toggleTrack(ctx context.Context, enabled, audio bool) error {
	m.mu.Lock()
	if m.local == nil || m.session == nil {
		m.mu.Unlock()
		return nil
	}
	if audio {
		m.local.SetAudioEnabled(enabled)
	} else {
		m.local.SetVideoEnabled(enabled)
	}
	callID := m.session.CallID
	state := signaling.MediaState{
		AudioEnabled: m.local.AudioEnabled(),
		VideoEnabled: m.local.VideoEnabled(),
	}
	m.mu.Unlock()

	env, err := signaling.NewEnvelope(signaling.TypeMediaState, callID, "", state)
	if err != nil {
		return err
	}
	if err := m.signal.Send(ctx, env); err != nil {
		m.log.Warn("failed to broadcast media state", zap.Error(err))
	}

	kind := events.ParticipantMuted
	if !audio {
		kind = events.ParticipantVideoToggled
	}
	m.bus.Participants.Publish(events.ParticipantEvent{
		CallID:       callID,
		UserID:       m.selfID,
		Kind:         kind,
		AudioEnabled: state.AudioEnabled,
		VideoEnabled: state.VideoEnabled,
	})
	return nil
}

// HandleSignal is the single entry point for inbound signaling. It runs
// on the signaling read goroutine, so per-connection arrival order is
// preserved.
func (m *Machine) HandleSignal(env signaling.Envelope) {
	ctx := context.Background()
	switch env.Type {
	case signaling.TypeIncoming:
		m.handleIncoming(ctx, env)
	case signaling.TypeUserJoined:
		m.handleUserJoined(ctx, env)
	case signaling.TypeUserLeft:
		m.handleUserLeft(ctx, env)
	case signaling.TypeRejected:
		m.handleRejected(ctx, env)
	case signaling.TypeEnded:
		m.handleRemoteEnded(ctx, env)
	case signaling.TypeMediaState:
		m.handleMediaState(env)
	case signaling.TypeOffer:
		m.handleOffer(ctx, env)
	case signaling.TypeAnswer:
		m.handleAnswer(env)
	case signaling.TypeCandidate:
		m.handleCandidate(env)
	case signaling.TypeConfig:
		m.handleConfig(env)
	default:
		m.log.Debug("ignoring signaling message", zap.String("type", string(env.Type)))
	}
}

// HandlePeerState is wired to the peer manager's connection state
// callback.
func (m *Machine) HandlePeerState(peerID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.recon.PeerConnected(peerID)
		m.markPeer(peerID, events.ConnConnected)
		m.markConnected()
	case webrtc.PeerConnectionStateDisconnected:
		m.markPeer(peerID, events.ConnDisconnected)
		m.recon.PeerLost(peerID)
	case webrtc.PeerConnectionStateFailed:
		m.markPeer(peerID, events.ConnFailed)
		m.recon.PeerLost(peerID)
	}
}

// HandleRemoteTrack is wired to the peer manager's track callback.
func (m *Machine) HandleRemoteTrack(peerID string, track *webrtc.TrackRemote) {
	m.mu.Lock()
	callID := ""
	if m.session != nil {
		callID = m.session.CallID
	}
	m.mu.Unlock()
	if callID == "" {
		return
	}
	m.bus.Participants.Publish(events.ParticipantEvent{
		CallID:    callID,
		UserID:    peerID,
		Kind:      events.ParticipantTrackAdded,
		TrackKind: track.Kind().String(),
	})
}

func (m *Machine) handleIncoming(ctx context.Context, env signaling.Envelope) {
	invite, err := signaling.DecodeIncomingCall(env)
	if err != nil {
		m.log.Warn("dropping malformed invitation", zap.Error(err))
		return
	}

	if m.hasActiveSession() {
		// Busy: decline the new invitation, current session untouched.
		m.log.Info("auto-rejecting invitation while in a call",
			zap.String("call_id", env.CallID))
		if rej, err := signaling.NewEnvelope(signaling.TypeCallReject, env.CallID, invite.InitiatorID, nil); err == nil {
			if sendErr := m.signal.Send(ctx, rej); sendErr != nil {
				m.log.Warn("failed to send busy rejection", zap.Error(sendErr))
			}
		}
		if err := m.backend.AnswerCall(ctx, env.CallID, backend.VerdictRejected); err != nil {
			m.log.Warn("failed to report busy rejection", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.invites[env.CallID] = invite
	m.mu.Unlock()

	m.bus.Invites.Publish(events.InviteEvent{
		CallID:         env.CallID,
		InitiatorID:    invite.InitiatorID,
		ConversationID: invite.ConversationID,
		CallType:       invite.CallType,
		IsGroup:        invite.IsGroup,
		Participants:   invite.Participants,
	})
	m.log.Info("incoming call",
		zap.String("call_id", env.CallID),
		zap.String("from", invite.InitiatorID))
}

func (m *Machine) handleUserJoined(ctx context.Context, env signaling.Envelope) {
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.CallID != env.CallID || env.SenderID == m.selfID {
		m.mu.Unlock()
		return
	}
	_, known := sess.participant(env.SenderID)
	if !known {
		sess.addParticipant(env.SenderID)
	}
	callID := sess.CallID
	m.mu.Unlock()

	m.bus.Participants.Publish(events.ParticipantEvent{
		CallID: callID,
		UserID: env.SenderID,
		Kind:   events.ParticipantJoined,
	})
	m.markConnected()

	if !known {
		// A late joiner in a group call: open a connection and offer.
		if err := m.offerTo(ctx, env.SenderID); err != nil {
			m.log.Warn("failed to connect to joining participant",
				zap.String("peer_id", env.SenderID), zap.Error(err))
		}
	}
}

func (m *Machine) handleUserLeft(ctx context.Context, env signaling.Envelope) {
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.CallID != env.CallID {
		m.mu.Unlock()
		return
	}
	removed := sess.removeParticipant(env.SenderID)
	remaining := len(sess.participants)
	callID := sess.CallID
	m.mu.Unlock()

	if !removed {
		return
	}
	m.peers.Close(env.SenderID)
	m.bus.Participants.Publish(events.ParticipantEvent{
		CallID: callID,
		UserID: env.SenderID,
		Kind:   events.ParticipantLeft,
	})

	if remaining == 0 {
		// Last remote participant gone; the server already knows.
		m.endActive(ctx, events.StatusEnded, "all participants left", false)
	}
}

func (m *Machine) handleRejected(ctx context.Context, env signaling.Envelope) {
	// A rejection for anything but the active call is a stale delivery
	// from a dead session and must not surface to the user.
	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.CallID != env.CallID {
		m.mu.Unlock()
		return
	}
	sess.removeParticipant(env.SenderID)
	remaining := len(sess.participants)
	m.mu.Unlock()

	reason := "call rejected"
	if len(env.Payload) > 0 {
		if r, err := signaling.DecodeRejected(env); err == nil && r.Reason != "" {
			reason = r.Reason
		}
	}
	m.bus.Notices.Publish(events.Notice{
		Code:    events.NoticeCallRejected,
		Message: reason,
	})

	m.peers.Close(env.SenderID)
	if remaining == 0 {
		m.endActive(ctx, events.StatusEnded, "rejected", false)
	}
}

func (m *Machine) handleRemoteEnded(ctx context.Context, env signaling.Envelope) {
	reason := "remote hangup"
	if len(env.Payload) > 0 {
		if e, err := signaling.DecodeEnded(env); err == nil && e.Reason != "" {
			reason = e.Reason
		}
	}
	m.endActive(ctx, events.StatusEnded, reason, false)
}

func (m *Machine) handleMediaState(env signaling.Envelope) {
	state, err := signaling.DecodeMediaState(env)
	if err != nil {
		m.log.Warn("dropping malformed media-state message", zap.Error(err))
		return
	}

	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.CallID != env.CallID {
		m.mu.Unlock()
		return
	}
	p, ok := sess.participant(env.SenderID)
	if !ok {
		m.mu.Unlock()
		return
	}
	audioChanged := p.AudioEnabled != state.AudioEnabled
	videoChanged := p.VideoEnabled != state.VideoEnabled
	p.AudioEnabled = state.AudioEnabled
	p.VideoEnabled = state.VideoEnabled
	callID := sess.CallID
	m.mu.Unlock()

	if audioChanged {
		m.bus.Participants.Publish(events.ParticipantEvent{
			CallID:       callID,
			UserID:       env.SenderID,
			Kind:         events.ParticipantMuted,
			AudioEnabled: state.AudioEnabled,
			VideoEnabled: state.VideoEnabled,
		})
	}
	if videoChanged {
		m.bus.Participants.Publish(events.ParticipantEvent{
			CallID:       callID,
			UserID:       env.SenderID,
			Kind:         events.ParticipantVideoToggled,
			AudioEnabled: state.AudioEnabled,
			VideoEnabled: state.VideoEnabled,
		})
	}
}

func (m *Machine) handleOffer(ctx context.Context, env signaling.Envelope) {
	offer, err := signaling.DecodeOffer(env)
	if err != nil {
		m.log.Warn("dropping malformed offer", zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.session != nil && m.session.CallID == env.CallID {
		m.mu.Unlock()
		if err := m.peers.HandleOffer(ctx, env.SenderID, offer); err != nil {
			m.log.Warn("failed to answer offer",
				zap.String("peer_id", env.SenderID), zap.Error(err))
		}
		return
	}
	if _, invited := m.invites[env.CallID]; invited {
		// The initiator's offer raced ahead of our accept; hold it.
		m.buffered[env.CallID] = append(m.buffered[env.CallID], pendingOffer{
			senderID: env.SenderID,
			offer:    offer,
		})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.log.Debug("dropping offer for unknown call", zap.String("call_id", env.CallID))
}

func (m *Machine) handleAnswer(env signaling.Envelope) {
	answer, err := signaling.DecodeAnswer(env)
	if err != nil {
		m.log.Warn("dropping malformed answer", zap.Error(err))
		return
	}
	if err := m.peers.HandleAnswer(env.SenderID, answer); err != nil {
		m.log.Warn("failed to apply answer",
			zap.String("peer_id", env.SenderID), zap.Error(err))
		return
	}
	m.markConnected()
}

func (m *Machine) handleCandidate(env signaling.Envelope) {
	cand, err := signaling.DecodeCandidate(env)
	if err != nil {
		m.log.Warn("dropping malformed candidate", zap.Error(err))
		return
	}
	if err := m.peers.AddCandidate(env.SenderID, cand); err != nil {
		m.log.Warn("failed to add candidate",
			zap.String("peer_id", env.SenderID), zap.Error(err))
	}
}

func (m *Machine) handleConfig(env signaling.Envelope) {
	cfg, err := signaling.DecodeConfig(env)
	if err != nil {
		m.log.Warn("dropping malformed config update", zap.Error(err))
		return
	}
	if m.ice == nil {
		return
	}
	for _, srv := range cfg.Servers {
		if srv.Username != "" && srv.Credential != "" {
			m.ice.ApplyServerUpdate(srv.URLs, srv.Username, srv.Credential, srv.TTLSeconds)
			return
		}
	}
}

func (m *Machine) handlePeerExhausted(peerID string) {
	m.bus.Notices.Publish(events.Notice{
		Code:    events.NoticeReconnectExhausted,
		Message: "connection to " + peerID + " could not be restored",
	})

	m.mu.Lock()
	sess := m.session
	if sess == nil {
		m.mu.Unlock()
		return
	}
	removed := sess.removeParticipant(peerID)
	remaining := len(sess.participants)
	callID := sess.CallID
	m.mu.Unlock()

	m.peers.Close(peerID)
	if removed {
		m.bus.Participants.Publish(events.ParticipantEvent{
			CallID: callID,
			UserID: peerID,
			Kind:   events.ParticipantLeft,
		})
	}
	if remaining == 0 {
		// A 1:1 call cannot survive losing its only peer.
		m.endActive(context.Background(), events.StatusFailed, "reconnect exhausted", true)
	}
}

// acquireMedia wraps Controller.Acquire with the notice policy: a
// permission failure aborts with a distinct notice, degradation to
// audio-only emits a non-fatal one.
func (m *Machine) acquireMedia(ctx context.Context, kind media.Type) (media.Stream, error) {
	stream, degraded, err := m.media.Acquire(ctx, kind)
	if err != nil {
		var permErr *media.PermissionError
		if errors.As(err, &permErr) {
			m.bus.Notices.Publish(events.Notice{
				Code:    events.NoticePermissionDenied,
				Message: permErr.Error(),
			})
		}
		return nil, err
	}
	if degraded {
		m.bus.Notices.Publish(events.Notice{
			Code:    events.NoticeVideoUnavailable,
			Message: "camera unavailable, continuing with audio only",
		})
	}
	return stream, nil
}

func (m *Machine) offerTo(ctx context.Context, peerID string) error {
	if err := m.peers.Create(ctx, peerID); err != nil {
		return err
	}
	return m.peers.SendOffer(ctx, peerID)
}

func (m *Machine) installSession(sess *Session, stream media.Stream) {
	m.mu.Lock()
	m.session = sess
	m.local = stream
	m.mu.Unlock()

	m.signal.SetActiveCall(sess.CallID)
	m.peers.Bind(sess.CallID, stream, sess.CallType)
	m.recon.Start(sess.CallID)
}

// endActive takes the session out from under the lock and tears it
// down. Callers racing here see no session and return immediately,
// which is what makes End idempotent with a single backend request.
func (m *Machine) endActive(ctx context.Context, status events.CallStatus, reason string, notifyServer bool) {
	m.mu.Lock()
	sess := m.session
	stream := m.local
	timer := m.noAnswer
	m.session = nil
	m.local = nil
	m.noAnswer = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	if timer != nil {
		timer.Stop()
	}

	m.recon.Stop()
	m.peers.Unbind()
	m.media.Release(stream)

	if notifyServer {
		if env, err := signaling.NewEnvelope(signaling.TypeCallEnd, sess.CallID, "", nil); err == nil {
			if sendErr := m.signal.Send(ctx, env); sendErr != nil {
				m.log.Warn("failed to announce hangup", zap.Error(sendErr))
			}
		}
		if err := m.backend.EndCall(ctx, sess.CallID); err != nil {
			m.log.Warn("failed to end call on server", zap.Error(err))
		}
	}
	m.signal.ClearActiveCall()

	sess.Status = status
	m.publishStatus(sess.CallID, status, reason)
	m.log.Info("call torn down",
		zap.String("call_id", sess.CallID),
		zap.String("status", string(status)),
		zap.String("reason", reason))
}

func (m *Machine) armNoAnswerTimer(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noAnswer = m.clk.AfterFunc(m.cfg.NoAnswerTimeout, func() {
		m.onNoAnswer(callID)
	})
}

func (m *Machine) onNoAnswer(callID string) {
	m.mu.Lock()
	sess := m.session
	fire := sess != nil && sess.CallID == callID &&
		(sess.Status == events.StatusConnecting || sess.Status == events.StatusRinging)
	m.mu.Unlock()
	if !fire {
		return
	}

	m.bus.Notices.Publish(events.Notice{
		Code:    events.NoticeNoAnswer,
		Message: ErrNoAnswer.Error(),
	})
	m.endActive(context.Background(), events.StatusFailed, "no answer", true)
}

// markConnected moves a connecting or ringing session to connected and
// cancels the no-answer timer. Idempotent.
func (m *Machine) markConnected() {
	m.mu.Lock()
	sess := m.session
	if sess == nil || (sess.Status != events.StatusConnecting && sess.Status != events.StatusRinging) {
		m.mu.Unlock()
		return
	}
	sess.Status = events.StatusConnected
	timer := m.noAnswer
	m.noAnswer = nil
	callID := sess.CallID
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	m.publishStatus(callID, events.StatusConnected, "")
}

func (m *Machine) markPeer(peerID string, state events.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	if p, ok := m.session.participant(peerID); ok {
		p.Connection = state
	}
}

func (m *Machine) setStatus(callID string, status events.CallStatus, reason string) {
	m.mu.Lock()
	if m.session == nil || m.session.CallID != callID || m.session.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if m.session.Status == events.StatusConnected && status == events.StatusRinging {
		// Answer arrived before the offers finished going out.
		m.mu.Unlock()
		return
	}
	m.session.Status = status
	m.mu.Unlock()
	m.publishStatus(callID, status, reason)
}

func (m *Machine) publishStatus(callID string, status events.CallStatus, reason string) {
	m.bus.Status.Publish(events.StatusEvent{
		CallID: callID,
		Status: status,
		Reason: reason,
		At:     m.clk.Now(),
	})
}

func (m *Machine) hasActiveSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && !m.session.Status.Terminal()
}
