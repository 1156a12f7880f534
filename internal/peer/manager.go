// Package peer owns one WebRTC peer connection per remote participant:
// construction against the current ICE configuration, local track
// wiring, offer/answer exchange, trickled candidates, and idempotent
// disposal.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/media"
	"github.com/mirrasocial/callkit/internal/signaling"
)

// SignalSender forwards locally generated signaling (offers, answers,
// candidates) toward the addressed peer.
type SignalSender interface {
	Send(ctx context.Context, env signaling.Envelope) error
}

// ICEProvider supplies the current ICE server list. Never fails; at
// worst it returns STUN-only.
type ICEProvider interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// StateHandler observes per-peer connectivity transitions.
type StateHandler func(peerID string, state webrtc.PeerConnectionState)

// TrackHandler observes inbound remote tracks as they attach.
type TrackHandler func(peerID string, track *webrtc.TrackRemote)

// Manager maintains the peerId → Entry map for the active session.
type Manager struct {
	api  *webrtc.API
	ice  ICEProvider
	send SignalSender
	log  *zap.Logger

	onState StateHandler
	onTrack TrackHandler

	mu      sync.Mutex
	callID  string
	local   media.Stream
	kind    media.Type
	entries map[string]*Entry
}

// NewManager builds the WebRTC API shared by all peer connections. The
// codec selector must be the one the capture layer encodes with; nil
// falls back to pion's defaults. A failure here means the platform
// cannot do WebRTC at all and is surfaced as a PlatformError.
func NewManager(selector *mediadevices.CodecSelector, ice ICEProvider, send SignalSender, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, &media.PlatformError{Op: "register codecs", Err: err}
	}
	if selector != nil {
		selector.Populate(&mediaEngine)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	return &Manager{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(&mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		ice:     ice,
		send:    send,
		log:     logger.Named("peer"),
		entries: make(map[string]*Entry),
	}, nil
}

// OnState registers the connectivity observer. Call before Bind.
func (m *Manager) OnState(h StateHandler) { m.onState = h }

// OnTrack registers the remote track observer. Call before Bind.
func (m *Manager) OnTrack(h TrackHandler) { m.onTrack = h }

// Bind scopes the manager to one call session: its id, the shared
// local stream, and the call's media profile.
func (m *Manager) Bind(callID string, local media.Stream, kind media.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callID = callID
	m.local = local
	m.kind = kind
}

// Unbind drops the session scope and disposes every entry.
func (m *Manager) Unbind() {
	m.CloseAll()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callID = ""
	m.local = nil
}

// Create allocates a peer connection for peerID, wires local tracks in,
// and registers the candidate/state/track handlers. Idempotent: an
// existing entry is left untouched.
func (m *Manager) Create(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if _, ok := m.entries[peerID]; ok {
		m.mu.Unlock()
		return nil
	}
	callID, local, kind := m.callID, m.local, m.kind
	m.mu.Unlock()

	if callID == "" {
		return fmt.Errorf("no session bound")
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         m.ice.ICEServers(ctx),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return &media.PlatformError{Op: "create peer connection", Err: err}
	}

	entryCtx, cancel := context.WithCancel(context.Background())
	entry := &Entry{
		peerID: peerID,
		pc:     pc,
		local:  local,
		kind:   kind,
		remote: &RemoteMedia{},
		cancel: cancel,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete.
			return
		}
		env, err := signaling.NewEnvelope(signaling.TypeCandidate, callID, peerID,
			signaling.Candidate{Candidate: candidate.ToJSON()})
		if err != nil {
			m.log.Warn("failed to build candidate message", zap.Error(err))
			return
		}
		if err := m.send.Send(entryCtx, env); err != nil {
			m.log.Warn("failed to send ICE candidate",
				zap.String("peer_id", peerID), zap.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Info("peer connection state changed",
			zap.String("peer_id", peerID), zap.String("state", state.String()))
		if m.onState != nil {
			m.onState(peerID, state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.Info("received remote track",
			zap.String("peer_id", peerID),
			zap.String("track", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		entry.remote.add(track)
		if m.onTrack != nil {
			m.onTrack(peerID, track)
		}
	})

	if err := m.wireLocalTracks(entryCtx, entry); err != nil {
		cancel()
		if cErr := pc.Close(); cErr != nil {
			m.log.Warn("failed to close half-built peer connection", zap.Error(cErr))
		}
		return fmt.Errorf("failed to wire local tracks for %s: %w", peerID, err)
	}

	// Re-check under the lock: a reconnect rebuild and an inbound offer
	// can race here, and the loser's connection must not leak.
	m.mu.Lock()
	if _, ok := m.entries[peerID]; ok {
		m.mu.Unlock()
		entry.close(m.log)
		m.log.Debug("discarding duplicate peer connection", zap.String("peer_id", peerID))
		return nil
	}
	m.entries[peerID] = entry
	m.mu.Unlock()

	m.log.Info("created peer connection", zap.String("peer_id", peerID))
	return nil
}

// SendOffer starts the offer/answer exchange toward peerID.
func (m *Manager) SendOffer(ctx context.Context, peerID string) error {
	entry, err := m.entry(peerID)
	if err != nil {
		return err
	}

	offer, err := entry.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer for %s: %w", peerID, err)
	}
	if err := entry.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description for %s: %w", peerID, err)
	}

	env, err := signaling.NewEnvelope(signaling.TypeOffer, m.currentCallID(), peerID,
		signaling.Offer{SDP: *entry.pc.LocalDescription()})
	if err != nil {
		return err
	}
	return m.send.Send(ctx, env)
}

// HandleOffer answers an inbound offer. A missing entry is created on
// demand, which is how a client is pulled into an existing group call.
func (m *Manager) HandleOffer(ctx context.Context, peerID string, offer signaling.Offer) error {
	if err := validateSDP(&offer.SDP); err != nil {
		return fmt.Errorf("rejecting offer from %s: %w", peerID, err)
	}

	if err := m.Create(ctx, peerID); err != nil {
		return err
	}
	entry, err := m.entry(peerID)
	if err != nil {
		return err
	}

	if err := entry.pc.SetRemoteDescription(offer.SDP); err != nil {
		return fmt.Errorf("failed to set remote offer from %s: %w", peerID, err)
	}

	answer, err := entry.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer for %s: %w", peerID, err)
	}
	if err := entry.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer for %s: %w", peerID, err)
	}

	env, err := signaling.NewEnvelope(signaling.TypeAnswer, m.currentCallID(), peerID,
		signaling.Answer{SDP: *entry.pc.LocalDescription()})
	if err != nil {
		return err
	}
	return m.send.Send(ctx, env)
}

// HandleAnswer completes a locally initiated exchange.
func (m *Manager) HandleAnswer(peerID string, answer signaling.Answer) error {
	if err := validateSDP(&answer.SDP); err != nil {
		return fmt.Errorf("rejecting answer from %s: %w", peerID, err)
	}
	entry, err := m.entry(peerID)
	if err != nil {
		return err
	}
	if err := entry.pc.SetRemoteDescription(answer.SDP); err != nil {
		return fmt.Errorf("failed to set remote answer from %s: %w", peerID, err)
	}
	return nil
}

// AddCandidate applies a trickled remote candidate. Candidates for an
// unknown peer are dropped: per-peer ordering guarantees the offer
// arrives first, so anything else is a stray from a dead session.
func (m *Manager) AddCandidate(peerID string, cand signaling.Candidate) error {
	entry, err := m.entry(peerID)
	if err != nil {
		m.log.Debug("dropping candidate for unknown peer", zap.String("peer_id", peerID))
		return nil
	}
	if err := entry.pc.AddICECandidate(cand.Candidate); err != nil {
		return fmt.Errorf("failed to add candidate from %s: %w", peerID, err)
	}
	return nil
}

// Rebuild tears down and recreates the connection to one peer, sending
// a fresh offer so renegotiation restores media flow.
func (m *Manager) Rebuild(ctx context.Context, peerID string) error {
	m.Close(peerID)
	if err := m.Create(ctx, peerID); err != nil {
		return err
	}
	return m.SendOffer(ctx, peerID)
}

// Remote returns the remote media aggregate for peerID, or nil.
func (m *Manager) Remote(peerID string) *RemoteMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[peerID]; ok {
		return e.remote
	}
	return nil
}

// Peers lists peer ids with live entries.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// Close disposes one entry. Safe to call for unknown peers and safe to
// call twice.
func (m *Manager) Close(peerID string) {
	m.mu.Lock()
	entry, ok := m.entries[peerID]
	delete(m.entries, peerID)
	m.mu.Unlock()

	if ok {
		entry.close(m.log)
		m.log.Info("closed peer connection", zap.String("peer_id", peerID))
	}
}

// CloseAll disposes every entry.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.close(m.log)
	}
}

func (m *Manager) entry(peerID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[peerID]
	if !ok {
		return nil, fmt.Errorf("no peer connection for %s", peerID)
	}
	return entry, nil
}

func (m *Manager) currentCallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}
