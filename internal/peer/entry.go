package peer

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/media"
)

// Entry owns the peer connection for one remote participant. The local
// stream is shared by reference and never released here; the remote
// aggregate is exclusively owned. Entries are individually disposable
// so a participant can leave a group call without touching the rest.
type Entry struct {
	peerID string
	pc     *webrtc.PeerConnection
	local  media.Stream
	kind   media.Type
	remote *RemoteMedia

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Remote returns the remote track aggregate for this peer.
func (e *Entry) Remote() *RemoteMedia { return e.remote }

// close disposes the peer connection. Idempotent; teardown errors are
// logged and swallowed so one misbehaving peer cannot block cleanup of
// the rest of the session.
func (e *Entry) close(log *zap.Logger) {
	e.closeOnce.Do(func() {
		e.cancel()
		if err := e.pc.Close(); err != nil {
			log.Warn("failed to close peer connection",
				zap.String("peer_id", e.peerID), zap.Error(err))
		}
	})
}

// RemoteMedia aggregates inbound tracks from one peer.
type RemoteMedia struct {
	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteMedia) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// Tracks returns a snapshot of received remote tracks.
func (r *RemoteMedia) Tracks() []*webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// AudioTracks filters the aggregate down to audio.
func (r *RemoteMedia) AudioTracks() []*webrtc.TrackRemote {
	return r.filter(webrtc.RTPCodecTypeAudio)
}

// VideoTracks filters the aggregate down to video.
func (r *RemoteMedia) VideoTracks() []*webrtc.TrackRemote {
	return r.filter(webrtc.RTPCodecTypeVideo)
}

func (r *RemoteMedia) filter(kind webrtc.RTPCodecType) []*webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*webrtc.TrackRemote
	for _, t := range r.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
