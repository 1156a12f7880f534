package peer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mirrasocial/callkit/internal/media"
)

const forwardMTU = 1200

// wireLocalTracks attaches every local capture track to the peer
// connection and starts a forwarder goroutine per track. Forwarders
// stop when the entry context is cancelled.
func (m *Manager) wireLocalTracks(ctx context.Context, entry *Entry) error {
	if entry.local == nil {
		return nil
	}

	tracks := entry.local.AudioTracks()
	if entry.kind.HasVideo() {
		tracks = append(tracks, entry.local.VideoTracks()...)
	}

	for _, track := range tracks {
		if err := m.forwardTrack(ctx, entry, track); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) forwardTrack(ctx context.Context, entry *Entry, src mediadevices.Track) error {
	capability, streamID, err := trackCapability(src)
	if err != nil {
		return err
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, streamID, "callkit-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to create local %s track: %w", streamID, err)
	}

	sender, err := entry.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", streamID, err)
	}

	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		return fmt.Errorf("no encodings negotiated for %s track", streamID)
	}
	ssrc := uint32(params.Encodings[0].SSRC)

	reader, err := src.NewRTPReader(capability.MimeType, ssrc, forwardMTU)
	if err != nil {
		return fmt.Errorf("failed to open RTP reader for %s track: %w", streamID, err)
	}

	go m.drainRTCP(ctx, entry.peerID, sender)
	go m.pumpRTP(ctx, entry, src, reader, local, streamID)
	return nil
}

// pumpRTP forwards encoded packets until the entry is disposed. Packets
// are dropped, not buffered, while the track is disabled; the encoder
// keeps running so re-enabling resumes instantly.
func (m *Manager) pumpRTP(ctx context.Context, entry *Entry, src mediadevices.Track, reader mediadevices.RTPReadCloser, dst *webrtc.TrackLocalStaticRTP, streamID string) {
	defer func() {
		if err := reader.Close(); err != nil {
			m.log.Debug("failed to close RTP reader", zap.Error(err))
		}
	}()

	writePacket := func(pkt *rtp.Packet) error {
		return dst.WriteRTP(pkt)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkts, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			m.log.Warn("RTP read failed, stopping forwarder",
				zap.String("peer_id", entry.peerID),
				zap.String("stream", streamID),
				zap.Error(err))
			return
		}

		if !trackEnabled(entry.local, src) {
			release()
			continue
		}

		for _, pkt := range pkts {
			if err := writePacket(pkt); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					release()
					return
				}
				m.log.Debug("RTP write failed",
					zap.String("peer_id", entry.peerID),
					zap.String("stream", streamID),
					zap.Error(err))
			}
		}
		release()
	}
}

// drainRTCP reads and discards feedback so interceptors keep running.
func (m *Manager) drainRTCP(ctx context.Context, peerID string, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func trackCapability(src mediadevices.Track) (webrtc.RTPCodecCapability, string, error) {
	switch src.Kind() {
	case webrtc.RTPCodecTypeAudio:
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, "audio", nil
	case webrtc.RTPCodecTypeVideo:
		return webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", nil
	default:
		return webrtc.RTPCodecCapability{}, "", fmt.Errorf("unsupported track kind %s", src.Kind())
	}
}

func trackEnabled(local media.Stream, src mediadevices.Track) bool {
	if local == nil {
		return true
	}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		return local.VideoEnabled()
	}
	return local.AudioEnabled()
}
