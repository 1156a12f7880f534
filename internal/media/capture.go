package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE

	"github.com/mirrasocial/callkit/internal/config"
)

// Capturer implements Controller on top of pion/mediadevices.
type Capturer struct {
	cfg      config.MediaConfig
	selector *mediadevices.CodecSelector
	log      *zap.Logger

	mu           sync.Mutex
	activeCamera string
}

// NewCapturer builds the codec selector (VP8 + Opus) and the capturer.
func NewCapturer(cfg config.MediaConfig, logger *zap.Logger) (*Capturer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &PlatformError{Op: "create VP8 encoder", Err: err}
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &PlatformError{Op: "create Opus encoder", Err: err}
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	return &Capturer{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: logger.Named("media"),
	}, nil
}

// CodecSelector exposes the selector so the peer layer can register the
// same codecs with its MediaEngine.
func (c *Capturer) CodecSelector() *mediadevices.CodecSelector { return c.selector }

// Acquire requests a capture stream: audio always, video only for video
// calls. Video failure degrades to audio-only rather than aborting.
func (c *Capturer) Acquire(ctx context.Context, kind Type) (Stream, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := c.CheckPermissions(Audio); err != nil {
		return nil, false, err
	}

	degraded := false
	wantVideo := kind.HasVideo()
	if wantVideo {
		if err := c.CheckPermissions(Video); err != nil {
			c.log.Warn("camera unavailable, degrading to audio-only", zap.Error(err))
			wantVideo = false
			degraded = true
		}
	}

	ms, err := c.getUserMedia(wantVideo)
	if err != nil && wantVideo {
		// Camera present but capture failed: retry without it.
		c.log.Warn("video capture failed, degrading to audio-only", zap.Error(err))
		degraded = true
		ms, err = c.getUserMedia(false)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire capture stream: %w", err)
	}

	s := &deviceStream{ms: ms}
	s.audioEnabled.Store(true)
	s.videoEnabled.Store(true)

	c.log.Info("acquired local stream",
		zap.String("kind", string(kind)),
		zap.Bool("degraded", degraded),
		zap.Int("audio_tracks", len(ms.GetAudioTracks())),
		zap.Int("video_tracks", len(ms.GetVideoTracks())))
	return s, degraded && kind.HasVideo(), nil
}

func (c *Capturer) getUserMedia(withVideo bool) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(48000)
			mc.SampleSize = prop.Int(16)
			mc.ChannelCount = prop.Int(1)
			mc.IsInterleaved = prop.BoolExact(true)
			mc.Latency = prop.Duration(time.Millisecond * 50)
		},
		Codec: c.selector,
	}
	if withVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			c.mu.Lock()
			if c.activeCamera != "" {
				mc.DeviceID = prop.String(c.activeCamera)
			}
			c.mu.Unlock()
			mc.Width = prop.Int(c.cfg.VideoWidth)
			mc.Height = prop.Int(c.cfg.VideoHeight)
			mc.FrameRate = prop.Float(c.cfg.VideoFramerate)
			mc.DiscardFramesOlderThan = 500 * time.Millisecond
		}
	}
	return mediadevices.GetUserMedia(constraints)
}

// Release stops every track of the stream. Errors during teardown are
// logged and swallowed so cleanup always completes.
func (c *Capturer) Release(s Stream) {
	if s == nil {
		return
	}
	for _, track := range s.Tracks() {
		if err := track.Close(); err != nil {
			c.log.Warn("failed to close capture track", zap.String("track", track.ID()), zap.Error(err))
		}
	}
	c.log.Debug("released local stream")
}

// SwitchCamera replaces the video track with the next available camera.
func (c *Capturer) SwitchCamera(ctx context.Context, s Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ds, ok := s.(*deviceStream)
	if !ok || ds == nil {
		return fmt.Errorf("stream was not acquired by this capturer")
	}

	cameras := enumerate(mediadevices.VideoInput)
	if len(cameras) < 2 {
		return fmt.Errorf("no alternate camera available")
	}

	c.mu.Lock()
	next := cameras[0].DeviceID
	for i, cam := range cameras {
		if cam.DeviceID == c.activeCamera {
			next = cameras[(i+1)%len(cameras)].DeviceID
			break
		}
	}
	c.activeCamera = next
	c.mu.Unlock()

	fresh, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(next)
			mc.Width = prop.Int(c.cfg.VideoWidth)
			mc.Height = prop.Int(c.cfg.VideoHeight)
			mc.FrameRate = prop.Float(c.cfg.VideoFramerate)
		},
		Codec: c.selector,
	})
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %w", next, err)
	}

	for _, old := range ds.ms.GetVideoTracks() {
		ds.ms.RemoveTrack(old)
		if err := old.Close(); err != nil {
			c.log.Warn("failed to close previous camera track", zap.Error(err))
		}
	}
	for _, track := range fresh.GetVideoTracks() {
		ds.ms.AddTrack(track)
	}
	c.log.Info("switched camera", zap.String("device_id", next))
	return nil
}

// CheckPermissions verifies a capture device of the requested kind is
// visible to the process. Device enumeration returning nothing is how
// both "denied" and "absent" manifest through the drivers.
func (c *Capturer) CheckPermissions(kind Type) error {
	if kind.HasVideo() {
		if len(enumerate(mediadevices.VideoInput)) == 0 {
			return &PermissionError{Device: "camera"}
		}
		return nil
	}
	if len(enumerate(mediadevices.AudioInput)) == 0 {
		return &PermissionError{Device: "microphone"}
	}
	return nil
}

// RequestPermissions triggers the OS prompt where one exists. The
// mediadevices drivers prompt on first open, so this re-checks after a
// throwaway enumeration.
func (c *Capturer) RequestPermissions(ctx context.Context, kind Type) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.CheckPermissions(kind)
}

func enumerate(kind mediadevices.MediaDeviceType) []mediadevices.MediaDeviceInfo {
	var out []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// deviceStream wraps a mediadevices stream with enablement flags.
type deviceStream struct {
	ms           mediadevices.MediaStream
	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
}

func (s *deviceStream) AudioTracks() []mediadevices.Track { return s.ms.GetAudioTracks() }
func (s *deviceStream) VideoTracks() []mediadevices.Track { return s.ms.GetVideoTracks() }
func (s *deviceStream) Tracks() []mediadevices.Track      { return s.ms.GetTracks() }

func (s *deviceStream) SetAudioEnabled(v bool) { s.audioEnabled.Store(v) }
func (s *deviceStream) SetVideoEnabled(v bool) { s.videoEnabled.Store(v) }
func (s *deviceStream) AudioEnabled() bool     { return s.audioEnabled.Load() }
func (s *deviceStream) VideoEnabled() bool     { return s.videoEnabled.Load() }
