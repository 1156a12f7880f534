// Package media acquires and releases local capture streams behind a
// platform-neutral Controller interface.
package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
)

// Type is the media profile of a call.
type Type string

const (
	Audio Type = "audio"
	Video Type = "video"
)

// HasVideo reports whether the profile includes a camera track.
func (t Type) HasVideo() bool { return t == Video }

// Stream is an acquired local capture stream. Track enablement is
// toggled here and honored by the peer layer's forwarders; the
// underlying capture keeps running so re-enabling is instant.
type Stream interface {
	AudioTracks() []mediadevices.Track
	VideoTracks() []mediadevices.Track
	Tracks() []mediadevices.Track

	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	AudioEnabled() bool
	VideoEnabled() bool
}

// Controller is the capture capability of the current platform.
// Acquire's second result reports graceful degradation: true when video
// was requested but only audio could be captured.
type Controller interface {
	Acquire(ctx context.Context, kind Type) (Stream, bool, error)
	// Release stops every track. Must be called exactly once per
	// acquired stream; the session owner is responsible for that.
	Release(s Stream)
	SwitchCamera(ctx context.Context, s Stream) error
	CheckPermissions(kind Type) error
	RequestPermissions(ctx context.Context, kind Type) error
}

// PermissionError means the user or OS denied a capture device.
type PermissionError struct {
	Device string // "microphone" or "camera"
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s access denied", e.Device)
}

// PlatformError means the platform lacks a required capability
// entirely; the operation is not retried.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform cannot %s: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }
