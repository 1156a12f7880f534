package peer

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// SDPValidationError reports a structurally unusable session
// description received from a peer.
type SDPValidationError struct {
	Reason string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("invalid SDP: %s", e.Reason)
}

// validateSDP rejects descriptions that could not possibly negotiate a
// working session before they reach the peer connection. Deeper syntax
// problems are left to pion's own parser.
func validateSDP(desc *webrtc.SessionDescription) error {
	if desc == nil || desc.SDP == "" {
		return &SDPValidationError{Reason: "empty description"}
	}
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return &SDPValidationError{Reason: fmt.Sprintf("unexpected type %q", desc.Type)}
	}

	var hasMedia, hasICE, hasDTLS bool
	for _, line := range strings.Split(desc.SDP, "\r\n") {
		switch {
		case strings.HasPrefix(line, "m=audio") || strings.HasPrefix(line, "m=video"):
			hasMedia = true
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			hasICE = true
		case strings.HasPrefix(line, "a=fingerprint:"):
			hasDTLS = true
		}
	}

	if !hasMedia {
		return &SDPValidationError{Reason: "no audio or video media section"}
	}
	if !hasICE {
		return &SDPValidationError{Reason: "missing ICE credentials"}
	}
	if !hasDTLS {
		return &SDPValidationError{Reason: "missing DTLS fingerprint"}
	}
	return nil
}
