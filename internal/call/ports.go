package call

import (
	"context"

	"github.com/mirrasocial/callkit/internal/backend"
	"github.com/mirrasocial/callkit/internal/media"
	"github.com/mirrasocial/callkit/internal/signaling"
)

// Backend is the slice of the REST client the machine drives.
type Backend interface {
	CreateCall(ctx context.Context, req backend.CreateCallRequest) (*backend.Call, error)
	AnswerCall(ctx context.Context, callID string, verdict backend.AnswerVerdict) error
	EndCall(ctx context.Context, callID string) error
}

// Signaler sends outbound envelopes and scopes inbound demultiplexing.
type Signaler interface {
	Send(ctx context.Context, env signaling.Envelope) error
	SetActiveCall(callID string)
	ClearActiveCall()
}

// Peers is the per-participant connection surface.
type Peers interface {
	Bind(callID string, local media.Stream, kind media.Type)
	Unbind()
	Create(ctx context.Context, peerID string) error
	SendOffer(ctx context.Context, peerID string) error
	HandleOffer(ctx context.Context, peerID string, offer signaling.Offer) error
	HandleAnswer(peerID string, answer signaling.Answer) error
	AddCandidate(peerID string, cand signaling.Candidate) error
	Close(peerID string)
}

// Reconnector supervises per-peer retry budgets.
type Reconnector interface {
	Start(callID string)
	Stop()
	PeerConnected(peerID string)
	PeerLost(peerID string)
	OnExhausted(func(peerID string))
}

// ICESink receives server-pushed ICE configuration updates.
type ICESink interface {
	ApplyServerUpdate(urls []string, username, credential string, ttlSeconds int)
}
