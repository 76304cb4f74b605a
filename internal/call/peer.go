package call

import (
	"context"
	"encoding/json"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

// ConnState is the transport connectivity reported by a Peer.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Peer is the media side of a link. Session descriptions and candidates are
// carried as opaque JSON. Callbacks must not be invoked from inside a Peer
// method call.
type Peer interface {
	AcquireMedia(ctx context.Context) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer applies offer as the remote description and returns the
	// applied local answer.
	CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	SetRemoteAnswer(ctx context.Context, answer json.RawMessage) error
	// Rollback discards a local offer that has not been answered.
	Rollback(ctx context.Context) error
	AddICECandidate(ctx context.Context, candidate json.RawMessage) error
	SetScreenShare(ctx context.Context, on bool) error
	OnConnectionState(fn func(ConnState))
	OnICECandidate(fn func(json.RawMessage))
	// Close releases captured media and the transport.
	Close() error
}

// Signaler delivers envelopes to the remote side, normally through the
// signaling relay.
type Signaler interface {
	Signal(ctx context.Context, env *domain.SignalEnvelope) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(ctx context.Context, env *domain.SignalEnvelope) error

func (f SignalerFunc) Signal(ctx context.Context, env *domain.SignalEnvelope) error {
	return f(ctx, env)
}
