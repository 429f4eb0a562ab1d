package session

import (
	"context"

	"github.com/bt-bridge/tutor-session/shared"
)

// SessionProfile identifies the tutoring conversation a transport is opened
// for. The connection layer turns it into the endpoint session config.
type SessionProfile struct {
	ScenarioID  string
	Level       string
	UserContext map[string]string
}

// TransportCallbacks funnel transport-side events into the session core.
// All callbacks may fire from transport goroutines.
type TransportCallbacks struct {
	OnConnectionState func(state PeerConnectionState)
	OnChannelState    func(state DataChannelState)
	OnMessage         func(data []byte)
}

// Transport is the peer connection and data channel a session runs over.
// One instance serves one session: a failed transport is never reused, the
// factory builds a fresh one for the next attempt.
type Transport interface {
	// Open negotiates the connection and resolves once the data channel is
	// open. Bounded by ctx.
	Open(ctx context.Context) error
	// Close tears down channel and connection, idempotently, releasing local
	// media. Bounded by ctx; past it resources are force-released.
	Close(ctx context.Context) error
	// Send writes one frame to the data channel.
	Send(data []byte) error

	ConnectionState() PeerConnectionState
	ChannelState() DataChannelState
	LocalMediaActive() bool
	ChannelTransitions() []ChannelTransition
}

// TransportFactory builds a fresh Transport for one session attempt.
type TransportFactory func(logger shared.LoggerAdapter, profile SessionProfile, cb TransportCallbacks) (Transport, error)
