package signaling

import (
	"context"
)

// ICEServer is a STUN/TURN server supplied by configuration.
type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// MediaConfig describes the local media/connection context to acquire when
// a session starts.
type MediaConfig struct {
	ICEServers []ICEServer

	// DataChannel, when non-empty, is the label of a data channel created
	// by the initiator so the offer carries an application section.
	DataChannel string

	// ReceiveAudio / ReceiveVideo add receive-only transceivers.
	ReceiveAudio bool
	ReceiveVideo bool
}

// OfferOptions tunes offer creation.
type OfferOptions struct {
	// ICERestart regenerates ICE credentials (renegotiation only).
	ICERestart bool
}

// ConnectionState mirrors RTCPeerConnectionState.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine acquires media connections. It wraps the underlying media stack.
type Engine interface {
	Open(ctx context.Context, cfg MediaConfig) (Connection, error)
}

// Connection is the per-session handle on the media connection engine.
//
// Calls may block; the orchestrator never issues two calls on the same
// Connection concurrently. Callbacks may fire on any goroutine.
type Connection interface {
	CreateOffer(ctx context.Context, opts OfferOptions) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, d Description) error
	SetRemoteDescription(ctx context.Context, d Description) error

	// AddICECandidate applies a remote candidate; nil means end of candidates.
	AddICECandidate(ctx context.Context, c *Candidate) error

	// OnLocalCandidate registers the local candidate callback. A nil
	// candidate signals the end of gathering.
	OnLocalCandidate(fn func(*Candidate))
	OnConnectionStateChange(fn func(ConnectionState))

	Close() error
}

// Sender delivers messages to the remote role of a session.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
