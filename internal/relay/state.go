package relay

import (
	"context"
	"time"

	"worldsync.gg/internal/protocol"
)

// State is the lifecycle of a single relay connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is the aggregate health of a Manager: connected while any
// link is fully up, connecting while any link is still trying,
// disconnected otherwise.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SignFunc answers an auth challenge. Key material stays with the
// embedding client; this package only ever sees the signature.
type SignFunc func(ctx context.Context, challenge string) (string, error)

// Listener receives manager notifications. Every method is invoked
// from the manager's event goroutine and must not block; hand off to
// your own goroutine for slow work.
type Listener interface {
	// OnStatus reports aggregate status transitions.
	OnStatus(status Status)
	// OnPrimary reports primary elections. The endpoint is empty only
	// while no connection is connected.
	OnPrimary(endpoint string)
	// OnConnState reports per-connection lifecycle transitions.
	OnConnState(endpoint string, state State)
	// OnMessage delivers routed application messages: per-connection
	// kinds unconditionally, peer positions from the primary only,
	// identified broadcasts once per msg_id.
	OnMessage(endpoint string, msg protocol.Message)
	// OnRTT reports a fresh round-trip measurement for one endpoint.
	OnRTT(endpoint string, rtt time.Duration)
	// OnError surfaces connection-level failures worth showing, such
	// as a rejected handshake. The connection keeps cycling.
	OnError(endpoint string, err error)
}

type eventKind int

const (
	eventState eventKind = iota
	eventMessage
	eventRTT
	eventError
)

// event is the fan-in unit from connections to the manager loop.
type event struct {
	kind     eventKind
	endpoint string
	state    State
	msg      protocol.Message
	rtt      time.Duration
	err      error
}
