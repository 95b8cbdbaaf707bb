package signaling

import "fmt"

// Role is the side of the session an orchestrator plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ParseRole accepts the canonical role names plus the aliases used by the
// CLI ("offer"/"host" and "answer"/"client").
func ParseRole(s string) (Role, error) {
	switch s {
	case "initiator", "offer", "host":
		return RoleInitiator, nil
	case "responder", "answer", "client":
		return RoleResponder, nil
	default:
		return "", fmt.Errorf("invalid role %q: must be initiator or responder", s)
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// State is the negotiation state of a session.
type State int

const (
	StateIdle State = iota
	StateAwaitingOffer
	StateNegotiating
	StateAwaitingAnswer
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a consistent view of a session's negotiation progress.
type Snapshot struct {
	ID                   string
	Role                 Role
	State                State
	Round                int
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
	PendingCandidates    int
}
