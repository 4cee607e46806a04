package engine

// State is the lifecycle of the single call session.
type State int

const (
	StateIdle State = iota
	// StateIncomingPending: an invitation was surfaced and awaits the
	// user's accept; no session resources exist yet.
	StateIncomingPending
	// StateOutgoingPending: the invitation was sent; waiting for the
	// callee to accept and open negotiation.
	StateOutgoingPending
	StateNegotiating
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIncomingPending:
		return "incoming_pending"
	case StateOutgoingPending:
		return "outgoing_pending"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role records which side initiated the call. The accepting side opens
// SDP negotiation: it sends the Offer and the initiator answers.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// Session is the one live call the engine owns.
type Session struct {
	ID     string
	Target string
	Role   Role
	State  State

	VideoEnabled  bool
	AudioMuted    bool
	ScreenSharing bool

	// wasVideoBeforeShare remembers the camera state screen share
	// displaced, so stopping the share restores it.
	wasVideoBeforeShare bool
	// connectedOnce makes the Connected side effects single-fire even
	// when the capability repeats the connected signal.
	connectedOnce bool
}
