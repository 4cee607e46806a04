// Package media defines the capability boundary the negotiation engine
// drives: an opaque peer-connection that accepts remote descriptions,
// produces local descriptions and ICE candidates, and reports
// connection-state transitions. Capture devices, codecs and rendering
// live behind it.
package media

import "errors"

var (
	// ErrPermissionDenied is returned when screen capture is requested
	// without a grant token. The session keeps running.
	ErrPermissionDenied = errors.New("screen capture permission denied")
	ErrSessionClosed    = errors.New("media session closed")
)

// State mirrors the peer-connection states the engine cares about.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SDPKind tags a session description.
type SDPKind string

const (
	SDPOffer  SDPKind = "offer"
	SDPAnswer SDPKind = "answer"
)

// RemoteTrack describes an inbound media track surfaced to the
// presentation layer.
type RemoteTrack struct {
	Kind     string
	ID       string
	StreamID string
}

// Session is one peer-connection lifetime. Callbacks fire on capability
// goroutines; callers marshal them onto their own execution context.
type Session interface {
	CreateOffer() (sdp string, err error)
	CreateAnswer() (sdp string, err error)
	SetRemoteDescription(kind SDPKind, sdp string) error
	// AddICECandidate applies a remote candidate given as the JSON
	// encoding of its init struct.
	AddICECandidate(candidate string) error

	OnICECandidate(func(candidate string))
	OnConnectionStateChange(func(State))
	OnRemoteTrack(func(RemoteTrack))

	ToggleAudio(muted bool) error
	ToggleVideo(muted bool) error
	SwitchCamera() error
	StartScreenCapture(permissionToken string) error
	StopScreenCapture() error

	Close() error
}

// Factory builds a fresh Session. The engine re-creates its session
// after every call so the process is immediately ready for the next one.
type Factory func() (Session, error)
