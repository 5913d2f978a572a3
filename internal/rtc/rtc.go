// Package rtc wraps peer media sessions behind a small interface so the
// call machine can be driven by a fake in tests and by pion in production.
package rtc

import "context"

// ConnState is the link-level connection state of a peer session.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateChecking     ConnState = "checking"
	ConnStateConnected    ConnState = "connected"
	ConnStateCompleted    ConnState = "completed"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// Established reports whether media can flow in this state.
func (s ConnState) Established() bool {
	return s == ConnStateConnected || s == ConnStateCompleted
}

// InProgress reports whether the link is actively negotiating.
func (s ConnState) InProgress() bool {
	return s == ConnStateChecking
}

// RemoteTrack identifies an inbound media track. Capture and playback are
// owned by the embedding application.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// Handlers receive session callbacks. All fields are optional. Callbacks
// fire on session-internal goroutines; receivers must not block.
type Handlers struct {
	OnConnectionState func(ConnState)
	OnLocalCandidate  func(candidate string)
	OnRemoteTrack     func(RemoteTrack)
}

// Session is a single negotiated peer link. Exactly one of CreateOffer or
// CreateAnswer is called per session, depending on call direction.
type Session interface {
	// CreateOffer produces the local SDP offer. Candidates trickle through
	// Handlers.OnLocalCandidate afterwards.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer and produces the local answer.
	CreateAnswer(ctx context.Context, offerSDP string) (string, error)

	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(answerSDP string) error

	// AddRemoteCandidate applies a serialized remote ICE candidate.
	AddRemoteCandidate(candidate string) error

	// ConnectionState reports the current link state.
	ConnectionState() ConnState

	// SetMuted flips the outbound-audio flag; Muted reads it back. The
	// capture layer checks the flag before feeding samples.
	SetMuted(muted bool)
	Muted() bool

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Dialer creates peer sessions.
type Dialer interface {
	NewSession(h Handlers) (Session, error)
}
