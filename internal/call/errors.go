package call

import "errors"

var (
	// ErrAlreadyInCall is returned by InitiateCall when a call record
	// already exists, in any direction or state.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrNoIncomingCall is returned by AnswerCall and RejectCall when no
	// incoming invitation is ringing.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNoActiveCall is returned by ToggleMute when no session exists.
	ErrNoActiveCall = errors.New("no active call")

	// ErrPeerSession wraps offer/answer construction failures from the peer
	// session transport. A call that hits one is torn down.
	ErrPeerSession = errors.New("peer session failure")
)
