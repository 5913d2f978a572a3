package call

import "slices"

// State represents a call signaling state.
type State string

const (
	// StateIdle means no call exists. Initial and terminal.
	StateIdle State = "IDLE"
	// StateOutgoingRinging means a local offer is out and unanswered.
	StateOutgoingRinging State = "OUTGOING_RINGING"
	// StateIncomingRinging means a remote invitation is pending locally.
	StateIncomingRinging State = "INCOMING_RINGING"
	// StateConnecting means link-level negotiation has been observed but no
	// answer has confirmed the call yet.
	StateConnecting State = "CONNECTING"
	// StateConnected means both sides agreed and media can flow.
	StateConnected State = "CONNECTED"
	// StateEnded means the call is over; the machine parks here briefly so
	// the UI can show a terminal message before clearing to idle.
	StateEnded State = "ENDED"
)

// Direction of the active call, relative to this peer.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateIdle:            {StateOutgoingRinging, StateIncomingRinging},
	StateOutgoingRinging: {StateConnecting, StateConnected, StateEnded, StateIdle},
	StateIncomingRinging: {StateConnected, StateEnded, StateIdle},
	StateConnecting:      {StateConnected, StateEnded, StateIdle},
	StateConnected:       {StateEnded, StateIdle},
	StateEnded:           {StateIdle},
}

// canTransition reports whether from -> to is a legal transition.
func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Active reports whether the state belongs to a live call record.
func (s State) Active() bool {
	return s != StateIdle
}

// StateChange is the payload delivered to listeners and published on the
// bus as call.state_changed.
type StateChange struct {
	State  State
	PeerID string
}
