package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds in use:
//
//	message.sent          payload *store.Message
//	message.received      payload *store.Message
//	conversation.updated  payload peer id string
//	call.state_changed    payload call.StateChange
//	wake.net              transport reachability restored
//	wake.foreground       app became visible
//	sync.poll_completed   payload new message count
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
