// Package transport defines the store-and-forward boundary the sync engine
// polls, plus the HTTP relay implementation used in production.
package transport

import "context"

// RawMessage is a message as it crosses the store-and-forward transport.
// ID is assigned by the sending client and echoed back by the relay, which
// is what lets a receiver dedup redeliveries and its own sent echoes.
type RawMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Adapter is the store-and-forward transport boundary. Delivery is
// at-least-once and unordered; callers own deduplication.
type Adapter interface {
	// Send deposits a message for the recipient. A returned error means the
	// relay did not accept the message.
	Send(ctx context.Context, msg RawMessage) error

	// Poll drains messages waiting in the caller's inbox. Messages stay
	// queued until acknowledged, so a poll may repeat ids seen before.
	Poll(ctx context.Context) ([]RawMessage, error)

	// AckDelivered marks inbox messages as delivered so the relay stops
	// redelivering them.
	AckDelivered(ctx context.Context, ids []string) error
}
