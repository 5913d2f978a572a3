package store

// Conversation represents a message thread with a single remote peer.
type Conversation struct {
	PeerID             string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	CreatedAt          int64
}

// Message represents a stored message. Rows are immutable once inserted;
// (peer_id, msg_id) is the dedup key.
type Message struct {
	ID        int64
	PeerID    string
	MsgID     string
	Sender    string
	Recipient string
	Content   string
	Kind      string // text, file
	FromSelf  bool
	Status    string // sent, delivered, received
	Timestamp int64
}

// Message status values.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusReceived  = "received"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
