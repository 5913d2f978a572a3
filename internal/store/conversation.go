package store

import (
	"database/sql"
	"time"
)

// EnsureConversation creates the conversation row for a peer if it does not
// exist yet. Existing rows are left untouched.
func (db *DB) EnsureConversation(peerID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO NOTHING`,
		peerID, now, now)
	return err
}

// TouchConversation advances last_message_at and the preview. Messages can
// arrive out of order, so older timestamps never regress the stored values.
func (db *DB) TouchConversation(peerID string, messageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		peerID, messageAt, preview, now, now)
	return err
}

// IncrementUnread bumps the unread counter for a conversation.
func (db *DB) IncrementUnread(peerID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE peer_id = ?`, peerID)
	return err
}

// MarkConversationRead resets the unread counter for a conversation.
func (db *DB) MarkConversationRead(peerID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE peer_id = ?`, peerID)
	return err
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT peer_id, unread_count, last_message_at, last_message_preview, created_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerID, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by peer id.
func (db *DB) GetConversation(peerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT peer_id, unread_count, last_message_at, last_message_preview, created_at
		FROM conversations
		WHERE peer_id = ?`, peerID).
		Scan(&c.PeerID, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
