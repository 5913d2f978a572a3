package store

import "time"

// InsertMessage stores a message if it is not already present. Returns true
// when the row was freshly inserted and false when (peer_id, msg_id) was a
// duplicate. At-least-once transports redeliver, so duplicates are routine.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (peer_id, msg_id, sender, recipient, content, kind, from_self, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, msg_id) DO NOTHING`,
		m.PeerID, m.MsgID, m.Sender, m.Recipient, m.Content, m.Kind, m.FromSelf, m.Status, m.Timestamp, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(peerID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, peer_id, msg_id, sender, recipient, content, kind, from_self, status, timestamp
		FROM messages
		WHERE peer_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, peerID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.PeerID, &m.MsgID, &m.Sender, &m.Recipient, &m.Content, &m.Kind, &m.FromSelf, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountConversations returns the number of stored conversations.
func (db *DB) CountConversations() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}
