package store

// SearchMessages performs a full-text search on message content.
func (db *DB) SearchMessages(query string, peerID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.peer_id, m.msg_id, m.sender, m.recipient, m.content,
		       m.kind, m.from_self, m.status, m.timestamp,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if peerID != "" {
		q += " AND m.peer_id = ?"
		args = append(args, peerID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.PeerID, &r.Message.MsgID,
			&r.Message.Sender, &r.Message.Recipient, &r.Message.Content,
			&r.Message.Kind, &r.Message.FromSelf, &r.Message.Status,
			&r.Message.Timestamp, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
