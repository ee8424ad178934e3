package storage

import (
	"database/sql"
	"fmt"

	"github.com/echo-im/echoclient/internal/conversation"
)

// AppendMessage persists one history row. Optimistic rows carry a local id
// and no server id until confirmed.
func (d *DB) AppendMessage(conversationID string, m conversation.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var serverID any
	if m.ID != 0 {
		serverID = m.ID
	}
	_, err := d.db.Exec(
		`INSERT INTO messages
			(conversation_id, server_id, local_id, sender_id, receiver_id, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, serverID, nullable(m.LocalID), m.SenderID, m.ReceiverID, m.Content, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ConfirmMessage attaches the server identity to a previously optimistic row.
func (d *DB) ConfirmMessage(conversationID, localID string, m conversation.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(
		`UPDATE messages SET server_id = ?, timestamp = ?
		 WHERE conversation_id = ? AND local_id = ? AND server_id IS NULL`,
		m.ID, m.Timestamp, conversationID, localID,
	)
	if err != nil {
		return fmt.Errorf("confirm message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// No optimistic row to confirm; store the echo as-is.
		return d.appendLocked(conversationID, m)
	}
	return nil
}

// Messages returns persisted history for a conversation, oldest first.
func (d *DB) Messages(conversationID string, limit int) ([]conversation.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT server_id, local_id, sender_id, receiver_id, content, timestamp
		 FROM messages WHERE conversation_id = ?
		 ORDER BY timestamp DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var m conversation.Message
		var serverID sql.NullInt64
		var localID sql.NullString
		if err := rows.Scan(&serverID, &localID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ID = serverID.Int64
		m.LocalID = localID.String
		m.Optimistic = !serverID.Valid
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteConversation drops persisted history for a conversation.
func (d *DB) DeleteConversation(conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

func (d *DB) appendLocked(conversationID string, m conversation.Message) error {
	var serverID any
	if m.ID != 0 {
		serverID = m.ID
	}
	_, err := d.db.Exec(
		`INSERT INTO messages
			(conversation_id, server_id, local_id, sender_id, receiver_id, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, serverID, nullable(m.LocalID), m.SenderID, m.ReceiverID, m.Content, m.Timestamp,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
