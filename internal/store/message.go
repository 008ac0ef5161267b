package store

import (
	"database/sql"
	"fmt"
)

// InsertMessage stores a new locally originated message. The (room, id)
// pair must be fresh; duplicates are an error because local ids are
// assigned by NextMessageID.
func (db *DB) InsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (room_id, id, message, sender_id, receiver_id,
			sent_time, received_time, status, sent_in_offline_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RoomID, m.ID, m.Message, m.SenderID, m.ReceiverID,
		m.SentTime, m.ReceivedTime, int(m.Status), m.SentInOfflineMode)
	return err
}

// InsertMessageIgnore stores a remotely originated message unless the id
// already exists locally. Local state is authoritative for anything in
// flight, so an existing row is never overwritten. Returns whether a row
// was inserted.
func (db *DB) InsertMessageIgnore(m *Message) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO messages (room_id, id, message, sender_id, receiver_id,
			sent_time, received_time, status, sent_in_offline_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, id) DO NOTHING`,
		m.RoomID, m.ID, m.Message, m.SenderID, m.ReceiverID,
		m.SentTime, m.ReceivedTime, int(m.Status), m.SentInOfflineMode)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns the room's messages in id order.
func (db *DB) ListMessages(roomID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT room_id, id, message, sender_id, receiver_id,
			sent_time, received_time, status, sent_in_offline_mode
		FROM messages WHERE room_id = ? ORDER BY id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var status int
		if err := rows.Scan(&m.RoomID, &m.ID, &m.Message, &m.SenderID, &m.ReceiverID,
			&m.SentTime, &m.ReceivedTime, &status, &m.SentInOfflineMode); err != nil {
			return nil, err
		}
		m.Status = ClampStatus(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one message, or nil when absent.
func (db *DB) GetMessage(roomID string, id int) (*Message, error) {
	var m Message
	var status int
	err := db.QueryRow(`
		SELECT room_id, id, message, sender_id, receiver_id,
			sent_time, received_time, status, sent_in_offline_mode
		FROM messages WHERE room_id = ? AND id = ?`, roomID, id).
		Scan(&m.RoomID, &m.ID, &m.Message, &m.SenderID, &m.ReceiverID,
			&m.SentTime, &m.ReceivedTime, &status, &m.SentInOfflineMode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Status = ClampStatus(status)
	return &m, nil
}

// LastMessage returns the highest-id message of a room, or nil.
func (db *DB) LastMessage(roomID string) (*Message, error) {
	var maxID sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(id) FROM messages WHERE room_id = ?`, roomID).Scan(&maxID); err != nil {
		return nil, err
	}
	if !maxID.Valid {
		return nil, nil
	}
	return db.GetMessage(roomID, int(maxID.Int64))
}

// MessageIDs returns the set of message ids known locally for a room.
func (db *DB) MessageIDs(roomID string) (map[int]bool, error) {
	rows, err := db.Query(`SELECT id FROM messages WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// NextMessageID assigns the next room-scoped message id: last known
// local max + 1, starting at 1 for an empty room.
func (db *DB) NextMessageID(roomID string) (int, error) {
	var maxID sql.NullInt64
	err := db.QueryRow(`SELECT MAX(id) FROM messages WHERE room_id = ?`, roomID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("next message id: %w", err)
	}
	return int(maxID.Int64) + 1, nil
}

// AdvanceMessageStatus moves a message's status forward. The guard keeps
// status monotone: a lower or equal value never overwrites a higher one.
// ReceivedTime is stamped when provided.
func (db *DB) AdvanceMessageStatus(roomID string, id int, status MessageStatus, receivedTime int64) error {
	if receivedTime > 0 {
		_, err := db.Exec(`
			UPDATE messages SET status = ?, received_time = ?
			WHERE room_id = ? AND id = ? AND status < ?`,
			int(status), receivedTime, roomID, id, int(status))
		return err
	}
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE room_id = ? AND id = ? AND status < ?`,
		int(status), roomID, id, int(status))
	return err
}
