package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnsureRoom inserts a room if it does not exist yet. Existing rows are
// left untouched so re-discovery of a known room is a no-op.
func (db *DB) EnsureRoom(r *Room) error {
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, owner_account_id, last_message_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO NOTHING`,
		r.RoomID, r.OwnerAccountID, r.LastMessageUpdatedAt)
	return err
}

// GetRoom returns a single room by id, or nil when absent.
func (db *DB) GetRoom(roomID string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT room_id, owner_account_id, last_message_updated_at
		FROM rooms WHERE room_id = ?`, roomID).
		Scan(&r.RoomID, &r.OwnerAccountID, &r.LastMessageUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TouchRoom advances the room's last-message timestamp. Older timestamps
// never overwrite newer ones.
func (db *DB) TouchRoom(roomID string, at int64) error {
	_, err := db.Exec(`
		UPDATE rooms SET last_message_updated_at = ?
		WHERE room_id = ? AND last_message_updated_at < ?`, at, roomID, at)
	return err
}

// ListRoomIDs returns all known room ids.
func (db *DB) ListRoomIDs() ([]string, error) {
	rows, err := db.Query(`SELECT room_id FROM rooms ORDER BY last_message_updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRoomSummaries returns rooms sorted by last message timestamp
// descending, each joined with its receiver profile and latest message.
func (db *DB) ListRoomSummaries(limit int) ([]RoomSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT r.room_id, r.owner_account_id, r.last_message_updated_at,
			COALESCE(rc.number, ''), COALESCE(rc.account_id, ''), COALESCE(rc.name, ''),
			COALESCE(rc.photo_ref, ''), COALESCE(rc.last_profile_updated_at, 0)
		FROM rooms r
		LEFT JOIN receivers rc ON rc.room_id = r.room_id
		ORDER BY r.last_message_updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RoomSummary
	for rows.Next() {
		var s RoomSummary
		if err := rows.Scan(
			&s.Room.RoomID, &s.Room.OwnerAccountID, &s.Room.LastMessageUpdatedAt,
			&s.Receiver.Number, &s.Receiver.AccountID, &s.Receiver.Name,
			&s.Receiver.PhotoRef, &s.Receiver.LastProfileUpdatedAt,
		); err != nil {
			return nil, err
		}
		s.Receiver.RoomID = s.Room.RoomID
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		last, err := db.LastMessage(out[i].Room.RoomID)
		if err != nil {
			return nil, err
		}
		out[i].LastMessage = last
	}
	return out, nil
}

// DeleteRoom removes a room; receivers and messages cascade. Only the
// migration engine deletes rooms.
func (db *DB) DeleteRoom(roomID string) error {
	_, err := db.Exec(`DELETE FROM rooms WHERE room_id = ?`, roomID)
	return err
}

// MigrateRoom re-homes a conversation from oldRoomID to newRoomID in a
// single transaction: the room row and every message are copied under the
// new id (ids, statuses and timestamps unchanged), the receiver row is
// repointed with the now-known account id, and the old room is deleted.
// It is safe to re-run: copies are insert-or-ignore and deleting an
// already-deleted room is a no-op.
func (db *DB) MigrateRoom(oldRoomID, newRoomID, receiverAccountID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migrate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO rooms (room_id, owner_account_id, last_message_updated_at)
		SELECT ?, owner_account_id, last_message_updated_at FROM rooms WHERE room_id = ?
		ON CONFLICT(room_id) DO NOTHING`, newRoomID, oldRoomID); err != nil {
		return fmt.Errorf("copy room row: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (room_id, id, message, sender_id, receiver_id,
			sent_time, received_time, status, sent_in_offline_mode)
		SELECT ?, id, message, sender_id, receiver_id,
			sent_time, received_time, status, sent_in_offline_mode
		FROM messages WHERE room_id = ?
		ON CONFLICT(room_id, id) DO NOTHING`, newRoomID, oldRoomID); err != nil {
		return fmt.Errorf("copy messages: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE receivers SET room_id = ?, account_id = ?, last_profile_updated_at = ?
		WHERE room_id = ?`, newRoomID, receiverAccountID, time.Now().UnixMilli(), oldRoomID); err != nil {
		return fmt.Errorf("repoint receiver: %w", err)
	}

	// Cascade removes the old message rows.
	if _, err := tx.Exec(`DELETE FROM rooms WHERE room_id = ?`, oldRoomID); err != nil {
		return fmt.Errorf("delete old room: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrate tx: %w", err)
	}
	return nil
}
