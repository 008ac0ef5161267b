package store

import (
	"database/sql"
	"time"
)

// SaveReceiver inserts or updates the receiver profile of a room.
func (db *DB) SaveReceiver(r *ReceiverProfile) error {
	if r.LastProfileUpdatedAt == 0 {
		r.LastProfileUpdatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO receivers (number, account_id, room_id, name, photo_ref, last_profile_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			account_id = excluded.account_id,
			room_id = excluded.room_id,
			name = excluded.name,
			photo_ref = excluded.photo_ref,
			last_profile_updated_at = excluded.last_profile_updated_at`,
		r.Number, r.AccountID, r.RoomID, r.Name, r.PhotoRef, r.LastProfileUpdatedAt)
	return err
}

// GetReceiverByNumber returns the receiver profile for a phone number,
// or nil when the number has no room yet.
func (db *DB) GetReceiverByNumber(number string) (*ReceiverProfile, error) {
	return db.scanReceiver(db.QueryRow(`
		SELECT number, account_id, room_id, name, photo_ref, last_profile_updated_at
		FROM receivers WHERE number = ?`, number))
}

// GetReceiverByRoom returns the receiver profile of a room, or nil.
func (db *DB) GetReceiverByRoom(roomID string) (*ReceiverProfile, error) {
	return db.scanReceiver(db.QueryRow(`
		SELECT number, account_id, room_id, name, photo_ref, last_profile_updated_at
		FROM receivers WHERE room_id = ?`, roomID))
}

// SetReceiverAccountID records the counterpart's permanent account id
// once it becomes known (receiver logged in).
func (db *DB) SetReceiverAccountID(number, accountID string) error {
	_, err := db.Exec(`
		UPDATE receivers SET account_id = ?, last_profile_updated_at = ?
		WHERE number = ?`, accountID, time.Now().UnixMilli(), number)
	return err
}

func (db *DB) scanReceiver(row *sql.Row) (*ReceiverProfile, error) {
	var r ReceiverProfile
	err := row.Scan(&r.Number, &r.AccountID, &r.RoomID, &r.Name, &r.PhotoRef, &r.LastProfileUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
