package store

import (
	"database/sql"
)

// SaveUser inserts or updates the locally cached current-user row.
func (db *DB) SaveUser(u *User) error {
	_, err := db.Exec(`
		INSERT INTO users (account_id, number, last_room_created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			number = excluded.number,
			last_room_created_at = excluded.last_room_created_at`,
		u.AccountID, u.Number, u.LastRoomCreatedAt)
	return err
}

// GetUser returns a user row by account id, or nil.
func (db *DB) GetUser(accountID string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT account_id, number, last_room_created_at
		FROM users WHERE account_id = ?`, accountID).
		Scan(&u.AccountID, &u.Number, &u.LastRoomCreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetLastRoomCreatedAt stamps the user's most recent room-creation time.
func (db *DB) SetLastRoomCreatedAt(accountID string, at int64) error {
	_, err := db.Exec(`
		UPDATE users SET last_room_created_at = ? WHERE account_id = ?`, at, accountID)
	return err
}
