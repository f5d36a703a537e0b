package store

import (
	"database/sql"
	"time"
)

// UpsertBody stores the full content of a message. The parent message row
// must exist; bodies are created only on demand.
func (db *DB) UpsertBody(b *MessageBody) error {
	fetchedAt := b.FetchedAt
	if fetchedAt == 0 {
		fetchedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO message_bodies (account_id, message_id, content, content_type, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			content = excluded.content,
			content_type = excluded.content_type,
			fetched_at = excluded.fetched_at`,
		b.AccountID, b.MessageID, b.Content, b.ContentType, fetchedAt)
	return err
}

// GetBody returns the cached body of a message, or nil if never fetched.
func (db *DB) GetBody(accountID, messageID string) (*MessageBody, error) {
	var b MessageBody
	err := db.QueryRow(`
		SELECT account_id, message_id, content, content_type, fetched_at
		FROM message_bodies WHERE account_id = ? AND message_id = ?`, accountID, messageID).
		Scan(&b.AccountID, &b.MessageID, &b.Content, &b.ContentType, &b.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBody removes a cached body, keeping the header row.
func (db *DB) DeleteBody(accountID, messageID string) error {
	_, err := db.Exec(`DELETE FROM message_bodies WHERE account_id = ? AND message_id = ?`, accountID, messageID)
	return err
}
