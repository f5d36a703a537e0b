package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on account_id + id).
// Remote state wins except for fields owned by a pending local action: a row
// that is not SYNCED keeps its local flags and status.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	status := m.SyncStatus
	if status == "" {
		status = StatusSynced
	}
	_, err := db.Exec(`
		INSERT INTO messages (account_id, id, folder_id, thread_id, subject, sender_name, sender_email, received_at, is_read, is_starred, is_outbox, sync_status, last_error, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, id) DO UPDATE SET
			folder_id = CASE WHEN messages.sync_status = 'SYNCED' THEN excluded.folder_id ELSE messages.folder_id END,
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			received_at = excluded.received_at,
			is_read = CASE WHEN messages.sync_status = 'SYNCED' THEN excluded.is_read ELSE messages.is_read END,
			is_starred = CASE WHEN messages.sync_status = 'SYNCED' THEN excluded.is_starred ELSE messages.is_starred END`,
		m.AccountID, m.ID, m.FolderID, m.ThreadID, m.Subject, m.SenderName, m.SenderEmail,
		m.ReceivedAt, m.IsRead, m.IsStarred, m.IsOutbox, status, m.LastError, now, m.LastAccessedAt)
	return err
}

// ReplaceFolderMessages performs a clear-and-replace refresh of a folder's
// cached headers in one transaction. Only SYNCED rows with no pending action
// reference are cleared; rows carrying unsynced local state survive the
// refresh and keep their locally owned fields on upsert.
func (db *DB) ReplaceFolderMessages(accountID, folderID string, msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE account_id = ? AND folder_id = ? AND sync_status = 'SYNCED' AND is_outbox = 0
		AND id NOT IN (SELECT target_id FROM pending_actions WHERE account_id = ?)`,
		accountID, folderID, accountID); err != nil {
		return fmt.Errorf("clear folder: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (account_id, id, folder_id, thread_id, subject, sender_name, sender_email, received_at, is_read, is_starred, is_outbox, sync_status, last_error, created_at, last_accessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 'SYNCED', '', ?, 0)
			ON CONFLICT(account_id, id) DO UPDATE SET
				thread_id = excluded.thread_id,
				subject = excluded.subject,
				sender_name = excluded.sender_name,
				sender_email = excluded.sender_email,
				received_at = excluded.received_at,
				is_read = CASE WHEN messages.sync_status = 'SYNCED' THEN excluded.is_read ELSE messages.is_read END,
				is_starred = CASE WHEN messages.sync_status = 'SYNCED' THEN excluded.is_starred ELSE messages.is_starred END`,
			m.AccountID, m.ID, m.FolderID, m.ThreadID, m.Subject, m.SenderName, m.SenderEmail,
			m.ReceivedAt, m.IsRead, m.IsStarred, now); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// ListMessages returns messages for a folder using keyset pagination by
// received time descending, message id descending as the tie-break. An
// empty beforeID with a non-zero beforeTs behaves as a pure timestamp
// cursor; messages sharing beforeTs are then excluded, so callers paging
// must pass the id of the last row they saw.
func (db *DB) ListMessages(accountID, folderID string, beforeTs int64, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT account_id, id, folder_id, thread_id, subject, sender_name, sender_email, received_at, is_read, is_starred, is_outbox, sync_status, last_error, last_accessed_at
		FROM messages
		WHERE account_id = ? AND folder_id = ?
		  AND (received_at < ? OR (received_at = ? AND ? != '' AND id < ?))
		ORDER BY received_at DESC, id DESC
		LIMIT ?`, accountID, folderID, beforeTs, beforeTs, beforeID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.AccountID, &m.ID, &m.FolderID, &m.ThreadID, &m.Subject, &m.SenderName, &m.SenderEmail,
			&m.ReceivedAt, &m.IsRead, &m.IsStarred, &m.IsOutbox, &m.SyncStatus, &m.LastError, &m.LastAccessedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListThreadMessages returns every cached message of a thread, oldest first.
func (db *DB) ListThreadMessages(accountID, threadID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT account_id, id, folder_id, thread_id, subject, sender_name, sender_email, received_at, is_read, is_starred, is_outbox, sync_status, last_error, last_accessed_at
		FROM messages
		WHERE account_id = ? AND thread_id = ?
		ORDER BY received_at ASC`, accountID, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.AccountID, &m.ID, &m.FolderID, &m.ThreadID, &m.Subject, &m.SenderName, &m.SenderEmail,
			&m.ReceivedAt, &m.IsRead, &m.IsStarred, &m.IsOutbox, &m.SyncStatus, &m.LastError, &m.LastAccessedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message, or nil if absent.
func (db *DB) GetMessage(accountID, id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT account_id, id, folder_id, thread_id, subject, sender_name, sender_email, received_at, is_read, is_starred, is_outbox, sync_status, last_error, last_accessed_at
		FROM messages WHERE account_id = ? AND id = ?`, accountID, id).
		Scan(&m.AccountID, &m.ID, &m.FolderID, &m.ThreadID, &m.Subject, &m.SenderName, &m.SenderEmail,
			&m.ReceivedAt, &m.IsRead, &m.IsStarred, &m.IsOutbox, &m.SyncStatus, &m.LastError, &m.LastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMessageStatus updates a message's sync status and error text.
func (db *DB) SetMessageStatus(accountID, id string, status SyncStatus, lastErr string) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = ?, last_error = ? WHERE account_id = ? AND id = ?`,
		status, lastErr, accountID, id)
	return err
}

// DeleteMessage removes a message row (cascading to body and attachments).
func (db *DB) DeleteMessage(accountID, id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE account_id = ? AND id = ?`, accountID, id)
	return err
}

// TouchMessage records a read-path access for eviction recency.
func (db *DB) TouchMessage(accountID, id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET last_accessed_at = ? WHERE account_id = ? AND id = ?`, now, accountID, id)
	return err
}
