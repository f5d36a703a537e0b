package store

import (
	"database/sql"
	"time"
)

// Tx variants of the optimistic mutations, so a local update and its queue
// entry commit atomically. Each flips the row to PENDING_UPLOAD; the upload
// processor flips it back to SYNCED after remote confirmation.

// SetReadTx flips the read flag inside a caller-owned transaction and keeps
// the folder's unread count in step.
func SetReadTx(tx *sql.Tx, accountID, id string, read bool) error {
	delta := -1
	if !read {
		delta = 1
	}
	if _, err := tx.Exec(`
		UPDATE folders SET unread_count = MAX(0, unread_count + ?)
		WHERE account_id = ?
		  AND id = (SELECT folder_id FROM messages WHERE account_id = ? AND id = ? AND is_read != ?)`,
		delta, accountID, accountID, id, read); err != nil {
		return err
	}
	_, err := tx.Exec(`UPDATE messages SET is_read = ?, sync_status = 'PENDING_UPLOAD' WHERE account_id = ? AND id = ?`,
		read, accountID, id)
	return err
}

// SetStarredTx flips the starred flag inside a caller-owned transaction.
func SetStarredTx(tx *sql.Tx, accountID, id string, starred bool) error {
	_, err := tx.Exec(`UPDATE messages SET is_starred = ?, sync_status = 'PENDING_UPLOAD' WHERE account_id = ? AND id = ?`,
		starred, accountID, id)
	return err
}

// MoveMessageTx relocates a message to another folder inside a caller-owned
// transaction.
func MoveMessageTx(tx *sql.Tx, accountID, id, folderID string) error {
	_, err := tx.Exec(`UPDATE messages SET folder_id = ?, sync_status = 'PENDING_UPLOAD' WHERE account_id = ? AND id = ?`,
		folderID, accountID, id)
	return err
}

// DeleteMessageTx removes a message row inside a caller-owned transaction.
func DeleteMessageTx(tx *sql.Tx, accountID, id string) error {
	_, err := tx.Exec(`DELETE FROM messages WHERE account_id = ? AND id = ?`, accountID, id)
	return err
}

// InsertOutboxMessageTx creates a local-only composition row. The parent
// folder row is created first in the same transaction; foreign keys demand
// parent before child.
func InsertOutboxMessageTx(tx *sql.Tx, m *Message) error {
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO folders (id, account_id, display_name, folder_type, total_count, unread_count, last_synced_at, last_sync_error)
		VALUES (?, ?, ?, ?, 0, 0, 0, '')
		ON CONFLICT(account_id, id) DO NOTHING`,
		m.FolderID, m.AccountID, m.FolderID, FolderRegular); err != nil {
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO messages (account_id, id, folder_id, thread_id, subject, sender_name, sender_email, received_at, is_read, is_starred, is_outbox, sync_status, last_error, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, '', ?, ?)`,
		m.AccountID, m.ID, m.FolderID, m.ThreadID, m.Subject, m.SenderName, m.SenderEmail,
		m.ReceivedAt, m.IsOutbox, m.SyncStatus, now, now)
	return err
}

// UpsertAttachmentTx stores an attachment row inside a caller-owned
// transaction.
func UpsertAttachmentTx(tx *sql.Tx, a *Attachment) error {
	_, err := tx.Exec(`
		INSERT INTO attachments (id, account_id, message_id, filename, mime_type, size_bytes, local_path, remote_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			local_path = excluded.local_path`,
		a.ID, a.AccountID, a.MessageID, a.Filename, a.MimeType, a.SizeBytes, a.LocalPath, a.RemoteID)
	return err
}
