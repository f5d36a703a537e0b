package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertFolder inserts or updates a folder record.
func (db *DB) UpsertFolder(f *Folder) error {
	_, err := db.Exec(`
		INSERT INTO folders (id, account_id, display_name, folder_type, total_count, unread_count, last_synced_at, last_sync_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, id) DO UPDATE SET
			display_name = excluded.display_name,
			folder_type = excluded.folder_type,
			total_count = excluded.total_count,
			unread_count = excluded.unread_count`,
		f.ID, f.AccountID, f.DisplayName, f.Type, f.TotalCount, f.UnreadCount, f.LastSyncedAt, f.LastSyncError)
	return err
}

// ReplaceFolders replaces the account's folder set in one transaction:
// folders absent from the fetched set are deleted (cascading to their
// messages), the rest are upserted. A folder still holding unsynced or
// outbox rows survives even when absent remotely; deleting it would cascade
// away local state the remote has never seen. The account row must already
// exist so the parent-before-child write order holds.
func (db *DB) ReplaceFolders(accountID string, folders []*Folder) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM folders WHERE account_id = ?`, accountID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		existing[id] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range folders {
		delete(existing, f.ID)
		if _, err := tx.Exec(`
			INSERT INTO folders (id, account_id, display_name, folder_type, total_count, unread_count, last_synced_at, last_sync_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, id) DO UPDATE SET
				display_name = excluded.display_name,
				folder_type = excluded.folder_type,
				total_count = excluded.total_count,
				unread_count = excluded.unread_count`,
			f.ID, accountID, f.DisplayName, f.Type, f.TotalCount, f.UnreadCount, f.LastSyncedAt, f.LastSyncError); err != nil {
			return fmt.Errorf("upsert folder %s: %w", f.ID, err)
		}
	}

	for id := range existing {
		var unsynced int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM messages
			WHERE account_id = ? AND folder_id = ? AND (sync_status != 'SYNCED' OR is_outbox = 1)`,
			accountID, id).Scan(&unsynced); err != nil {
			return fmt.Errorf("check folder %s: %w", id, err)
		}
		if unsynced > 0 {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM folders WHERE account_id = ? AND id = ?`, accountID, id); err != nil {
			return fmt.Errorf("delete folder %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// ListFolders returns the folders of an account ordered by display name.
func (db *DB) ListFolders(accountID string) ([]Folder, error) {
	rows, err := db.Query(`
		SELECT id, account_id, display_name, folder_type, total_count, unread_count, last_synced_at, last_sync_error
		FROM folders WHERE account_id = ? ORDER BY display_name ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.AccountID, &f.DisplayName, &f.Type, &f.TotalCount, &f.UnreadCount, &f.LastSyncedAt, &f.LastSyncError); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolder returns a single folder, or nil if absent.
func (db *DB) GetFolder(accountID, id string) (*Folder, error) {
	var f Folder
	err := db.QueryRow(`
		SELECT id, account_id, display_name, folder_type, total_count, unread_count, last_synced_at, last_sync_error
		FROM folders WHERE account_id = ? AND id = ?`, accountID, id).
		Scan(&f.ID, &f.AccountID, &f.DisplayName, &f.Type, &f.TotalCount, &f.UnreadCount, &f.LastSyncedAt, &f.LastSyncError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SetFolderSynced records the outcome of a folder sync: the watermark on
// success, the error text on failure.
func (db *DB) SetFolderSynced(accountID, id string, syncErr string) error {
	now := time.Now().UnixMilli()
	if syncErr != "" {
		_, err := db.Exec(`UPDATE folders SET last_sync_error = ? WHERE account_id = ? AND id = ?`, syncErr, accountID, id)
		return err
	}
	_, err := db.Exec(`UPDATE folders SET last_synced_at = ?, last_sync_error = '' WHERE account_id = ? AND id = ?`, now, accountID, id)
	return err
}
