package store

import (
	"database/sql"
	"time"
)

// UpsertAccount inserts or updates an account record (idempotent on id).
func (db *DB) UpsertAccount(a *Account) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO accounts (id, provider, display_name, email, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			updated_at = excluded.updated_at`,
		a.ID, a.Provider, a.DisplayName, a.Email, a.NeedsReauth, now, now)
	return err
}

// GetAccount returns a single account by id, or nil if absent.
func (db *DB) GetAccount(id string) (*Account, error) {
	var a Account
	err := db.QueryRow(`
		SELECT id, provider, display_name, email, needs_reauth, created_at, updated_at
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Provider, &a.DisplayName, &a.Email, &a.NeedsReauth, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (db *DB) ListAccounts() ([]Account, error) {
	rows, err := db.Query(`
		SELECT id, provider, display_name, email, needs_reauth, created_at, updated_at
		FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Provider, &a.DisplayName, &a.Email, &a.NeedsReauth, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetNeedsReauth flips the re-authentication flag for an account.
func (db *DB) SetNeedsReauth(id string, needs bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE accounts SET needs_reauth = ?, updated_at = ? WHERE id = ?`, needs, now, id)
	return err
}

// DeleteAccount removes an account and, via foreign keys, all of its
// folders, messages, bodies, attachments and pending actions.
func (db *DB) DeleteAccount(id string) error {
	_, err := db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}
