package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UsageBytes returns the current on-disk size of the store.
func (db *DB) UsageBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// EvictionResult reports what one eviction pass removed.
type EvictionResult struct {
	Messages    int64
	Bodies      int64
	Attachments int64
}

// evictionEligible selects messages old enough and unaccessed long enough to
// reclaim. Rows with unsynced local state, outbox rows, and rows referenced
// by an unresolved pending action are never eligible, regardless of age.
const evictionEligible = `
	SELECT m.account_id, m.id FROM messages m
	WHERE m.received_at < ?
	AND m.last_accessed_at < ?
	AND m.sync_status = 'SYNCED'
	AND m.is_outbox = 0
	AND NOT EXISTS (
		SELECT 1 FROM pending_actions p
		WHERE p.account_id = m.account_id AND p.target_id = m.id
	)`

// Evict removes messages (and, via cascade, their bodies and attachments)
// older than the retention cutoff and unaccessed since the recency cutoff.
// The pass is idempotent: with no newly eligible rows it removes nothing.
func (db *DB) Evict(ageCutoff, accessCutoff int64) (*EvictionResult, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res EvictionResult
	if err := tx.QueryRow(`SELECT COUNT(*) FROM message_bodies WHERE (account_id, message_id) IN (`+evictionEligible+`)`,
		ageCutoff, accessCutoff).Scan(&res.Bodies); err != nil {
		return nil, err
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM attachments WHERE (account_id, message_id) IN (`+evictionEligible+`)`,
		ageCutoff, accessCutoff).Scan(&res.Attachments); err != nil {
		return nil, err
	}

	result, err := tx.Exec(`DELETE FROM messages WHERE (account_id, id) IN (`+evictionEligible+`)`,
		ageCutoff, accessCutoff)
	if err != nil {
		return nil, fmt.Errorf("evict messages: %w", err)
	}
	res.Messages, _ = result.RowsAffected()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO eviction_runs (ran_at, removed_messages, removed_bodies, removed_attachments)
		VALUES (?, ?, ?, ?)`, now, res.Messages, res.Bodies, res.Attachments); err != nil {
		return nil, fmt.Errorf("record eviction run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit eviction: %w", err)
	}
	return &res, nil
}

// LastEvictionRun returns the timestamp of the most recent eviction pass,
// or zero if none has run. Persisted so the periodic timer survives restarts.
func (db *DB) LastEvictionRun() (int64, error) {
	var ranAt int64
	err := db.QueryRow(`SELECT ran_at FROM eviction_runs ORDER BY id DESC LIMIT 1`).Scan(&ranAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ranAt, nil
}
