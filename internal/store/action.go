package store

import (
	"database/sql"
	"time"
)

// EnqueueAction appends a pending action to the account's queue. The insert
// is idempotent on the idempotency key: re-enqueueing the same action is a
// no-op.
func (db *DB) EnqueueAction(a *PendingAction) error {
	return enqueueAction(db.DB, a)
}

// EnqueueActionTx is EnqueueAction inside a caller-owned transaction, so an
// optimistic local update and its queue entry commit atomically.
func EnqueueActionTx(tx *sql.Tx, a *PendingAction) error {
	return enqueueAction(tx, a)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func enqueueAction(e execer, a *PendingAction) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		INSERT INTO pending_actions (account_id, kind, target_id, payload, idempotency_key, status, attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, 0, '', ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		a.AccountID, a.Kind, a.TargetID, a.Payload, a.IdempotencyKey, now)
	return err
}

// PendingActions returns an account's queued actions in enqueue order.
// Terminal actions are excluded; they wait for manual retry.
func (db *DB) PendingActions(accountID string) ([]PendingAction, error) {
	rows, err := db.Query(`
		SELECT id, account_id, kind, target_id, payload, idempotency_key, status, attempts, next_attempt_at, last_error, created_at
		FROM pending_actions
		WHERE account_id = ? AND status != 'terminal'
		ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actions []PendingAction
	for rows.Next() {
		var a PendingAction
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Kind, &a.TargetID, &a.Payload, &a.IdempotencyKey,
			&a.Status, &a.Attempts, &a.NextAttemptAt, &a.LastError, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// NextAction returns the head of an account's queue whose retry time has
// passed, or nil when the queue is drained. Actions apply strictly in
// enqueue order: a not-yet-due head blocks the rest of the queue rather
// than letting later actions overtake it.
func (db *DB) NextAction(accountID string, now int64) (*PendingAction, error) {
	var a PendingAction
	err := db.QueryRow(`
		SELECT id, account_id, kind, target_id, payload, idempotency_key, status, attempts, next_attempt_at, last_error, created_at
		FROM pending_actions
		WHERE account_id = ? AND status != 'terminal'
		ORDER BY id ASC LIMIT 1`, accountID).
		Scan(&a.ID, &a.AccountID, &a.Kind, &a.TargetID, &a.Payload, &a.IdempotencyKey,
			&a.Status, &a.Attempts, &a.NextAttemptAt, &a.LastError, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.NextAttemptAt > now {
		return nil, nil
	}
	return &a, nil
}

// MarkActionInFlight moves an action to in_flight and bumps its attempt count.
func (db *DB) MarkActionInFlight(id int64) error {
	_, err := db.Exec(`UPDATE pending_actions SET status = 'in_flight', attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// DeleteAction removes an action after confirmed remote success.
func (db *DB) DeleteAction(id int64) error {
	_, err := db.Exec(`DELETE FROM pending_actions WHERE id = ?`, id)
	return err
}

// MarkActionRetry re-queues an action with a retry time and error text.
func (db *DB) MarkActionRetry(id int64, nextAttemptAt int64, lastErr string) error {
	_, err := db.Exec(`UPDATE pending_actions SET status = 'queued', next_attempt_at = ?, last_error = ? WHERE id = ?`,
		nextAttemptAt, lastErr, id)
	return err
}

// MarkActionTerminal parks an action as permanently failed, kept for manual retry.
func (db *DB) MarkActionTerminal(id int64, lastErr string) error {
	_, err := db.Exec(`UPDATE pending_actions SET status = 'terminal', last_error = ? WHERE id = ?`, lastErr, id)
	return err
}

// RetryTerminalActions re-queues an account's terminal actions (manual retry).
func (db *DB) RetryTerminalActions(accountID string) error {
	_, err := db.Exec(`UPDATE pending_actions SET status = 'queued', next_attempt_at = 0 WHERE account_id = ? AND status = 'terminal'`, accountID)
	return err
}

// HasActionForTarget reports whether any unresolved action references the
// given entity. Consulted by the eviction engine.
func (db *DB) HasActionForTarget(accountID, targetID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pending_actions WHERE account_id = ? AND target_id = ?`,
		accountID, targetID).Scan(&n)
	return n > 0, err
}
