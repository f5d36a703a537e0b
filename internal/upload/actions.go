// Package upload turns user actions into optimistic local mutations plus
// queued remote effects, and drains that queue against the provider.
package upload

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
)

// OutboxFolderID is the local-only folder holding unsent compositions.
const OutboxFolderID = "OUTBOX"

// DraftsFolderID is the local folder new drafts are filed under until the
// next folder list sync maps the server's drafts mailbox.
const DraftsFolderID = "Drafts"

// Actions is the write-side entry point. Every method applies the optimistic
// local mutation and enqueues the matching pending action in one transaction,
// then announces the queued work on the bus.
type Actions struct {
	db     *store.DB
	events *bus.Bus
	logger *zap.Logger
}

// NewActions creates the action writer.
func NewActions(db *store.DB, events *bus.Bus, logger *zap.Logger) *Actions {
	return &Actions{db: db, events: events, logger: logger}
}

// SendRequest describes a composition to send or store as a draft.
type SendRequest struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Attachments []store.Attachment
}

// Send files the composition as a local outbox message and queues the send.
// The returned id identifies the outbox row until the send confirms, at
// which point the row is deleted in favor of the server's own sent copy.
func (a *Actions) Send(accountID string, req SendRequest) (string, error) {
	messageID := "outbox-" + uuid.NewString()
	payload, err := encodeSend(messageID, req, "")
	if err != nil {
		return "", err
	}

	err = a.inTx(accountID, func(tx txRunner) error {
		if err := store.InsertOutboxMessageTx(tx.tx, &store.Message{
			AccountID:   accountID,
			ID:          messageID,
			FolderID:    OutboxFolderID,
			Subject:     req.Subject,
			SenderEmail: req.From,
			ReceivedAt:  time.Now().UnixMilli(),
			IsOutbox:    true,
			SyncStatus:  store.StatusPendingUpload,
		}); err != nil {
			return err
		}
		for i := range req.Attachments {
			att := req.Attachments[i]
			att.AccountID = accountID
			att.MessageID = messageID
			if err := store.UpsertAttachmentTx(tx.tx, &att); err != nil {
				return err
			}
		}
		return tx.enqueue(store.ActionSend, messageID, payload)
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// Delete hides the message locally and queues the remote delete.
func (a *Actions) Delete(accountID, messageID string) error {
	return a.inTx(accountID, func(tx txRunner) error {
		if err := store.DeleteMessageTx(tx.tx, accountID, messageID); err != nil {
			return err
		}
		return tx.enqueue(store.ActionDelete, messageID, "")
	})
}

// Move relocates the message locally and queues the remote move.
func (a *Actions) Move(accountID, messageID, fromFolderID, toFolderID string) error {
	payload, err := provider.EncodePayload(&provider.MovePayload{
		FromFolderID: fromFolderID,
		ToFolderID:   toFolderID,
	})
	if err != nil {
		return err
	}
	return a.inTx(accountID, func(tx txRunner) error {
		if err := store.MoveMessageTx(tx.tx, accountID, messageID, toFolderID); err != nil {
			return err
		}
		return tx.enqueue(store.ActionMove, messageID, payload)
	})
}

// MarkRead flips the read flag locally and queues the remote flag change.
func (a *Actions) MarkRead(accountID, messageID string, read bool) error {
	kind := store.ActionMarkRead
	if !read {
		kind = store.ActionMarkUnread
	}
	return a.inTx(accountID, func(tx txRunner) error {
		if err := store.SetReadTx(tx.tx, accountID, messageID, read); err != nil {
			return err
		}
		return tx.enqueue(kind, messageID, "")
	})
}

// Star flips the starred flag locally and queues the remote flag change.
func (a *Actions) Star(accountID, messageID string, starred bool) error {
	kind := store.ActionStar
	if !starred {
		kind = store.ActionUnstar
	}
	return a.inTx(accountID, func(tx txRunner) error {
		if err := store.SetStarredTx(tx.tx, accountID, messageID, starred); err != nil {
			return err
		}
		return tx.enqueue(kind, messageID, "")
	})
}

// CreateDraft stores the draft locally and queues its remote creation.
func (a *Actions) CreateDraft(accountID string, req SendRequest) (string, error) {
	messageID := "draft-" + uuid.NewString()
	payload, err := encodeSend(messageID, req, "")
	if err != nil {
		return "", err
	}

	err = a.inTx(accountID, func(tx txRunner) error {
		if err := store.InsertOutboxMessageTx(tx.tx, &store.Message{
			AccountID:   accountID,
			ID:          messageID,
			FolderID:    DraftsFolderID,
			Subject:     req.Subject,
			SenderEmail: req.From,
			ReceivedAt:  time.Now().UnixMilli(),
			SyncStatus:  store.StatusPendingUpload,
		}); err != nil {
			return err
		}
		for i := range req.Attachments {
			att := req.Attachments[i]
			att.AccountID = accountID
			att.MessageID = messageID
			if err := store.UpsertAttachmentTx(tx.tx, &att); err != nil {
				return err
			}
		}
		return tx.enqueue(store.ActionCreateDraft, messageID, payload)
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// UpdateDraft rewrites a stored draft and queues the remote update.
// remoteMessageID names the server's current copy when known, so the update
// can supersede it.
func (a *Actions) UpdateDraft(accountID, messageID, remoteMessageID string, req SendRequest) error {
	payload, err := encodeSend(messageID, req, remoteMessageID)
	if err != nil {
		return err
	}
	return a.inTx(accountID, func(tx txRunner) error {
		if _, err := tx.tx.Exec(`
			UPDATE messages SET subject = ?, sync_status = 'PENDING_UPLOAD' WHERE account_id = ? AND id = ?`,
			req.Subject, accountID, messageID); err != nil {
			return err
		}
		for i := range req.Attachments {
			att := req.Attachments[i]
			att.AccountID = accountID
			att.MessageID = messageID
			if err := store.UpsertAttachmentTx(tx.tx, &att); err != nil {
				return err
			}
		}
		return tx.enqueue(store.ActionUpdateDraft, messageID, payload)
	})
}

// RetryFailed re-queues an account's terminal actions after a manual retry
// request.
func (a *Actions) RetryFailed(accountID string) error {
	if err := a.db.RetryTerminalActions(accountID); err != nil {
		return err
	}
	a.events.Publish(bus.Event{Kind: bus.KindActionQueued, Payload: accountID})
	return nil
}

type txRunner struct {
	accountID string
	tx        *sql.Tx
}

func encodeSend(messageID string, req SendRequest, remoteMessageID string) (string, error) {
	refs := make([]provider.AttachmentRef, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		refs = append(refs, provider.AttachmentRef{
			ID:        att.ID,
			Filename:  att.Filename,
			MimeType:  att.MimeType,
			LocalPath: att.LocalPath,
		})
	}
	return provider.EncodePayload(&provider.SendPayload{
		MessageID:       messageID,
		From:            req.From,
		To:              req.To,
		Cc:              req.Cc,
		Bcc:             req.Bcc,
		Subject:         req.Subject,
		Body:            req.Body,
		Attachments:     refs,
		RemoteMessageID: remoteMessageID,
	})
}

func (t txRunner) enqueue(kind store.ActionKind, targetID, payload string) error {
	return store.EnqueueActionTx(t.tx, &store.PendingAction{
		AccountID:      t.accountID,
		Kind:           kind,
		TargetID:       targetID,
		Payload:        payload,
		IdempotencyKey: uuid.NewString(),
	})
}

// inTx runs the optimistic mutation and enqueue atomically, then publishes
// the queued event after commit.
func (a *Actions) inTx(accountID string, fn func(txRunner) error) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(txRunner{accountID: accountID, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit action: %w", err)
	}

	a.events.Publish(bus.Event{Kind: bus.KindActionQueued, Payload: accountID})
	return nil
}
