package imap

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
)

var (
	sentFolders  = []string{"Sent", "[Gmail]/Sent Mail", "Sent Messages", "INBOX.Sent"}
	trashFolders = []string{"Trash", "[Gmail]/Trash", "Deleted Items", "INBOX.Trash"}
	draftFolders = []string{"Drafts", "[Gmail]/Drafts", "INBOX.Drafts"}
)

// ApplyAction applies one queued local mutation to the remote.
func (a *Adapter) ApplyAction(ctx context.Context, s *provider.Session, action *store.PendingAction) (*provider.ActionOutcome, error) {
	switch action.Kind {
	case store.ActionMarkRead:
		return a.storeFlags(ctx, s, action.TargetID, imap.FlagSeen, true)
	case store.ActionMarkUnread:
		return a.storeFlags(ctx, s, action.TargetID, imap.FlagSeen, false)
	case store.ActionStar:
		return a.storeFlags(ctx, s, action.TargetID, imap.FlagFlagged, true)
	case store.ActionUnstar:
		return a.storeFlags(ctx, s, action.TargetID, imap.FlagFlagged, false)
	case store.ActionDelete:
		return a.deleteMessage(ctx, s, action.TargetID)
	case store.ActionMove:
		return a.moveMessage(ctx, s, action)
	case store.ActionSend:
		return a.send(ctx, s, action)
	case store.ActionCreateDraft, store.ActionUpdateDraft:
		return a.writeDraft(ctx, s, action)
	default:
		return nil, provider.NewError(provider.ClassPermanent, "apply",
			fmt.Errorf("unsupported action kind %q", action.Kind))
	}
}

func (a *Adapter) storeFlags(ctx context.Context, s *provider.Session, targetID string, flag imap.Flag, add bool) (*provider.ActionOutcome, error) {
	folderID, uid, err := splitRemoteID(targetID)
	if err != nil {
		return nil, err
	}

	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return nil, provider.NewError(provider.ClassConflict, "select", err)
	}

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return nil, provider.NewError(provider.ClassTransient, "store flags", err)
	}
	return &provider.ActionOutcome{}, nil
}

func (a *Adapter) deleteMessage(ctx context.Context, s *provider.Session, targetID string) (*provider.ActionOutcome, error) {
	folderID, uid, err := splitRemoteID(targetID)
	if err != nil {
		return nil, err
	}

	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return nil, provider.NewError(provider.ClassConflict, "select", err)
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	for _, trash := range trashFolders {
		if _, err := client.Move(uidSet, trash).Wait(); err == nil {
			return &provider.ActionOutcome{}, nil
		}
	}

	// No trash mailbox found: flag deleted instead.
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return nil, provider.NewError(provider.ClassTransient, "flag deleted", err)
	}
	return &provider.ActionOutcome{}, nil
}

func (a *Adapter) moveMessage(ctx context.Context, s *provider.Session, action *store.PendingAction) (*provider.ActionOutcome, error) {
	payload, err := provider.DecodeMovePayload(action)
	if err != nil {
		return nil, provider.NewError(provider.ClassPermanent, "move", err)
	}
	folderID, uid, err := splitRemoteID(action.TargetID)
	if err != nil {
		return nil, err
	}

	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return nil, provider.NewError(provider.ClassConflict, "select", err)
	}
	if _, err := client.Move(imap.UIDSetNum(imap.UID(uid)), payload.ToFolderID).Wait(); err != nil {
		return nil, provider.NewError(provider.ClassTransient, "move", err)
	}
	return &provider.ActionOutcome{}, nil
}

// send submits the message over SMTP, then files a copy into the sent
// mailbox. The idempotency key doubles as the Message-ID header, so a
// duplicate delivery of the same action is detected by searching the sent
// mailbox before submitting again.
func (a *Adapter) send(ctx context.Context, s *provider.Session, action *store.PendingAction) (*provider.ActionOutcome, error) {
	payload, err := provider.DecodeSendPayload(action)
	if err != nil {
		return nil, provider.NewError(provider.ClassPermanent, "send", err)
	}
	ep, err := a.lookup(s.Account.ID)
	if err != nil {
		return nil, err
	}

	raw, err := a.buildMessage(payload, messageID(action.IdempotencyKey))
	if err != nil {
		return nil, provider.NewError(provider.ClassPermanent, "build message", err)
	}

	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if remoteID, ok := a.findByMessageID(client, sentFolders, messageID(action.IdempotencyKey)); ok {
		// Already sent by a previous delivery of this action.
		return &provider.ActionOutcome{RemoteMessageID: remoteID}, nil
	}

	recipients := append(append(append([]string{}, payload.To...), payload.Cc...), payload.Bcc...)
	auth := sasl.NewPlainClient("", s.Creds.Username, s.Creds.Secret)
	if strings.HasSuffix(ep.SMTPAddr, ":465") {
		err = smtp.SendMailTLS(ep.SMTPAddr, auth, payload.From, recipients, bytes.NewReader(raw))
	} else {
		err = smtp.SendMail(ep.SMTPAddr, auth, payload.From, recipients, bytes.NewReader(raw))
	}
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "smtp submit", err)
	}

	remoteID := a.appendTo(client, sentFolders, raw, imap.FlagSeen)
	return &provider.ActionOutcome{RemoteMessageID: remoteID}, nil
}

// writeDraft appends the draft to the drafts mailbox. Updates rewrite the
// draft whole: the previous remote copy is deleted after the new append, so
// attachment removals decoded from the payload take effect implicitly.
func (a *Adapter) writeDraft(ctx context.Context, s *provider.Session, action *store.PendingAction) (*provider.ActionOutcome, error) {
	payload, err := provider.DecodeSendPayload(action)
	if err != nil {
		return nil, provider.NewError(provider.ClassPermanent, "draft", err)
	}

	raw, err := a.buildMessage(payload, messageID(action.IdempotencyKey))
	if err != nil {
		return nil, provider.NewError(provider.ClassPermanent, "build draft", err)
	}

	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if remoteID, ok := a.findByMessageID(client, draftFolders, messageID(action.IdempotencyKey)); ok {
		return &provider.ActionOutcome{RemoteMessageID: remoteID}, nil
	}

	remoteID := a.appendTo(client, draftFolders, raw, imap.FlagDraft)
	if remoteID == "" {
		return nil, provider.NewError(provider.ClassTransient, "append draft",
			fmt.Errorf("no drafts mailbox accepted the append"))
	}

	if action.Kind == store.ActionUpdateDraft && payload.RemoteMessageID != "" {
		if folderID, uid, err := splitRemoteID(payload.RemoteMessageID); err == nil {
			if _, err := client.Select(folderID, nil).Wait(); err == nil {
				storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
					Op:     imap.StoreFlagsAdd,
					Silent: true,
					Flags:  []imap.Flag{imap.FlagDeleted},
				}, nil)
				_ = storeCmd.Close()
			}
		}
	}

	return &provider.ActionOutcome{RemoteMessageID: remoteID}, nil
}

// appendTo appends raw message bytes to the first mailbox that accepts it
// and returns its remote id, or "" when none did.
func (a *Adapter) appendTo(client *imapclient.Client, candidates []string, raw []byte, flag imap.Flag) string {
	for _, mailbox := range candidates {
		cmd := client.Append(mailbox, int64(len(raw)), &imap.AppendOptions{
			Flags: []imap.Flag{flag},
		})
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			continue
		}
		if err := cmd.Close(); err != nil {
			continue
		}
		data, err := cmd.Wait()
		if err != nil {
			continue
		}
		if data != nil && data.UID != 0 {
			return joinRemoteID(mailbox, uint32(data.UID))
		}
		return joinRemoteID(mailbox, 0)
	}
	return ""
}

// findByMessageID searches candidate mailboxes for a message with the given
// Message-ID header.
func (a *Adapter) findByMessageID(client *imapclient.Client, candidates []string, msgID string) (string, bool) {
	for _, mailbox := range candidates {
		if _, err := client.Select(mailbox, nil).Wait(); err != nil {
			continue
		}
		data, err := client.UIDSearch(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: msgID}},
		}, nil).Wait()
		if err != nil {
			continue
		}
		uids := data.AllUIDs()
		if len(uids) > 0 {
			return joinRemoteID(mailbox, uint32(uids[0])), true
		}
	}
	return "", false
}

// readAttachment loads attachment content, preferring a sealed chunked
// upload over the local file.
func (a *Adapter) readAttachment(ref provider.AttachmentRef) ([]byte, error) {
	if ref.UploadID != "" {
		if data, ok := a.takeUpload(ref.UploadID); ok {
			return data, nil
		}
	}
	if ref.LocalPath == "" {
		return nil, fmt.Errorf("attachment %s has no local content", ref.ID)
	}
	data, err := os.ReadFile(ref.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", ref.ID, err)
	}
	return data, nil
}

func messageID(idempotencyKey string) string {
	return idempotencyKey + "@mailkeep"
}
