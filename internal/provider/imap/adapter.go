// Package imap implements the provider adapter against IMAP for reads and
// mutations and SMTP submission for sends.
package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
)

// Endpoints names the servers for one account.
type Endpoints struct {
	IMAPAddr string
	SMTPAddr string
}

// Adapter talks IMAP/SMTP for every account whose endpoints it knows.
type Adapter struct {
	endpoints map[string]Endpoints
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*uploadBuffer
}

// uploadBuffer accumulates chunks for one upload session. IMAP has no
// resumable upload, so chunks are buffered locally until finalize.
type uploadBuffer struct {
	attachmentID string
	data         []byte
}

// New creates an adapter with per-account endpoints.
func New(endpoints map[string]Endpoints, logger *zap.Logger) *Adapter {
	return &Adapter{
		endpoints: endpoints,
		logger:    logger,
		sessions:  make(map[string]*uploadBuffer),
	}
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) lookup(accountID string) (Endpoints, error) {
	ep, ok := a.endpoints[accountID]
	if !ok {
		return Endpoints{}, provider.NewError(provider.ClassPermanent, "endpoints",
			fmt.Errorf("no endpoints configured for account %s", accountID))
	}
	return ep, nil
}

// connect dials, authenticates and returns a client. The caller logs out.
func (a *Adapter) connect(_ context.Context, s *provider.Session) (*imapclient.Client, error) {
	ep, err := a.lookup(s.Account.ID)
	if err != nil {
		return nil, err
	}

	client, err := imapclient.DialTLS(ep.IMAPAddr, nil)
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "dial", err)
	}

	if err := client.Login(s.Creds.Username, s.Creds.Secret).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, provider.NewError(provider.ClassAuth, "login",
			fmt.Errorf("authentication failed for %s: %w", s.Creds.Username, err))
	}

	return client, nil
}

// ListFolders fetches all mailboxes with their counts.
func (a *Adapter) ListFolders(ctx context.Context, s *provider.Session) ([]*store.Folder, error) {
	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	listCmd := client.List("", "*", &imap.ListOptions{
		ReturnStatus: &imap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
		},
	})
	boxes, err := listCmd.Collect()
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "list folders", err)
	}

	var folders []*store.Folder
	for _, box := range boxes {
		f := &store.Folder{
			ID:          box.Mailbox,
			AccountID:   s.Account.ID,
			DisplayName: box.Mailbox,
			Type:        folderType(box),
		}
		if box.Status != nil {
			if box.Status.NumMessages != nil {
				f.TotalCount = int(*box.Status.NumMessages)
			}
			if box.Status.NumUnseen != nil {
				f.UnreadCount = int(*box.Status.NumUnseen)
			}
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// ListMessages fetches the newest maxResults headers of a folder. The remote
// API has no cursor; deeper history is the caller's backfill concern.
func (a *Adapter) ListMessages(ctx context.Context, s *provider.Session, folderID string, maxResults int) ([]*store.Message, error) {
	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	sel, err := client.Select(folderID, nil).Wait()
	if err != nil {
		return nil, provider.NewError(provider.ClassConflict, "select",
			fmt.Errorf("folder %s: %w", folderID, err))
	}
	if sel.NumMessages == 0 {
		return nil, nil
	}

	first := uint32(1)
	if maxResults > 0 && sel.NumMessages > uint32(maxResults) {
		first = sel.NumMessages - uint32(maxResults) + 1
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(first, sel.NumMessages)

	fetchCmd := client.Fetch(seqSet, &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "fetch headers", err)
	}

	var msgs []*store.Message
	for _, buf := range bufs {
		m, err := a.headerFromBuffer(s.Account.ID, folderID, buf)
		if err != nil {
			// Malformed item: skip it, keep the rest of the page.
			a.logger.Warn("skipping malformed message",
				zap.String("folder", folderID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// GetMessageBody fetches the authoritative full payload of one message.
func (a *Adapter) GetMessageBody(ctx context.Context, s *provider.Session, messageID string) (*store.MessageBody, error) {
	folderID, uid, err := splitRemoteID(messageID)
	if err != nil {
		return nil, err
	}

	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return nil, provider.NewError(provider.ClassConflict, "select",
			fmt.Errorf("folder %s: %w", folderID, err))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "fetch body", err)
	}
	if len(bufs) == 0 {
		return nil, provider.NewError(provider.ClassConflict, "fetch body",
			fmt.Errorf("message %s no longer exists", messageID))
	}

	raw := bufs[0].FindBodySection(bodySection)
	text, html, _ := parseMIMEBody(raw)
	content, contentType := text, "text/plain"
	if content == "" && html != "" {
		content, contentType = html, "text/html"
	}

	return &store.MessageBody{
		AccountID:   s.Account.ID,
		MessageID:   messageID,
		Content:     content,
		ContentType: contentType,
		FetchedAt:   time.Now().UnixMilli(),
	}, nil
}

// ListThreadMessages resolves a thread by iterating over members: IMAP has
// no single-call thread fetch, so the adapter searches by References and
// Message-ID headers. Callers never see the difference.
func (a *Adapter) ListThreadMessages(ctx context.Context, s *provider.Session, threadID string) ([]*store.Message, error) {
	client, err := a.connect(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	const folderID = "INBOX"
	if _, err := client.Select(folderID, nil).Wait(); err != nil {
		return nil, provider.NewError(provider.ClassTransient, "select", err)
	}

	var uids []imap.UID
	for _, key := range []string{"References", "Message-Id"} {
		data, err := client.UIDSearch(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: key, Value: threadID}},
		}, nil).Wait()
		if err != nil {
			return nil, provider.NewError(provider.ClassTransient, "thread search", err)
		}
		uids = append(uids, data.AllUIDs()...)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	bufs, err := fetchCmd.Collect()
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "fetch thread", err)
	}

	seen := make(map[string]bool)
	var msgs []*store.Message
	for _, buf := range bufs {
		m, err := a.headerFromBuffer(s.Account.ID, folderID, buf)
		if err != nil || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ListAttachments returns the attachments the server currently has on a
// draft, for removal reconciliation.
func (a *Adapter) ListAttachments(ctx context.Context, s *provider.Session, remoteMessageID string) ([]provider.RemoteAttachment, error) {
	folderID, uid, err := splitRemoteID(remoteMessageID)
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

	bodySection := &imap.FetchItemBodySection{Peek: true}
	bufs, err := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, provider.NewError(provider.ClassTransient, "fetch draft", err)
	}
	if len(bufs) == 0 {
		return nil, provider.NewError(provider.ClassConflict, "fetch draft",
			fmt.Errorf("draft %s no longer exists", remoteMessageID))
	}

	_, _, names := parseMIMEBody(bufs[0].FindBodySection(bodySection))
	var atts []provider.RemoteAttachment
	for _, name := range names {
		atts = append(atts, provider.RemoteAttachment{RemoteID: name, Filename: name})
	}
	return atts, nil
}

// DeleteAttachment is applied implicitly for IMAP: drafts are rewritten
// whole on update, so removal is realized by the subsequent append that
// omits the attachment.
func (a *Adapter) DeleteAttachment(_ context.Context, _ *provider.Session, _, _ string) error {
	return nil
}

// CreateUploadSession opens a chunked upload buffer for a large attachment.
func (a *Adapter) CreateUploadSession(_ context.Context, _ *provider.Session, att *store.Attachment) (*provider.UploadSession, error) {
	id := uuid.NewString()
	a.mu.Lock()
	a.sessions[id] = &uploadBuffer{attachmentID: att.ID}
	a.mu.Unlock()
	return &provider.UploadSession{ID: id, ChunkSize: 0}, nil
}

// UploadChunk appends one chunk to the session buffer.
func (a *Adapter) UploadChunk(_ context.Context, _ *provider.Session, up *provider.UploadSession, offset int64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.sessions[up.ID]
	if !ok {
		return provider.NewError(provider.ClassPermanent, "upload chunk",
			fmt.Errorf("unknown upload session %s", up.ID))
	}
	if int64(len(buf.data)) != offset {
		return provider.NewError(provider.ClassPermanent, "upload chunk",
			fmt.Errorf("session %s: offset %d, have %d bytes", up.ID, offset, len(buf.data)))
	}
	buf.data = append(buf.data, data...)
	return nil
}

// FinishUploadSession seals the buffer; the content is attached when the
// owning message is appended.
func (a *Adapter) FinishUploadSession(_ context.Context, _ *provider.Session, up *provider.UploadSession) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[up.ID]; !ok {
		return "", provider.NewError(provider.ClassPermanent, "finish upload",
			fmt.Errorf("unknown upload session %s", up.ID))
	}
	return up.ID, nil
}

// takeUpload removes and returns a sealed upload buffer.
func (a *Adapter) takeUpload(id string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.sessions[id]
	if !ok {
		return nil, false
	}
	delete(a.sessions, id)
	return buf.data, true
}

func folderType(box *imap.ListData) store.FolderType {
	for _, attr := range box.Attrs {
		switch attr {
		case imap.MailboxAttrSent:
			return store.FolderSent
		case imap.MailboxAttrDrafts:
			return store.FolderDrafts
		case imap.MailboxAttrTrash:
			return store.FolderTrash
		case imap.MailboxAttrArchive:
			return store.FolderArchive
		}
	}
	if strings.EqualFold(box.Mailbox, "INBOX") {
		return store.FolderInbox
	}
	return store.FolderRegular
}

// headerFromBuffer maps a fetch result to a message header row. The remote
// id is "<folder>:<uid>" so body fetches can reselect the mailbox.
func (a *Adapter) headerFromBuffer(accountID, folderID string, buf *imapclient.FetchMessageBuffer) (*store.Message, error) {
	if buf.Envelope == nil {
		return nil, fmt.Errorf("uid %d: no envelope", buf.UID)
	}

	m := &store.Message{
		AccountID:  accountID,
		ID:         joinRemoteID(folderID, uint32(buf.UID)),
		FolderID:   folderID,
		ThreadID:   buf.Envelope.MessageID,
		Subject:    buf.Envelope.Subject,
		ReceivedAt: buf.Envelope.Date.UnixMilli(),
		SyncStatus: store.StatusSynced,
	}
	if len(buf.Envelope.From) > 0 {
		from := buf.Envelope.From[0]
		m.SenderName = from.Name
		m.SenderEmail = from.Addr()
	}
	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			m.IsRead = true
		case imap.FlagFlagged:
			m.IsStarred = true
		}
	}
	return m, nil
}

func joinRemoteID(folderID string, uid uint32) string {
	return fmt.Sprintf("%s:%d", folderID, uid)
}

func splitRemoteID(id string) (folderID string, uid uint32, err error) {
	i := strings.LastIndex(id, ":")
	if i < 0 {
		return "", 0, provider.NewError(provider.ClassPermanent, "remote id",
			fmt.Errorf("malformed remote id %q", id))
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, provider.NewError(provider.ClassPermanent, "remote id",
			fmt.Errorf("malformed remote id %q: %w", id, err))
	}
	return id[:i], uint32(n), nil
}
