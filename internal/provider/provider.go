// Package provider defines the remote provider adapter boundary: a uniform
// asynchronous surface the sync engine and upload processor depend on,
// independent of any provider's wire protocol or callback shape.
package provider

import (
	"context"

	"github.com/lfarias/mailkeep/internal/store"
	"github.com/lfarias/mailkeep/internal/token"
)

// Session carries everything an adapter call needs for one account: the
// account row and credentials freshly obtained from the token provider.
// It is constructed per sync cycle and passed explicitly into each call.
type Session struct {
	Account *store.Account
	Creds   token.Credentials
}

// ActionOutcome reports the remote effect of an applied action.
type ActionOutcome struct {
	// RemoteMessageID is the server id assigned to a sent message or
	// created/updated draft, empty for actions that assign none.
	RemoteMessageID string
}

// UploadSession identifies an in-progress chunked attachment upload.
type UploadSession struct {
	ID        string
	ChunkSize int64
}

// RemoteAttachment describes an attachment as the server currently has it.
type RemoteAttachment struct {
	RemoteID string
	Filename string
}

// Adapter is implemented once per mail provider. Whether an operation maps
// to a single remote call or an iterate-over-members strategy is internal
// to the implementation and invisible to callers.
type Adapter interface {
	ListFolders(ctx context.Context, s *Session) ([]*store.Folder, error)
	ListMessages(ctx context.Context, s *Session, folderID string, maxResults int) ([]*store.Message, error)
	GetMessageBody(ctx context.Context, s *Session, messageID string) (*store.MessageBody, error)
	ListThreadMessages(ctx context.Context, s *Session, threadID string) ([]*store.Message, error)
	ApplyAction(ctx context.Context, s *Session, action *store.PendingAction) (*ActionOutcome, error)

	// Draft attachment reconciliation.
	ListAttachments(ctx context.Context, s *Session, remoteMessageID string) ([]RemoteAttachment, error)
	DeleteAttachment(ctx context.Context, s *Session, remoteMessageID, remoteID string) error

	// Chunked upload protocol for large attachments.
	CreateUploadSession(ctx context.Context, s *Session, att *store.Attachment) (*UploadSession, error)
	UploadChunk(ctx context.Context, s *Session, up *UploadSession, offset int64, data []byte) error
	FinishUploadSession(ctx context.Context, s *Session, up *UploadSession) (remoteID string, err error)
}
