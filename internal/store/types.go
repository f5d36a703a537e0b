package store

// SyncStatus tracks how a local row relates to the remote truth.
type SyncStatus string

const (
	StatusSynced          SyncStatus = "SYNCED"
	StatusPendingUpload   SyncStatus = "PENDING_UPLOAD"
	StatusPendingDownload SyncStatus = "PENDING_DOWNLOAD"
	StatusError           SyncStatus = "ERROR"
)

// ProviderKind is the closed set of supported mail providers.
type ProviderKind string

const (
	ProviderIMAP ProviderKind = "imap"
)

// FolderType identifies well-known mailboxes.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderArchive FolderType = "archive"
	FolderRegular FolderType = "regular"
)

// ActionKind identifies a queued local mutation awaiting remote application.
type ActionKind string

const (
	ActionSend        ActionKind = "send"
	ActionDelete      ActionKind = "delete"
	ActionMove        ActionKind = "move"
	ActionMarkRead    ActionKind = "mark_read"
	ActionMarkUnread  ActionKind = "mark_unread"
	ActionStar        ActionKind = "star"
	ActionUnstar      ActionKind = "unstar"
	ActionCreateDraft ActionKind = "create_draft"
	ActionUpdateDraft ActionKind = "update_draft"
)

// ActionStatus is the queue state of a pending action.
type ActionStatus string

const (
	ActionQueued   ActionStatus = "queued"
	ActionInFlight ActionStatus = "in_flight"
	// ActionTerminal marks a permanently failed action kept for manual retry.
	ActionTerminal ActionStatus = "terminal"
)

// Account represents a signed-in mail identity.
type Account struct {
	ID          string
	Provider    ProviderKind
	DisplayName string
	Email       string
	NeedsReauth bool
	CreatedAt   int64
	UpdatedAt   int64
}

// Folder represents a remote mailbox or label.
type Folder struct {
	ID            string
	AccountID     string
	DisplayName   string
	Type          FolderType
	TotalCount    int
	UnreadCount   int
	LastSyncedAt  int64
	LastSyncError string
}

// Message represents a mail header/summary row. Outbox rows (IsOutbox) are
// local-only compositions deleted once the corresponding send confirms.
type Message struct {
	AccountID      string
	ID             string
	FolderID       string
	ThreadID       string
	Subject        string
	SenderName     string
	SenderEmail    string
	ReceivedAt     int64
	IsRead         bool
	IsStarred      bool
	IsOutbox       bool
	SyncStatus     SyncStatus
	LastError      string
	LastAccessedAt int64
}

// MessageBody is the full content of a message, fetched on demand.
type MessageBody struct {
	AccountID   string
	MessageID   string
	Content     string
	ContentType string
	FetchedAt   int64
}

// Attachment references a binary payload. RemoteID is populated only after a
// successful upload; LocalPath only while the content exists on device.
type Attachment struct {
	ID        string
	AccountID string
	MessageID string
	Filename  string
	MimeType  string
	SizeBytes int64
	LocalPath string
	RemoteID  string
}

// PendingAction is a queued local mutation awaiting remote application.
type PendingAction struct {
	ID             int64
	AccountID      string
	Kind           ActionKind
	TargetID       string
	Payload        string
	IdempotencyKey string
	Status         ActionStatus
	Attempts       int
	NextAttemptAt  int64
	LastError      string
	CreatedAt      int64
}
