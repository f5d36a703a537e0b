package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the data layer. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindMessageUpserted = "message.upserted"
	KindMessageDeleted  = "message.deleted"
	KindFolderUpdated   = "folder.updated"
	KindFolderRefreshed = "folder.refreshed"
	KindActionQueued    = "action.queued"
	KindActionApplied   = "action.applied"
	KindActionFailed    = "action.failed"
	KindSyncStarted     = "sync.started"
	KindSyncFinished    = "sync.finished"
	KindSyncIdle        = "sync.idle"
	KindHealthChanged   = "health.changed"
	KindCacheEvicted    = "cache.evicted"
	KindAccountReauth   = "account.reauth_required"
	KindAccountRemoved  = "account.removed"
)
