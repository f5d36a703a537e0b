// Package page serves UI reads over the local store and triggers refresh
// jobs when cached data is stale. The store is authoritative for every
// read; the network only ever updates it.
package page

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/store"
	"github.com/lfarias/mailkeep/internal/sync"
)

// FolderStatus tells the UI how to present cached data. Stale data shown as
// if it were current is the failure mode this exists to prevent.
type FolderStatus string

const (
	// StatusFresh means the last refresh succeeded within the staleness
	// window.
	StatusFresh FolderStatus = "fresh"
	// StatusStaleRefreshFailed means cached data is being served and the
	// last refresh attempt failed. Distinct from "no data".
	StatusStaleRefreshFailed FolderStatus = "stale_refresh_failed"
	// StatusAuthRequired means the refresh failed because the account needs
	// reauthentication.
	StatusAuthRequired FolderStatus = "auth_required"
)

// Page is one page of a folder's messages plus its freshness status.
type Page struct {
	Messages []store.Message
	Status   FolderStatus
	// NextBefore and NextBeforeID form the keyset cursor for the following
	// page: the received time of the last row and its id as the tie-break.
	// NextBefore is zero when this page is the last.
	NextBefore   int64
	NextBeforeID string
}

// Bridge is the read-side interface. Reads come straight from the store;
// refreshes go through the sync controller like any other job.
type Bridge struct {
	db         *store.DB
	cfg        *config.Config
	producers  *sync.Producers
	controller *sync.Controller
	events     *bus.Bus
	logger     *zap.Logger
}

// NewBridge creates the paging bridge.
func NewBridge(db *store.DB, cfg *config.Config, producers *sync.Producers, controller *sync.Controller, events *bus.Bus, logger *zap.Logger) *Bridge {
	return &Bridge{db: db, cfg: cfg, producers: producers, controller: controller, events: events, logger: logger}
}

// Page returns one page of a folder ordered by received time descending,
// id descending on equal times. before and beforeID are the keyset cursor
// (zero and empty for the first page). A first-page read whose folder
// watermark has aged past the staleness window submits a user-priority
// refresh job; deeper pages are served purely from local data, since the
// remote offers no cursor to page past the refresh window.
func (b *Bridge) Page(accountID, folderID string, before int64, beforeID string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = b.cfg.PageSize
	}

	if before == 0 {
		if stale, err := b.isStale(accountID, folderID); err != nil {
			return nil, err
		} else if stale {
			b.submitRefresh(accountID, folderID)
		}
	}

	msgs, err := b.db.ListMessages(accountID, folderID, before, beforeID, limit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := b.db.TouchMessage(accountID, m.ID); err != nil {
			return nil, err
		}
	}

	status, err := b.FolderStatus(accountID, folderID)
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: msgs, Status: status}
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		page.NextBefore = last.ReceivedAt
		page.NextBeforeID = last.ID
	}
	return page, nil
}

// Refresh submits an unconditional user-priority refresh of a folder.
func (b *Bridge) Refresh(accountID, folderID string) {
	b.submitRefresh(accountID, folderID)
}

// Body returns a message's cached body, submitting a fetch when it is
// absent or older than the staleness window. A nil body with nil error
// means the content is on its way; the caller observes the bus for the
// upsert.
func (b *Bridge) Body(accountID, messageID string) (*store.MessageBody, error) {
	body, err := b.db.GetBody(accountID, messageID)
	if err != nil {
		return nil, err
	}
	if body != nil {
		if err := b.db.TouchMessage(accountID, messageID); err != nil {
			return nil, err
		}
	}
	if body == nil || time.Since(time.UnixMilli(body.FetchedAt)) >= b.cfg.BodyStaleness() {
		job := b.producers.BodyFetchJob(accountID, messageID)
		if err := b.controller.Submit(job); err != nil {
			b.logger.Warn("body fetch not admitted",
				zap.String("message", messageID), zap.Error(err))
		}
	}
	return body, nil
}

// Thread returns the cached members of a conversation oldest first, and
// submits a fetch so members living outside any synced folder arrive too.
func (b *Bridge) Thread(accountID, threadID string) ([]store.Message, error) {
	msgs, err := b.db.ListThreadMessages(accountID, threadID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := b.db.TouchMessage(accountID, m.ID); err != nil {
			return nil, err
		}
	}
	job := b.producers.ThreadFetchJob(accountID, threadID)
	if err := b.controller.Submit(job); err != nil {
		b.logger.Warn("thread fetch not admitted",
			zap.String("thread", threadID), zap.Error(err))
	}
	return msgs, nil
}

// FolderStatus derives the freshness state the UI must distinguish.
func (b *Bridge) FolderStatus(accountID, folderID string) (FolderStatus, error) {
	account, err := b.db.GetAccount(accountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("account %s no longer exists", accountID)
	}
	if account.NeedsReauth {
		return StatusAuthRequired, nil
	}

	folder, err := b.db.GetFolder(accountID, folderID)
	if err != nil {
		return "", err
	}
	if folder != nil && folder.LastSyncError != "" {
		return StatusStaleRefreshFailed, nil
	}
	return StatusFresh, nil
}

func (b *Bridge) submitRefresh(accountID, folderID string) {
	job := b.producers.RefreshFolderJob(accountID, folderID, sync.PriorityUser)
	if err := b.controller.Submit(job); err != nil {
		b.logger.Warn("refresh not admitted",
			zap.String("folder", folderID), zap.Error(err))
	}
}

// isStale reports whether the folder's watermark has aged past the
// staleness window. Folders never synced are always stale; refreshing only
// when stale keeps folder opens cheap without serving old data as current.
func (b *Bridge) isStale(accountID, folderID string) (bool, error) {
	folder, err := b.db.GetFolder(accountID, folderID)
	if err != nil {
		return false, err
	}
	if folder == nil || folder.LastSyncedAt == 0 {
		return true, nil
	}
	return time.Since(time.UnixMilli(folder.LastSyncedAt)) >= b.cfg.BodyStaleness(), nil
}
