package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/store"
)

// Work scores per job shape. Backfills touch many rows, body fetches one.
const (
	scoreFolderList  = 2
	scoreRefresh     = 3
	scoreBackfill    = 5
	scoreBodyFetch   = 1
	scoreThreadFetch = 2
)

// Producers builds the sync jobs the engine runs. Producers never gate
// themselves on pressure or connectivity; admission is the chain's job.
type Producers struct {
	db     *store.DB
	cfg    *config.Config
	events *bus.Bus
	logger *zap.Logger
}

// NewProducers creates the job producer set.
func NewProducers(db *store.DB, cfg *config.Config, events *bus.Bus, logger *zap.Logger) *Producers {
	return &Producers{db: db, cfg: cfg, events: events, logger: logger}
}

// classFor derives the admission class from who asked: background work is
// speculative, user work is not.
func classFor(pri Priority) Class {
	if pri == PriorityUser {
		return ClassReactive
	}
	return ClassProactive
}

// FolderListJob fetches all folders for an account and replaces the stored
// folder set.
func (p *Producers) FolderListJob(accountID string, pri Priority) *Job {
	return &Job{
		Name:      "folder-list",
		AccountID: accountID,
		Class:     classFor(pri),
		Priority:  pri,
		Score:     scoreFolderList,
		Run: func(ctx context.Context, cy *Cycle) error {
			sess, err := cy.Session()
			if err != nil {
				return err
			}
			folders, err := cy.Adapter.ListFolders(ctx, sess)
			if err != nil {
				return err
			}
			if err := p.db.ReplaceFolders(accountID, folders); err != nil {
				return err
			}
			p.events.Publish(bus.Event{Kind: bus.KindFolderUpdated, Payload: accountID})
			return nil
		},
	}
}

// RefreshFolderJob fetches a bounded page of headers and clear-and-replaces
// the folder's cached set. Locally pending rows survive the replace. The
// folder's sync watermark and last error are updated either way.
func (p *Producers) RefreshFolderJob(accountID, folderID string, pri Priority) *Job {
	return &Job{
		Name:      "folder-refresh",
		AccountID: accountID,
		Class:     classFor(pri),
		Priority:  pri,
		Score:     scoreRefresh,
		Run: func(ctx context.Context, cy *Cycle) error {
			sess, err := cy.Session()
			if err != nil {
				_ = p.db.SetFolderSynced(accountID, folderID, err.Error())
				return err
			}
			msgs, err := cy.Adapter.ListMessages(ctx, sess, folderID, p.cfg.PageSize)
			if err != nil {
				_ = p.db.SetFolderSynced(accountID, folderID, err.Error())
				return err
			}
			if err := p.db.ReplaceFolderMessages(accountID, folderID, msgs); err != nil {
				return err
			}
			if err := p.db.SetFolderSynced(accountID, folderID, ""); err != nil {
				return err
			}
			p.events.Publish(bus.Event{
				Kind:    bus.KindFolderRefreshed,
				Payload: FolderRef{AccountID: accountID, FolderID: folderID},
			})
			return nil
		},
	}
}

// FolderRef identifies one folder in event payloads.
type FolderRef struct {
	AccountID string
	FolderID  string
}

// BackfillJob fetches a deeper page of history and merges it in. It is
// always proactive: under cache pressure the chain drops it.
func (p *Producers) BackfillJob(accountID, folderID string, depth int) *Job {
	return &Job{
		Name:      "backfill",
		AccountID: accountID,
		Class:     ClassProactive,
		Priority:  PriorityBackground,
		Score:     scoreBackfill,
		Run: func(ctx context.Context, cy *Cycle) error {
			sess, err := cy.Session()
			if err != nil {
				return err
			}
			msgs, err := cy.Adapter.ListMessages(ctx, sess, folderID, depth)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := p.db.UpsertMessage(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// ThreadFetchJob pulls every remote member of a thread into the cache, so a
// conversation view can show messages living outside the open folder.
func (p *Producers) ThreadFetchJob(accountID, threadID string) *Job {
	return &Job{
		Name:      "thread-fetch",
		AccountID: accountID,
		Class:     ClassReactive,
		Priority:  PriorityUser,
		Score:     scoreThreadFetch,
		Run: func(ctx context.Context, cy *Cycle) error {
			sess, err := cy.Session()
			if err != nil {
				return err
			}
			msgs, err := cy.Adapter.ListThreadMessages(ctx, sess, threadID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := p.db.UpsertMessage(m); err != nil {
					return err
				}
			}
			p.events.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: threadID})
			return nil
		},
	}
}

// BodyFetchJob fetches the full payload of one message on demand. A body
// fetched within the staleness window is kept as-is; otherwise the
// authoritative full payload replaces it.
func (p *Producers) BodyFetchJob(accountID, messageID string) *Job {
	return &Job{
		Name:      "body-fetch",
		AccountID: accountID,
		Class:     ClassReactive,
		Priority:  PriorityUser,
		Score:     scoreBodyFetch,
		Run: func(ctx context.Context, cy *Cycle) error {
			existing, err := p.db.GetBody(accountID, messageID)
			if err != nil {
				return err
			}
			if existing != nil && time.Since(time.UnixMilli(existing.FetchedAt)) < p.cfg.BodyStaleness() {
				return nil
			}

			sess, err := cy.Session()
			if err != nil {
				return err
			}
			body, err := cy.Adapter.GetMessageBody(ctx, sess, messageID)
			if err != nil {
				_ = p.db.SetMessageStatus(accountID, messageID, store.StatusError, err.Error())
				return err
			}
			if err := p.db.UpsertBody(body); err != nil {
				return err
			}
			if err := p.db.TouchMessage(accountID, messageID); err != nil {
				return err
			}
			p.events.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: messageID})
			return nil
		},
	}
}
