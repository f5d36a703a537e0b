package sync

import (
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/store"
)

// Ticker drives periodic delta sync. It runs on the short interval while the
// app is foregrounded and the long one while backgrounded. Each tick
// resubmits deferred user jobs, then produces folder-list and folder-refresh
// jobs for every folder whose sync watermark has aged past the interval.
// The remote has no changed-since query, so staleness is bounded by a full
// refresh of the folder's head page instead of a true delta.
type Ticker struct {
	db         *store.DB
	cfg        *config.Config
	producers  *Producers
	controller *Controller
	logger     *zap.Logger

	mu         stdsync.Mutex
	foreground bool

	nudge chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewTicker creates the delta sync ticker, initially in foreground mode.
func NewTicker(db *store.DB, cfg *config.Config, producers *Producers, controller *Controller, logger *zap.Logger) *Ticker {
	return &Ticker{
		db:         db,
		cfg:        cfg,
		producers:  producers,
		controller: controller,
		logger:     logger,
		foreground: true,
		nudge:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the tick loop. The first tick fires immediately.
func (t *Ticker) Start() {
	go t.loop()
}

// Stop terminates the loop and waits for it to exit.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}

// SetForeground switches the tick cadence. Entering the foreground also
// triggers an immediate tick.
func (t *Ticker) SetForeground(fg bool) {
	t.mu.Lock()
	changed := t.foreground != fg
	t.foreground = fg
	t.mu.Unlock()
	if changed && fg {
		t.Nudge()
	}
}

// Nudge requests an immediate tick without waiting out the interval.
func (t *Ticker) Nudge() {
	select {
	case t.nudge <- struct{}{}:
	default:
	}
}

func (t *Ticker) interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.foreground {
		return t.cfg.ForegroundInterval()
	}
	return t.cfg.BackgroundInterval()
}

func (t *Ticker) loop() {
	defer close(t.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.nudge:
		case <-timer.C:
		}
		t.tick()
		timer.Reset(t.interval())
	}
}

func (t *Ticker) tick() {
	t.controller.ResubmitDeferred()

	accounts, err := t.db.ListAccounts()
	if err != nil {
		t.logger.Error("delta tick failed", zap.Error(err))
		return
	}

	interval := t.interval()
	now := time.Now()

	for _, account := range accounts {
		if account.NeedsReauth {
			continue
		}
		if err := t.controller.Submit(t.producers.FolderListJob(account.ID, PriorityBackground)); err != nil {
			t.logger.Debug("folder list not admitted",
				zap.String("account", account.ID), zap.Error(err))
			continue
		}

		folders, err := t.db.ListFolders(account.ID)
		if err != nil {
			t.logger.Error("listing folders", zap.String("account", account.ID), zap.Error(err))
			continue
		}
		for _, folder := range folders {
			if now.Sub(time.UnixMilli(folder.LastSyncedAt)) < interval {
				continue
			}
			job := t.producers.RefreshFolderJob(account.ID, folder.ID, PriorityBackground)
			if err := t.controller.Submit(job); err != nil {
				t.logger.Debug("folder refresh not admitted",
					zap.String("folder", folder.ID), zap.Error(err))
			}
		}
	}
}
