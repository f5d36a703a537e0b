package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/cache"
	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/gate"
	"github.com/lfarias/mailkeep/internal/health"
	"github.com/lfarias/mailkeep/internal/lock"
	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
	intsync "github.com/lfarias/mailkeep/internal/sync"
	"github.com/lfarias/mailkeep/internal/token"
	"github.com/lfarias/mailkeep/internal/upload"
)

type fakeTokens struct {
	deleted []string
}

func (f *fakeTokens) Credentials(string) (token.Credentials, error) {
	return token.Credentials{Username: "u", Secret: "s"}, nil
}

func (f *fakeTokens) Delete(accountID string) error {
	f.deleted = append(f.deleted, accountID)
	return nil
}

type okAdapter struct {
	provider.Adapter
}

func (okAdapter) ApplyAction(context.Context, *provider.Session, *store.PendingAction) (*provider.ActionOutcome, error) {
	return &provider.ActionOutcome{}, nil
}

func TestDaemonLifecycle(t *testing.T) {
	dataDir := t.TempDir()

	lk, err := lock.Acquire(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(dataDir, "mail.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	cfg := config.Default()
	tokens := &fakeTokens{}

	registry := provider.NewRegistry()
	registry.Register(store.ProviderIMAP, okAdapter{})

	tracker := health.NewTracker(cfg.FailureWindow(), b)
	monitor := cache.NewMonitor(db, cfg.CacheCeilingBytes)
	evictor := cache.NewEvictor(cache.EvictorParams{
		DB:       db,
		Monitor:  monitor,
		Bus:      b,
		Logger:   logger,
		Interval: cfg.EvictionInterval(),
		Age:      cfg.Retention(),
		Recency:  cfg.Recency(),
	})
	chain := gate.NewChain(logger,
		&gate.Connectivity{Tracker: tracker},
		&gate.Pressure{Monitor: monitor},
		&gate.AccountValidity{DB: db},
	)
	controller := intsync.NewController(intsync.ControllerParams{
		DB:            db,
		Registry:      registry,
		Tokens:        tokens,
		Chain:         chain,
		Tracker:       tracker,
		Holder:        &intsync.LogHolder{Logger: logger},
		Bus:           b,
		Logger:        logger,
		Workers:       2,
		JobDeadline:   cfg.JobDeadline(),
		DegradedDelay: cfg.DegradedDelay(),
	})
	processor := upload.NewProcessor(upload.ProcessorParams{
		DB:       db,
		Registry: registry,
		Tokens:   tokens,
		Tracker:  tracker,
		Bus:      b,
		Logger:   logger,
		Config:   cfg,
	})
	actions := upload.NewActions(db, b, logger)

	if err := db.UpsertAccount(&store.Account{ID: "a1", Provider: store.ProviderIMAP, Email: "a1@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertFolder(&store.Folder{ID: "INBOX", AccountID: "a1", DisplayName: "INBOX", Type: store.FolderInbox}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		ID: "m1", AccountID: "a1", FolderID: "INBOX",
		Subject: "hello", ReceivedAt: time.Now().UnixMilli(),
		SyncStatus: store.StatusSynced,
	}); err != nil {
		t.Fatal(err)
	}

	applied, unsub := b.Subscribe(bus.KindActionApplied, 4)
	defer unsub()

	controller.Start()
	processor.Start()
	evictor.Start()
	defer func() {
		evictor.Stop()
		processor.Stop()
		controller.Stop()
	}()

	// Give the processor's bus subscription a moment to register.
	time.Sleep(50 * time.Millisecond)

	if err := actions.MarkRead("a1", "m1", true); err != nil {
		t.Fatal(err)
	}

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for action to be applied")
	}

	msg, err := db.GetMessage("a1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || !msg.IsRead {
		t.Fatal("message not marked read")
	}
	if msg.SyncStatus != store.StatusSynced {
		t.Errorf("sync status = %q, want %q", msg.SyncStatus, store.StatusSynced)
	}

	pending, err := db.PendingActions("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending actions after drain = %d, want 0", len(pending))
	}
}

func TestLockPreventsSecondInstance(t *testing.T) {
	dataDir := t.TempDir()

	lk, err := lock.Acquire(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(dataDir); err == nil {
		t.Fatal("expected second acquire to fail")
	}
}

func TestReconcileAccounts(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	if err := db.UpsertAccount(&store.Account{ID: "stale", Provider: store.ProviderIMAP, Email: "old@example.com"}); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	cfg := config.Default()
	cfg.Accounts = []config.AccountConfig{
		{ID: "a1", Email: "a1@example.com", DisplayName: "One", IMAPAddr: "imap.example.com:993", SMTPAddr: "smtp.example.com:465"},
		{ID: "a2", Email: "a2@example.com", DisplayName: "Two", IMAPAddr: "imap.example.com:993", SMTPAddr: "smtp.example.com:465"},
	}

	tokens := &fakeTokens{}
	tracker := health.NewTracker(cfg.FailureWindow(), b)
	controller := intsync.NewController(intsync.ControllerParams{
		DB:       db,
		Registry: provider.NewRegistry(),
		Tokens:   tokens,
		Chain:    gate.NewChain(logger),
		Tracker:  tracker,
		Holder:   &intsync.LogHolder{Logger: logger},
		Bus:      b,
		Logger:   logger,
		Workers:  1,
	})

	removed, unsub := b.Subscribe(bus.KindAccountRemoved, 1)
	defer unsub()

	if err := reconcileAccounts(db, cfg, controller, tokens, b, logger); err != nil {
		t.Fatal(err)
	}

	accounts, err := db.ListAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	for _, a := range accounts {
		if a.ID == "stale" {
			t.Error("stale account should have been removed")
		}
	}

	select {
	case evt := <-removed:
		if evt.Payload.(string) != "stale" {
			t.Errorf("removed payload = %v, want %q", evt.Payload, "stale")
		}
	default:
		t.Error("expected account removal event")
	}

	if len(tokens.deleted) != 1 || tokens.deleted[0] != "stale" {
		t.Errorf("deleted credentials = %v, want [stale]", tokens.deleted)
	}

	// A second pass is a no-op.
	if err := reconcileAccounts(db, cfg, controller, tokens, b, logger); err != nil {
		t.Fatal(err)
	}
	accounts, err = db.ListAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts after second pass = %d, want 2", len(accounts))
	}
}
