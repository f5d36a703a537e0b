package sync

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/cache"
	"github.com/lfarias/mailkeep/internal/gate"
	"github.com/lfarias/mailkeep/internal/health"
	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
	"github.com/lfarias/mailkeep/internal/token"
)

type fakeTokens struct{}

func (fakeTokens) Credentials(string) (token.Credentials, error) {
	return token.Credentials{Username: "u", Secret: "s"}, nil
}

// fakeAdapter satisfies provider.Adapter; jobs in these tests carry their
// own Run funcs, so only the interface shape matters.
type fakeAdapter struct{ provider.Adapter }

type countingHolder struct {
	mu       stdsync.Mutex
	acquires int
	releases int
}

func (h *countingHolder) Acquire() {
	h.mu.Lock()
	h.acquires++
	h.mu.Unlock()
}

func (h *countingHolder) Release() {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()
}

func (h *countingHolder) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquires, h.releases
}

type testEnv struct {
	db         *store.DB
	tracker    *health.Tracker
	holder     *countingHolder
	controller *Controller
}

func newEnv(t *testing.T, workers int, tracker *health.Tracker, gates ...gate.Gatekeeper) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.UpsertAccount(&store.Account{ID: "a1", Provider: store.ProviderIMAP, Email: "a1@example.com"}); err != nil {
		t.Fatal(err)
	}

	registry := provider.NewRegistry()
	registry.Register(store.ProviderIMAP, fakeAdapter{})

	if tracker == nil {
		tracker = health.NewTracker(time.Minute, nil)
	}
	holder := &countingHolder{}

	controller := NewController(ControllerParams{
		DB:            db,
		Registry:      registry,
		Tokens:        fakeTokens{},
		Chain:         gate.NewChain(zap.NewNop(), gates...),
		Tracker:       tracker,
		Holder:        holder,
		Bus:           bus.New(),
		Logger:        zap.NewNop(),
		Workers:       workers,
		JobDeadline:   5 * time.Second,
		DegradedDelay: time.Millisecond,
	})
	return &testEnv{db: db, tracker: tracker, holder: holder, controller: controller}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkScoreAccounting(t *testing.T) {
	env := newEnv(t, 1, nil)
	env.controller.Start()
	defer env.controller.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := &Job{
		Name: "blocker", AccountID: "a1", Priority: PriorityUser, Score: 2,
		Run: func(ctx context.Context, _ *Cycle) error {
			close(started)
			<-release
			return nil
		},
	}
	queued := &Job{
		Name: "queued", AccountID: "a1", Priority: PriorityBackground, Score: 3,
		Run:  func(context.Context, *Cycle) error { return nil },
	}

	if err := env.controller.Submit(blocker); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := env.controller.Submit(queued); err != nil {
		t.Fatal(err)
	}

	if got := env.controller.Score(); got != 5 {
		t.Errorf("score = %d, want 5 (running 2 + queued 3)", got)
	}
	if acq, rel := env.holder.counts(); acq != 1 || rel != 0 {
		t.Errorf("holder acquires=%d releases=%d, want 1/0 while busy", acq, rel)
	}

	close(release)
	waitFor(t, "score to drain", func() bool { return env.controller.Score() == 0 })
	waitFor(t, "holder release", func() bool {
		acq, rel := env.holder.counts()
		return acq == 1 && rel == 1
	})
}

func TestPriorityOrderAndFIFO(t *testing.T) {
	env := newEnv(t, 1, nil)
	env.controller.Start()
	defer env.controller.Stop()

	var mu stdsync.Mutex
	var order []string
	record := func(name string) *Job {
		return &Job{
			Name: name, AccountID: "a1", Score: 1,
			Run: func(context.Context, *Cycle) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			},
		}
	}

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := &Job{
		Name: "blocker", AccountID: "a1", Priority: PriorityUser, Score: 1,
		Run: func(context.Context, *Cycle) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := env.controller.Submit(blocker); err != nil {
		t.Fatal(err)
	}
	<-started

	// Queue while the single worker is occupied: user jobs must run before
	// older background jobs, FIFO within each class.
	b1, b2 := record("b1"), record("b2")
	u1, u2 := record("u1"), record("u2")
	u1.Priority, u2.Priority = PriorityUser, PriorityUser
	for _, job := range []*Job{b1, b2, u1, u2} {
		if err := env.controller.Submit(job); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	waitFor(t, "all jobs to run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"u1", "u2", "b1", "b2"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestUserJobDeferredWhileBlocked(t *testing.T) {
	tracker := health.NewTracker(time.Minute, nil)
	env := newEnv(t, 1, tracker, &gate.Connectivity{Tracker: tracker})

	for i := 0; i < 4; i++ {
		tracker.RecordFailure()
	}

	ran := make(chan struct{})
	user := &Job{
		Name: "user-refresh", AccountID: "a1", Priority: PriorityUser, Score: 1,
		Run: func(context.Context, *Cycle) error {
			close(ran)
			return nil
		},
	}
	proactive := &Job{
		Name: "backfill", AccountID: "a1", Class: ClassProactive, Priority: PriorityBackground, Score: 1,
		Run:  func(context.Context, *Cycle) error { return nil },
	}

	// Blocked link: user job defers without error, proactive job is dropped
	// with the denial.
	if err := env.controller.Submit(user); err != nil {
		t.Fatalf("user job must not be lost: %v", err)
	}
	var denied *gate.DeniedError
	if err := env.controller.Submit(proactive); !errors.As(err, &denied) {
		t.Fatalf("proactive job should be dropped, got %v", err)
	}
	if env.controller.Score() != 0 {
		t.Fatal("deferred job must not hold score")
	}

	env.controller.Start()
	defer env.controller.Stop()

	// Link recovers; the next trigger resubmits the deferred job.
	for i := 0; i < 4; i++ {
		tracker.RecordSuccess()
	}
	env.controller.ResubmitDeferred()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred user job never ran after recovery")
	}
}

func TestCancelAccountDropsQueuedJobs(t *testing.T) {
	env := newEnv(t, 1, nil)
	if err := env.db.UpsertAccount(&store.Account{ID: "a2", Provider: store.ProviderIMAP, Email: "a2@example.com"}); err != nil {
		t.Fatal(err)
	}

	// Not started: everything stays queued.
	for _, job := range []*Job{
		{Name: "j1", AccountID: "a1", Score: 2, Run: func(context.Context, *Cycle) error { return nil }},
		{Name: "j2", AccountID: "a2", Score: 3, Run: func(context.Context, *Cycle) error { return nil }},
		{Name: "j3", AccountID: "a1", Score: 1, Run: func(context.Context, *Cycle) error { return nil }},
	} {
		if err := env.controller.Submit(job); err != nil {
			t.Fatal(err)
		}
	}
	if got := env.controller.Score(); got != 6 {
		t.Fatalf("score = %d, want 6", got)
	}

	env.controller.CancelAccount("a1")
	if got := env.controller.Score(); got != 3 {
		t.Fatalf("score after cancel = %d, want 3 (only a2's job)", got)
	}
}

func TestProactiveDroppedUnderPressure(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	env := newEnv(t, 1, nil, &gate.Pressure{Monitor: cache.NewMonitor(db, 1)})

	proactive := &Job{
		Name: "backfill", AccountID: "a1", Class: ClassProactive, Priority: PriorityBackground, Score: 5,
		Run:  func(context.Context, *Cycle) error { return nil },
	}
	if err := env.controller.Submit(proactive); err == nil {
		t.Fatal("proactive job should be denied under pressure")
	}

	// Same pressure, user-initiated refresh still admitted.
	user := &Job{
		Name: "refresh", AccountID: "a1", Priority: PriorityUser, Score: 3,
		Run:  func(context.Context, *Cycle) error { return nil },
	}
	if err := env.controller.Submit(user); err != nil {
		t.Fatalf("user job must be admitted: %v", err)
	}
}

func TestStopReleasesQueuedScore(t *testing.T) {
	env := newEnv(t, 1, nil)
	// No Start: queued jobs never drain, so Stop must settle them itself.

	for _, name := range []string{"one", "two"} {
		if err := env.controller.Submit(&Job{
			Name: name, AccountID: "a1", Priority: PriorityBackground, Score: 2,
			Run: func(context.Context, *Cycle) error { return nil },
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := env.controller.Score(); got != 4 {
		t.Fatalf("score = %d, want 4", got)
	}
	if acq, _ := env.holder.counts(); acq != 1 {
		t.Fatalf("acquires = %d, want 1", acq)
	}

	env.controller.Stop()

	if got := env.controller.Score(); got != 0 {
		t.Fatalf("score after stop = %d, want 0", got)
	}
	if acq, rel := env.holder.counts(); rel != acq {
		t.Fatalf("holder held after stop: acquires=%d releases=%d", acq, rel)
	}
}
