package sync

import (
	"container/heap"
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/gate"
	"github.com/lfarias/mailkeep/internal/health"
	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
	"github.com/lfarias/mailkeep/internal/token"
)

// queuedJob wraps a job with its admission sequence number for FIFO ordering
// within a priority class.
type queuedJob struct {
	job *Job
	seq uint64
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ControllerParams configures a Controller.
type ControllerParams struct {
	DB            *store.DB
	Registry      *provider.Registry
	Tokens        token.Provider
	Chain         *gate.Chain
	Tracker       *health.Tracker
	Holder        ActivityHolder
	Bus           *bus.Bus
	Logger        *zap.Logger
	Workers       int
	JobDeadline   time.Duration
	DegradedDelay time.Duration
}

// Controller is the single admission point for network jobs. It owns a
// priority queue drained by a bounded worker pool, tracks the aggregate work
// score of queued and running jobs, and holds the elevated execution context
// exactly while that score is non-zero.
type Controller struct {
	db            *store.DB
	registry      *provider.Registry
	tokens        token.Provider
	chain         *gate.Chain
	tracker       *health.Tracker
	holder        ActivityHolder
	events        *bus.Bus
	logger        *zap.Logger
	workers       int
	jobDeadline   time.Duration
	degradedDelay time.Duration

	mu       stdsync.Mutex
	cond     *stdsync.Cond
	queue    jobHeap
	deferred []*Job
	seq      uint64
	score    int
	running  map[string]map[uint64]context.CancelFunc
	closed   bool
	wg       stdsync.WaitGroup
}

// JobResult is the payload published on job completion.
type JobResult struct {
	Name      string
	AccountID string
	Err       string
}

// NewController creates a controller. Call Start to launch the worker pool.
func NewController(p ControllerParams) *Controller {
	c := &Controller{
		db:            p.DB,
		registry:      p.Registry,
		tokens:        p.Tokens,
		chain:         p.Chain,
		tracker:       p.Tracker,
		holder:        p.Holder,
		events:        p.Bus,
		logger:        p.Logger,
		workers:       p.Workers,
		jobDeadline:   p.JobDeadline,
		degradedDelay: p.DegradedDelay,
		running:       make(map[string]map[uint64]context.CancelFunc),
	}
	c.cond = stdsync.NewCond(&c.mu)
	return c
}

// Start launches the worker pool.
func (c *Controller) Start() {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Stop drains no further work and waits for in-flight jobs to finish.
// Jobs still queued are discarded with their score released, so the
// activity holder never outlives the controller.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	for _, qj := range c.queue {
		c.addScoreLocked(-qj.job.Score)
	}
	c.queue = nil
	c.deferred = nil
	c.mu.Unlock()
}

// Submit asks for admission through the gate chain and enqueues the job.
// A denied proactive job is dropped and the denial returned; a denied
// user-initiated job is deferred and resubmitted on the next trigger, never
// silently lost.
func (c *Controller) Submit(job *Job) error {
	err := c.chain.Admit(gate.Request{
		AccountID:     job.AccountID,
		Proactive:     job.Class == ClassProactive,
		UserInitiated: job.Priority == PriorityUser,
		Description:   job.Name,
	})
	if err != nil {
		if job.Priority == PriorityUser {
			c.mu.Lock()
			c.deferred = append(c.deferred, job)
			c.mu.Unlock()
			c.logger.Info("user job deferred",
				zap.String("job", job.Name), zap.Error(err))
			return nil
		}
		return err
	}

	c.enqueue(job)
	return nil
}

// ResubmitDeferred re-attempts admission for user jobs previously denied.
// Called on every sync trigger and on connectivity recovery.
func (c *Controller) ResubmitDeferred() {
	c.mu.Lock()
	jobs := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	for _, job := range jobs {
		if err := c.Submit(job); err != nil {
			c.logger.Warn("deferred job dropped on resubmit",
				zap.String("job", job.Name), zap.Error(err))
		}
	}
}

// CancelAccount drops every queued job for an account and cancels its
// in-flight jobs. Called when the account is removed.
func (c *Controller) CancelAccount(accountID string) {
	c.mu.Lock()
	kept := c.queue[:0]
	for _, qj := range c.queue {
		if qj.job.AccountID == accountID {
			c.addScoreLocked(-qj.job.Score)
			continue
		}
		kept = append(kept, qj)
	}
	c.queue = kept
	heap.Init(&c.queue)

	deferred := c.deferred[:0]
	for _, job := range c.deferred {
		if job.AccountID != accountID {
			deferred = append(deferred, job)
		}
	}
	c.deferred = deferred

	cancels := c.running[accountID]
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.logger.Info("cancelled account jobs", zap.String("account", accountID))
}

// Score returns the aggregate work score of queued and running jobs.
func (c *Controller) Score() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

func (c *Controller) enqueue(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	heap.Push(&c.queue, &queuedJob{job: job, seq: c.seq})
	c.addScoreLocked(job.Score)
	c.cond.Signal()
}

// addScoreLocked adjusts the aggregate score; the elevated execution
// context is held exactly while the score is positive. Caller holds c.mu.
func (c *Controller) addScoreLocked(delta int) {
	before := c.score
	c.score += delta
	switch {
	case before == 0 && c.score > 0:
		c.holder.Acquire()
		c.events.Publish(bus.Event{Kind: bus.KindSyncStarted})
	case before > 0 && c.score == 0:
		c.holder.Release()
		c.events.Publish(bus.Event{Kind: bus.KindSyncIdle})
	}
}

func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		qj := c.next()
		if qj == nil {
			return
		}
		c.run(qj)
	}
}

func (c *Controller) next() *queuedJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return nil
	}
	return heap.Pop(&c.queue).(*queuedJob)
}

func (c *Controller) run(qj *queuedJob) {
	job := qj.job

	ctx, cancel := context.WithTimeout(context.Background(), c.jobDeadline)
	c.track(job.AccountID, qj.seq, cancel)
	defer func() {
		cancel()
		c.untrack(job.AccountID, qj.seq)
		c.mu.Lock()
		c.addScoreLocked(-job.Score)
		c.mu.Unlock()
	}()

	err := c.execute(ctx, job)
	if err == nil {
		c.tracker.RecordSuccess()
		c.events.Publish(bus.Event{Kind: bus.KindSyncFinished,
			Payload: JobResult{Name: job.Name, AccountID: job.AccountID}})
		return
	}

	class := provider.Classify(err)
	if class == provider.ClassTransient || class == provider.ClassRateLimit {
		c.tracker.RecordFailure()
	}
	c.logger.Warn("job failed",
		zap.String("job", job.Name),
		zap.String("account", job.AccountID),
		zap.Stringer("class", class),
		zap.Error(err))
	c.events.Publish(bus.Event{Kind: bus.KindSyncFinished,
		Payload: JobResult{Name: job.Name, AccountID: job.AccountID, Err: err.Error()}})

	// After a failure on a degraded link, back off before pulling more work.
	if c.tracker.State() == health.Degraded {
		time.Sleep(c.degradedDelay)
	}
}

func (c *Controller) execute(ctx context.Context, job *Job) error {
	account, err := c.db.GetAccount(job.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %s no longer exists", job.AccountID)
	}
	adapter, err := c.registry.Resolve(account.Provider)
	if err != nil {
		return err
	}
	return job.Run(ctx, &Cycle{Account: account, Adapter: adapter, Tokens: c.tokens})
}

func (c *Controller) track(accountID string, seq uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[accountID] == nil {
		c.running[accountID] = make(map[uint64]context.CancelFunc)
	}
	c.running[accountID][seq] = cancel
}

func (c *Controller) untrack(accountID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running[accountID], seq)
	if len(c.running[accountID]) == 0 {
		delete(c.running, accountID)
	}
}
