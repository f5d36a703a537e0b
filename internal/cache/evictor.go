package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/store"
)

// Evictor reclaims space from the store, either when usage crosses the
// pressure cutoff or on a periodic schedule. Eligibility is decided by the
// store; the evictor only decides when a pass runs.
type Evictor struct {
	db       *store.DB
	monitor  *Monitor
	events   *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	age      time.Duration
	recency  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// EvictorParams configures an Evictor.
type EvictorParams struct {
	DB       *store.DB
	Monitor  *Monitor
	Bus      *bus.Bus
	Logger   *zap.Logger
	Interval time.Duration
	Age      time.Duration
	Recency  time.Duration
}

// NewEvictor creates an evictor. Call Start to begin the periodic loop.
func NewEvictor(p EvictorParams) *Evictor {
	return &Evictor{
		db:       p.DB,
		monitor:  p.Monitor,
		events:   p.Bus,
		logger:   p.Logger,
		interval: p.Interval,
		age:      p.Age,
		recency:  p.Recency,
	}
}

// Start launches the background loop. The loop checks pressure every few
// minutes and runs a pass when the cutoff is crossed or the periodic
// interval since the last recorded pass has elapsed. The last-run timestamp
// is persisted, so restarts do not reset the schedule.
func (e *Evictor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx)
}

// Stop terminates the background loop and waits for it to exit.
func (e *Evictor) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

const checkInterval = 5 * time.Minute

func (e *Evictor) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, reason, err := e.due()
			if err != nil {
				e.logger.Error("eviction check failed", zap.Error(err))
				continue
			}
			if !due {
				continue
			}
			if _, err := e.RunPass(reason); err != nil {
				e.logger.Error("eviction pass failed", zap.Error(err))
			}
		}
	}
}

func (e *Evictor) due() (bool, string, error) {
	pressured, err := e.monitor.UnderPressure()
	if err != nil {
		return false, "", err
	}
	if pressured {
		return true, "pressure", nil
	}

	lastRun, err := e.db.LastEvictionRun()
	if err != nil {
		return false, "", err
	}
	if time.Since(time.UnixMilli(lastRun)) >= e.interval {
		return true, "periodic", nil
	}
	return false, "", nil
}

// RunPass executes one eviction pass immediately and publishes the result.
func (e *Evictor) RunPass(reason string) (*store.EvictionResult, error) {
	now := time.Now()
	res, err := e.db.Evict(
		now.Add(-e.age).UnixMilli(),
		now.Add(-e.recency).UnixMilli(),
	)
	if err != nil {
		return nil, err
	}

	e.logger.Info("eviction pass complete",
		zap.String("reason", reason),
		zap.Int64("messages", res.Messages),
		zap.Int64("bodies", res.Bodies),
		zap.Int64("attachments", res.Attachments))

	e.events.Publish(bus.Event{Kind: bus.KindCacheEvicted, Payload: res})
	return res, nil
}
