// Package sync implements the admission, scheduling and execution
// coordinator for all network work, plus the producers that generate it.
package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
	"github.com/lfarias/mailkeep/internal/token"
)

// Class separates work a user is waiting on from speculative cache warming.
// Proactive jobs are subject to cache-pressure gating and are dropped on
// denial; reactive jobs never are.
type Class int

const (
	ClassReactive Class = iota
	ClassProactive
)

// Priority orders execution. User jobs always run before background jobs;
// within a priority jobs run FIFO.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityUser
)

// Job is one unit of admitted network work. Score is an integer cost
// estimate, larger for bulk backfills than for a single-message refresh; the
// controller keeps an elevated execution context alive while the aggregate
// score of queued and running jobs is non-zero.
type Job struct {
	Name      string
	AccountID string
	Class     Class
	Priority  Priority
	Score     int
	Run       func(ctx context.Context, cy *Cycle) error
}

// Cycle carries the per-invocation state a job needs: the account row, its
// resolved adapter and the token provider. It is constructed fresh for each
// job run; nothing account-scoped lives in package state.
type Cycle struct {
	Account *store.Account
	Adapter provider.Adapter
	Tokens  token.Provider
}

// Session obtains fresh credentials and bundles them with the account for
// adapter calls.
func (c *Cycle) Session() (*provider.Session, error) {
	creds, err := c.Tokens.Credentials(c.Account.ID)
	if err != nil {
		return nil, err
	}
	return &provider.Session{Account: c.Account, Creds: creds}, nil
}

// ActivityHolder is the elevated execution context held while sync work is
// pending, so the OS does not deprioritize the process mid-sync.
type ActivityHolder interface {
	Acquire()
	Release()
}

// LogHolder is the portable holder: it records transitions in the log.
// Platform builds substitute an implementation backed by an OS wake lock.
type LogHolder struct {
	Logger *zap.Logger
}

func (h *LogHolder) Acquire() { h.Logger.Debug("sync activity acquired") }
func (h *LogHolder) Release() { h.Logger.Debug("sync activity released") }
