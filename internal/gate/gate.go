// Package gate implements the admission chain consulted before any network
// job runs. Every gatekeeper can deny a job; the chain stops at the first
// denial.
package gate

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/cache"
	"github.com/lfarias/mailkeep/internal/health"
	"github.com/lfarias/mailkeep/internal/store"
)

// Request describes a job asking for network admission.
type Request struct {
	AccountID string
	// Proactive marks speculative cache-warming work, as opposed to work a
	// user is waiting on.
	Proactive bool
	// UserInitiated marks jobs triggered by a direct user action. Denied
	// user jobs are deferred and retried, never dropped.
	UserInitiated bool
	Description   string
}

// DeniedError reports which gatekeeper denied a request and why.
type DeniedError struct {
	Gate   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied by %s: %s", e.Gate, e.Reason)
}

// Gatekeeper is one admission rule. Admit returns nil to pass the request
// on, or a *DeniedError to stop it.
type Gatekeeper interface {
	Name() string
	Admit(req Request) error
}

// Chain runs gatekeepers in order and short-circuits on the first denial.
type Chain struct {
	gates  []Gatekeeper
	logger *zap.Logger
}

// NewChain builds a chain over the given gatekeepers, consulted in order.
func NewChain(logger *zap.Logger, gates ...Gatekeeper) *Chain {
	return &Chain{gates: gates, logger: logger}
}

// Admit consults every gatekeeper in order.
func (c *Chain) Admit(req Request) error {
	for _, g := range c.gates {
		if err := g.Admit(req); err != nil {
			c.logger.Debug("job denied admission",
				zap.String("gate", g.Name()),
				zap.String("job", req.Description),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// Connectivity denies everything while the link is blocked. Degraded links
// still admit; the scheduler applies its delay separately.
type Connectivity struct {
	Tracker *health.Tracker
}

func (g *Connectivity) Name() string { return "connectivity" }

func (g *Connectivity) Admit(_ Request) error {
	if g.Tracker.State() == health.Blocked {
		return &DeniedError{Gate: g.Name(), Reason: "connectivity blocked"}
	}
	return nil
}

// Pressure denies proactive work while the cache sits above its pressure
// cutoff. Reactive work always passes; serving the user beats staying under
// the ceiling.
type Pressure struct {
	Monitor *cache.Monitor
}

func (g *Pressure) Name() string { return "cache-pressure" }

func (g *Pressure) Admit(req Request) error {
	if !req.Proactive {
		return nil
	}
	pressured, err := g.Monitor.UnderPressure()
	if err != nil {
		return &DeniedError{Gate: g.Name(), Reason: err.Error()}
	}
	if pressured {
		return &DeniedError{Gate: g.Name(), Reason: "cache above pressure cutoff"}
	}
	return nil
}

// AccountValidity denies jobs for accounts flagged as needing
// reauthentication. Running them would only burn attempts against a known
// auth failure.
type AccountValidity struct {
	DB *store.DB
}

func (g *AccountValidity) Name() string { return "account-validity" }

func (g *AccountValidity) Admit(req Request) error {
	if req.AccountID == "" {
		return nil
	}
	account, err := g.DB.GetAccount(req.AccountID)
	if err != nil {
		return &DeniedError{Gate: g.Name(), Reason: err.Error()}
	}
	if account == nil {
		return &DeniedError{Gate: g.Name(), Reason: "unknown account"}
	}
	if account.NeedsReauth {
		return &DeniedError{Gate: g.Name(), Reason: "account requires reauthentication"}
	}
	return nil
}
