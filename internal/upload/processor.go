package upload

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/health"
	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/store"
	"github.com/lfarias/mailkeep/internal/token"
)

// Processor drains each account's pending-action queue against the remote,
// strictly in enqueue order.
type Processor struct {
	db       *store.DB
	registry *provider.Registry
	tokens   token.Provider
	tracker  *health.Tracker
	events   *bus.Bus
	logger   *zap.Logger
	cfg      *config.Config

	cancel context.CancelFunc
	done   chan struct{}
}

// ProcessorParams configures a Processor.
type ProcessorParams struct {
	DB       *store.DB
	Registry *provider.Registry
	Tokens   token.Provider
	Tracker  *health.Tracker
	Bus      *bus.Bus
	Logger   *zap.Logger
	Config   *config.Config
}

// NewProcessor creates an upload processor. Call Start to run the drain loop.
func NewProcessor(p ProcessorParams) *Processor {
	return &Processor{
		db:       p.DB,
		registry: p.Registry,
		tokens:   p.Tokens,
		tracker:  p.Tracker,
		events:   p.Bus,
		logger:   p.Logger,
		cfg:      p.Config,
	}
}

// Start launches the drain loop: it wakes on every queued action and on a
// periodic tick that picks up actions whose retry time has come due.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop terminates the drain loop and waits for it to exit.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

const retryTick = 30 * time.Second

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)

	queued, unsub := p.events.Subscribe(bus.KindActionQueued, 16)
	defer unsub()

	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-queued:
			if accountID, ok := evt.Payload.(string); ok {
				p.drainAccount(ctx, accountID)
			}
		case <-ticker.C:
			p.DrainAll(ctx)
		}
	}
}

// DrainAll drains every account that is not waiting on reauthentication.
func (p *Processor) DrainAll(ctx context.Context) {
	accounts, err := p.db.ListAccounts()
	if err != nil {
		p.logger.Error("listing accounts for drain", zap.Error(err))
		return
	}
	for _, account := range accounts {
		if account.NeedsReauth {
			continue
		}
		p.drainAccount(ctx, account.ID)
	}
}

func (p *Processor) drainAccount(ctx context.Context, accountID string) {
	if err := p.Drain(ctx, accountID); err != nil {
		p.logger.Warn("drain halted",
			zap.String("account", accountID), zap.Error(err))
	}
}

// Drain applies the account's queue head to tail until it is empty, the head
// is not yet due, or the account halts on an auth failure.
func (p *Processor) Drain(ctx context.Context, accountID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		action, err := p.db.NextAction(accountID, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		if action == nil {
			return nil
		}
		halt, err := p.apply(ctx, accountID, action)
		if halt {
			return err
		}
	}
}

// apply runs one action against the remote and resolves its outcome. It
// returns halt=true when the account's queue must stop draining.
func (p *Processor) apply(ctx context.Context, accountID string, action *store.PendingAction) (bool, error) {
	if err := p.db.MarkActionInFlight(action.ID); err != nil {
		return true, err
	}
	action.Attempts++

	account, err := p.db.GetAccount(accountID)
	if err != nil {
		return true, err
	}
	if account == nil {
		// Account removed mid-drain; its queue rows are cascading away.
		return true, fmt.Errorf("account %s no longer exists", accountID)
	}
	adapter, err := p.registry.Resolve(account.Provider)
	if err != nil {
		return false, p.resolveFailure(account, action, err)
	}
	creds, err := p.tokens.Credentials(accountID)
	if err != nil {
		return p.isHalting(err), p.resolveFailure(account, action, err)
	}
	sess := &provider.Session{Account: account, Creds: creds}

	if action.Kind == store.ActionSend || action.Kind == store.ActionUpdateDraft || action.Kind == store.ActionCreateDraft {
		if err := p.stageLargeAttachments(ctx, sess, adapter, action); err != nil {
			return p.isHalting(err), p.resolveFailure(account, action, err)
		}
		if action.Kind == store.ActionUpdateDraft {
			if err := p.reconcileDraftAttachments(ctx, sess, adapter, action); err != nil {
				return p.isHalting(err), p.resolveFailure(account, action, err)
			}
		}
	}

	outcome, err := adapter.ApplyAction(ctx, sess, action)
	if err != nil {
		return p.isHalting(err), p.resolveFailure(account, action, err)
	}

	p.tracker.RecordSuccess()
	if err := p.resolveSuccess(accountID, action, outcome); err != nil {
		return true, err
	}
	return false, nil
}

// stageLargeAttachments uploads attachments above the chunk threshold
// through a session before the message itself goes out, rewriting the
// in-memory payload to reference the finished uploads.
func (p *Processor) stageLargeAttachments(ctx context.Context, sess *provider.Session, adapter provider.Adapter, action *store.PendingAction) error {
	payload, err := provider.DecodeSendPayload(action)
	if err != nil {
		return provider.NewError(provider.ClassPermanent, "stage attachments", err)
	}

	changed := false
	for i, ref := range payload.Attachments {
		if ref.UploadID != "" || ref.LocalPath == "" {
			continue
		}
		info, err := os.Stat(ref.LocalPath)
		if err != nil {
			return provider.NewError(provider.ClassPermanent, "stage attachments", err)
		}
		if info.Size() <= p.cfg.ChunkThresholdBytes {
			continue
		}

		uploadID, err := p.uploadChunked(ctx, sess, adapter, ref, info.Size())
		if err != nil {
			return err
		}
		payload.Attachments[i].UploadID = uploadID
		changed = true
	}

	if changed {
		encoded, err := provider.EncodePayload(payload)
		if err != nil {
			return err
		}
		action.Payload = encoded
	}
	return nil
}

func (p *Processor) uploadChunked(ctx context.Context, sess *provider.Session, adapter provider.Adapter, ref provider.AttachmentRef, size int64) (string, error) {
	up, err := adapter.CreateUploadSession(ctx, sess, &store.Attachment{
		ID:        ref.ID,
		AccountID: sess.Account.ID,
		Filename:  ref.Filename,
		MimeType:  ref.MimeType,
		SizeBytes: size,
	})
	if err != nil {
		return "", err
	}

	f, err := os.Open(ref.LocalPath)
	if err != nil {
		return "", provider.NewError(provider.ClassPermanent, "open attachment", err)
	}
	defer func() { _ = f.Close() }()

	chunkSize := up.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p.cfg.ChunkSizeBytes
	}
	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := adapter.UploadChunk(ctx, sess, up, offset, buf[:n]); err != nil {
				return "", err
			}
			offset += int64(n)
		}
		if readErr != nil {
			break
		}
	}

	remoteID, err := adapter.FinishUploadSession(ctx, sess, up)
	if err != nil {
		return "", err
	}
	if remoteID != "" && ref.ID != "" {
		_ = p.db.SetAttachmentRemoteID(ref.ID, remoteID)
	}
	return remoteID, nil
}

// reconcileDraftAttachments removes server-side attachments no longer in the
// locally desired set before the rewritten draft is appended.
func (p *Processor) reconcileDraftAttachments(ctx context.Context, sess *provider.Session, adapter provider.Adapter, action *store.PendingAction) error {
	payload, err := provider.DecodeSendPayload(action)
	if err != nil {
		return provider.NewError(provider.ClassPermanent, "reconcile draft", err)
	}
	if payload.RemoteMessageID == "" {
		return nil
	}

	remote, err := adapter.ListAttachments(ctx, sess, payload.RemoteMessageID)
	if err != nil {
		return err
	}

	desired := make(map[string]bool, len(payload.Attachments))
	for _, ref := range payload.Attachments {
		desired[ref.Filename] = true
	}
	for _, att := range remote {
		if desired[att.Filename] {
			continue
		}
		if err := adapter.DeleteAttachment(ctx, sess, payload.RemoteMessageID, att.RemoteID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) resolveSuccess(accountID string, action *store.PendingAction, outcome *provider.ActionOutcome) error {
	switch action.Kind {
	case store.ActionSend:
		// The server's own sent copy is the surviving record; the local
		// outbox row is deleted, not flagged.
		if err := p.db.DeleteMessage(accountID, action.TargetID); err != nil {
			return err
		}
	case store.ActionDelete:
		// Row already gone from the optimistic delete; nothing to flip.
	default:
		if err := p.db.SetMessageStatus(accountID, action.TargetID, store.StatusSynced, ""); err != nil {
			return err
		}
	}

	if err := p.db.DeleteAction(action.ID); err != nil {
		return err
	}

	p.logger.Info("action applied",
		zap.String("account", accountID),
		zap.String("kind", string(action.Kind)),
		zap.String("target", action.TargetID))
	p.events.Publish(bus.Event{Kind: bus.KindActionApplied, Payload: ActionResult{
		AccountID:       accountID,
		Kind:            action.Kind,
		TargetID:        action.TargetID,
		RemoteMessageID: outcome.RemoteMessageID,
	}})
	return nil
}

// ActionResult is the payload published when an action resolves.
type ActionResult struct {
	AccountID       string
	Kind            store.ActionKind
	TargetID        string
	RemoteMessageID string
	Err             string
}

// isHalting reports whether a failure must stop the account's drain: auth
// failures halt, everything else lets the not-due head gate the queue.
func (p *Processor) isHalting(err error) bool {
	return provider.Classify(err) == provider.ClassAuth
}

func (p *Processor) resolveFailure(account *store.Account, action *store.PendingAction, cause error) error {
	now := time.Now().UnixMilli()
	class := provider.Classify(cause)

	p.logger.Warn("action failed",
		zap.String("account", account.ID),
		zap.String("kind", string(action.Kind)),
		zap.Stringer("class", class),
		zap.Int("attempts", action.Attempts),
		zap.Error(cause))

	switch class {
	case provider.ClassTransient:
		p.tracker.RecordFailure()
		if action.Attempts >= p.cfg.MaxAttempts {
			return p.park(account.ID, action, cause)
		}
		return p.db.MarkActionRetry(action.ID, now+p.retryDelay(action.Attempts).Milliseconds(), cause.Error())

	case provider.ClassRateLimit:
		p.tracker.RecordFailure()
		delay, ok := provider.SuggestedDelay(cause)
		if !ok {
			delay = time.Minute
		}
		return p.db.MarkActionRetry(action.ID, now+delay.Milliseconds(), cause.Error())

	case provider.ClassAuth:
		if err := p.db.SetNeedsReauth(account.ID, true); err != nil {
			return err
		}
		if err := p.db.MarkActionRetry(action.ID, now, cause.Error()); err != nil {
			return err
		}
		p.events.Publish(bus.Event{Kind: bus.KindAccountReauth, Payload: account.ID})
		return cause

	case provider.ClassConflict:
		// The remote item is gone or changed; drop the action and let the
		// next sync reconcile local state to the server's truth.
		return p.db.DeleteAction(action.ID)

	default: // malformed, storage, permanent
		return p.park(account.ID, action, cause)
	}
}

// park records a terminal failure, kept for manual retry and surfaced on the
// target row.
func (p *Processor) park(accountID string, action *store.PendingAction, cause error) error {
	if err := p.db.MarkActionTerminal(action.ID, cause.Error()); err != nil {
		return err
	}
	_ = p.db.SetMessageStatus(accountID, action.TargetID, store.StatusError, cause.Error())
	p.events.Publish(bus.Event{Kind: bus.KindActionFailed, Payload: ActionResult{
		AccountID: accountID,
		Kind:      action.Kind,
		TargetID:  action.TargetID,
		Err:       cause.Error(),
	}})
	return nil
}

// retryDelay computes the exponential back-off for the nth attempt.
func (p *Processor) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Minute
	b.RandomizationFactor = 0

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
