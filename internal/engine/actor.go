package engine

import (
	"context"
	"errors"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/crdt"
	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"go.uber.org/zap"
)

// ErrActorStopped indicates that the document actor no longer accepts commands.
var ErrActorStopped = errors.New("engine: actor stopped")

// Store is the persistence surface an actor loads from and persists to.
// *documents.Store satisfies it.
type Store interface {
	GetState(ctx context.Context, documentID documents.DocumentID) ([]byte, error)
	PutState(ctx context.Context, documentID documents.DocumentID, state []byte) error
}

// Settings tune persistence cadence and actor lifecycle.
type Settings struct {
	// PersistInterval bounds how long an applied update may stay unpersisted.
	PersistInterval time.Duration
	// PersistMaxPending forces a persist once this many updates are pending.
	PersistMaxPending int
	// IdleEviction is how long a subscriber-free actor stays resident.
	IdleEviction time.Duration
	// RetryBackoff is the initial delay before retrying a failed persist.
	RetryBackoff time.Duration
	// MaxRetryBackoff caps the exponential persist retry delay.
	MaxRetryBackoff time.Duration
	// StoreTimeout bounds individual store calls made from the actor loop.
	StoreTimeout time.Duration
	// MailboxSize bounds the actor's command queue.
	MailboxSize int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		PersistInterval:   5 * time.Second,
		PersistMaxPending: 64,
		IdleEviction:      30 * time.Second,
		RetryBackoff:      500 * time.Millisecond,
		MaxRetryBackoff:   30 * time.Second,
		StoreTimeout:      10 * time.Second,
		MailboxSize:       128,
	}
}

func (s Settings) withDefaults() Settings {
	defaults := DefaultSettings()
	if s.PersistInterval <= 0 {
		s.PersistInterval = defaults.PersistInterval
	}
	if s.PersistMaxPending <= 0 {
		s.PersistMaxPending = defaults.PersistMaxPending
	}
	if s.IdleEviction <= 0 {
		s.IdleEviction = defaults.IdleEviction
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = defaults.RetryBackoff
	}
	if s.MaxRetryBackoff < s.RetryBackoff {
		s.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = defaults.StoreTimeout
	}
	if s.MailboxSize <= 0 {
		s.MailboxSize = defaults.MailboxSize
	}
	return s
}

type commandKind int

const (
	cmdLoad commandKind = iota
	cmdApply
	cmdSnapshot
	cmdPersist
	cmdStop
)

type actorCommand struct {
	kind   commandKind
	ctx    context.Context
	update []byte
	reply  chan commandResult
}

type commandResult struct {
	state   []byte
	version int64
	err     error
}

// Actor owns the resident CRDT state for one document. All commands are
// processed by a single goroutine, so no two operations interleave their
// effects.
type Actor struct {
	documentID documents.DocumentID
	store      Store
	settings   Settings
	logger     *zap.Logger
	clock      func() time.Time

	mailbox chan actorCommand
	stopped chan struct{}
}

func newActor(documentID documents.DocumentID, store Store, settings Settings, clock func() time.Time, logger *zap.Logger) *Actor {
	actor := &Actor{
		documentID: documentID,
		store:      store,
		settings:   settings,
		logger:     logger,
		clock:      clock,
		mailbox:    make(chan actorCommand, settings.MailboxSize),
		stopped:    make(chan struct{}),
	}
	go actor.run()
	return actor
}

// DocumentID returns the document this actor owns.
func (a *Actor) DocumentID() documents.DocumentID {
	return a.documentID
}

// Load returns the resident state, reading the last persisted snapshot from
// the store on first access. Idempotent once resident.
func (a *Actor) Load(ctx context.Context) ([]byte, error) {
	result, err := a.do(ctx, actorCommand{kind: cmdLoad, ctx: ctx})
	if err != nil {
		return nil, err
	}
	return result.state, nil
}

// Apply merges the update into the resident state and returns the actor's
// monotonically increasing applied version.
func (a *Actor) Apply(ctx context.Context, update []byte) (int64, error) {
	result, err := a.do(ctx, actorCommand{kind: cmdApply, ctx: ctx, update: update})
	if err != nil {
		return 0, err
	}
	return result.version, nil
}

// Snapshot returns a copy of the resident state for a late-joining client.
// It never waits on persistence.
func (a *Actor) Snapshot(ctx context.Context) ([]byte, error) {
	result, err := a.do(ctx, actorCommand{kind: cmdSnapshot, ctx: ctx})
	if err != nil {
		return nil, err
	}
	return result.state, nil
}

// Persist writes any unpersisted state to the store immediately.
func (a *Actor) Persist(ctx context.Context) error {
	_, err := a.do(ctx, actorCommand{kind: cmdPersist, ctx: ctx})
	return err
}

// Stop makes a final persist attempt and terminates the actor loop.
func (a *Actor) Stop(ctx context.Context) error {
	_, err := a.do(ctx, actorCommand{kind: cmdStop, ctx: ctx})
	if errors.Is(err, ErrActorStopped) {
		return nil
	}
	return err
}

// do enqueues a command and waits for its reply. Both waits are bounded by
// the caller's context, so a busy mailbox never blocks a connection forever.
func (a *Actor) do(ctx context.Context, cmd actorCommand) (commandResult, error) {
	cmd.reply = make(chan commandResult, 1)
	select {
	case a.mailbox <- cmd:
	case <-a.stopped:
		return commandResult{}, ErrActorStopped
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case result := <-cmd.reply:
		return result, result.err
	case <-a.stopped:
		return commandResult{}, ErrActorStopped
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

type actorState struct {
	loaded         bool
	state          []byte
	version        int64
	pending        int
	firstPendingAt time.Time
	retryAt        time.Time
	backoff        time.Duration
}

func (a *Actor) run() {
	defer close(a.stopped)

	tick := a.settings.PersistInterval / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	resident := actorState{backoff: a.settings.RetryBackoff}

	for {
		select {
		case cmd := <-a.mailbox:
			if stop := a.handle(cmd, &resident); stop {
				return
			}
		case <-ticker.C:
			a.flushIfDue(&resident)
		}
	}
}

func (a *Actor) handle(cmd actorCommand, resident *actorState) bool {
	switch cmd.kind {
	case cmdLoad:
		err := a.ensureLoaded(cmd.ctx, resident)
		cmd.reply <- commandResult{state: copyBytes(resident.state), err: err}
	case cmdApply:
		cmd.reply <- a.apply(cmd.ctx, cmd.update, resident)
	case cmdSnapshot:
		err := a.ensureLoaded(cmd.ctx, resident)
		cmd.reply <- commandResult{state: copyBytes(resident.state), err: err}
	case cmdPersist:
		cmd.reply <- commandResult{err: a.flush(cmd.ctx, resident)}
	case cmdStop:
		if resident.pending > 0 {
			if err := a.flush(cmd.ctx, resident); err != nil {
				a.logger.Warn("final persist before stop failed",
					zap.String("document_id", a.documentID.String()),
					zap.Error(err))
			}
		}
		cmd.reply <- commandResult{}
		return true
	}
	return false
}

func (a *Actor) ensureLoaded(ctx context.Context, resident *actorState) error {
	if resident.loaded {
		return nil
	}
	persisted, err := a.store.GetState(ctx, a.documentID)
	if err != nil {
		return err
	}
	if persisted == nil {
		persisted = crdt.EmptyState()
	} else if err := crdt.Validate(persisted); err != nil {
		a.logger.Error("persisted state failed to decode",
			zap.String("document_id", a.documentID.String()),
			zap.Error(err))
		return err
	}
	resident.loaded = true
	resident.state = persisted
	return nil
}

func (a *Actor) apply(ctx context.Context, update []byte, resident *actorState) commandResult {
	if err := a.ensureLoaded(ctx, resident); err != nil {
		return commandResult{err: err}
	}
	merged, err := crdt.Merge(resident.state, update)
	if err != nil {
		return commandResult{err: err}
	}
	resident.state = merged
	resident.version++
	resident.pending++
	if resident.pending == 1 {
		resident.firstPendingAt = a.clock()
	}
	if resident.pending >= a.settings.PersistMaxPending && !a.clock().Before(resident.retryAt) {
		// Persist failures are retried from the loop, never surfaced per-update.
		_ = a.flushInternal(resident)
	}
	return commandResult{version: resident.version}
}

func (a *Actor) flushIfDue(resident *actorState) {
	if resident.pending == 0 {
		return
	}
	now := a.clock()
	if now.Before(resident.retryAt) {
		return
	}
	if now.Sub(resident.firstPendingAt) < a.settings.PersistInterval {
		return
	}
	_ = a.flushInternal(resident)
}

func (a *Actor) flushInternal(resident *actorState) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.settings.StoreTimeout)
	defer cancel()
	return a.flush(ctx, resident)
}

func (a *Actor) flush(ctx context.Context, resident *actorState) error {
	if !resident.loaded || resident.pending == 0 {
		return nil
	}
	if err := a.store.PutState(ctx, a.documentID, resident.state); err != nil {
		now := a.clock()
		resident.retryAt = now.Add(resident.backoff)
		resident.backoff *= 2
		if resident.backoff > a.settings.MaxRetryBackoff {
			resident.backoff = a.settings.MaxRetryBackoff
		}
		a.logger.Warn("persist failed, will retry",
			zap.String("document_id", a.documentID.String()),
			zap.Duration("retry_in", resident.retryAt.Sub(now)),
			zap.Int("pending_updates", resident.pending),
			zap.Error(err))
		return err
	}
	resident.pending = 0
	resident.retryAt = time.Time{}
	resident.backoff = a.settings.RetryBackoff
	return nil
}

func copyBytes(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	duplicate := make([]byte, len(raw))
	copy(duplicate, raw)
	return duplicate
}
