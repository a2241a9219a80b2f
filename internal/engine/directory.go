package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("engine: store is required")
	noOpLogger      = zap.NewNop()
)

// DirectoryConfig describes the dependencies of the actor directory.
type DirectoryConfig struct {
	Store    Store
	Settings Settings
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory owns the single mapping from document id to document actor. It is
// the only place that may create actors, which makes a duplicate authoritative
// copy of a document's state structurally impossible.
type Directory struct {
	store    Store
	settings Settings
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*directoryEntry
}

type directoryEntry struct {
	actor      *Actor
	refs       int
	evictTimer *time.Timer
}

// NewDirectory constructs the actor directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Directory{
		store:    cfg.Store,
		settings: cfg.Settings.withDefaults(),
		clock:    clock,
		logger:   logger,
		entries:  make(map[string]*directoryEntry),
	}, nil
}

// Acquire returns the actor for the document, creating it on first access,
// and takes a subscriber reference. Concurrent first accesses to the same id
// observe exactly one actor.
func (d *Directory) Acquire(documentID documents.DocumentID) *Actor {
	key := documentID.String()
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok {
		entry = &directoryEntry{
			actor: newActor(documentID, d.store, d.settings, d.clock, d.logger),
		}
		d.entries[key] = entry
		d.logger.Debug("document actor created", zap.String("document_id", key))
	}
	if entry.evictTimer != nil {
		entry.evictTimer.Stop()
		entry.evictTimer = nil
	}
	entry.refs++
	return entry.actor
}

// Release drops a subscriber reference. When the count reaches zero the actor
// persists a final time and is scheduled for lazy eviction; a re-acquire
// before the idle timeout cancels it.
func (d *Directory) Release(ctx context.Context, documentID documents.DocumentID) {
	key := documentID.String()

	d.mu.Lock()
	entry, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	if entry.refs > 0 {
		entry.refs--
	}
	if entry.refs > 0 {
		d.mu.Unlock()
		return
	}
	actor := entry.actor
	entry.evictTimer = time.AfterFunc(d.settings.IdleEviction, func() {
		d.evict(key)
	})
	d.mu.Unlock()

	if err := actor.Persist(ctx); err != nil {
		d.logger.Warn("final persist on release failed",
			zap.String("document_id", key),
			zap.Error(err))
	}
}

// ResidentCount reports the number of actors currently resident.
func (d *Directory) ResidentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Shutdown stops every resident actor, persisting pending state.
func (d *Directory) Shutdown(ctx context.Context) {
	d.mu.Lock()
	actors := make([]*Actor, 0, len(d.entries))
	for key, entry := range d.entries {
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
		}
		actors = append(actors, entry.actor)
		delete(d.entries, key)
	}
	d.mu.Unlock()

	for _, actor := range actors {
		if err := actor.Stop(ctx); err != nil {
			d.logger.Warn("actor stop failed during shutdown",
				zap.String("document_id", actor.DocumentID().String()),
				zap.Error(err))
		}
	}
}

func (d *Directory) evict(key string) {
	d.mu.Lock()
	entry, ok := d.entries[key]
	if !ok || entry.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.entries, key)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.settings.StoreTimeout)
	defer cancel()
	if err := entry.actor.Stop(ctx); err != nil {
		d.logger.Warn("actor stop failed during eviction",
			zap.String("document_id", key),
			zap.Error(err))
	}
	d.logger.Debug("document actor evicted", zap.String("document_id", key))
}
