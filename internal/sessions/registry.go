package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TidewaterLabs/concord/backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opRegistryNew  = "sessions.registry.new"
	opUpsertActive = "sessions.upsert_active"
	opDeactivate   = "sessions.deactivate"
	opListActive   = "sessions.list_active"

	queryUserDocActive = "user_id = ? AND document_id = ? AND is_active = ?"
	queryDocActive     = "document_id = ? AND is_active = ?"
)

// RegistryError carries an operation-scoped failure code alongside its cause.
type RegistryError struct {
	code string
	err  error
}

func (e *RegistryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RegistryError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped failure code.
func (e *RegistryError) Code() string {
	return e.code
}

func newRegistryError(operation, reason string, cause error) error {
	return &RegistryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new session rows.
type IDProvider interface {
	NewID() (string, error)
}

// RegistryConfig describes the dependencies required by the session registry.
type RegistryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Registry maintains the durable record of active document sessions.
type Registry struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRegistry constructs the session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newRegistryError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newRegistryError(opRegistryNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// UpsertActive records a join. A second join while a session is still active
// reuses the active row; a join after leave creates a fresh row so history
// accrues per (user, document) pair.
func (r *Registry) UpsertActive(ctx context.Context, userID documents.UserID, documentID documents.DocumentID) error {
	joinedAt := r.clock().UTC().Unix()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserDocActive, userID.String(), documentID.String(), true).
			Take(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newRegistryError(opUpsertActive, "session_lookup_failed", err)
		}

		sessionID, idErr := r.idProvider.NewID()
		if idErr != nil {
			return newRegistryError(opUpsertActive, "id_generation_failed", idErr)
		}
		row := Session{
			SessionID:       sessionID,
			UserID:          userID.String(),
			DocumentID:      documentID.String(),
			IsActive:        true,
			JoinedAtSeconds: joinedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return newRegistryError(opUpsertActive, "session_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		r.logError(opUpsertActive, txErr,
			zap.String("user_id", userID.String()),
			zap.String("document_id", documentID.String()))
	}
	return txErr
}

// Deactivate closes the active session for the (user, document) pair, if any.
func (r *Registry) Deactivate(ctx context.Context, userID documents.UserID, documentID documents.DocumentID, leftAt time.Time) error {
	leftAtSeconds := leftAt.UTC().Unix()
	err := r.db.WithContext(ctx).Model(&Session{}).
		Where(queryUserDocActive, userID.String(), documentID.String(), true).
		Updates(map[string]interface{}{
			"is_active": false,
			"left_at_s": leftAtSeconds,
		}).Error
	if err != nil {
		wrapped := newRegistryError(opDeactivate, "session_update_failed", err)
		r.logError(opDeactivate, wrapped,
			zap.String("user_id", userID.String()),
			zap.String("document_id", documentID.String()))
		return wrapped
	}
	return nil
}

// ActiveSession is the projection returned by ListActive.
type ActiveSession struct {
	UserID          string
	JoinedAtSeconds int64
}

// ListActive returns the users currently attached to the document.
func (r *Registry) ListActive(ctx context.Context, documentID documents.DocumentID) ([]ActiveSession, error) {
	var rows []Session
	err := r.db.WithContext(ctx).
		Where(queryDocActive, documentID.String(), true).
		Order("joined_at_s ASC").
		Find(&rows).Error
	if err != nil {
		wrapped := newRegistryError(opListActive, "query_failed", err)
		r.logError(opListActive, wrapped, zap.String("document_id", documentID.String()))
		return nil, wrapped
	}
	active := make([]ActiveSession, 0, len(rows))
	for _, row := range rows {
		active = append(active, ActiveSession{
			UserID:          row.UserID,
			JoinedAtSeconds: row.JoinedAtSeconds,
		})
	}
	return active, nil
}

func (r *Registry) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	r.logger.Error("session registry error", attrs...)
}
