package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStoreUnavailable indicates that the backing database could not serve the request.
	ErrStoreUnavailable = errors.New("documents: store unavailable")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew      = "documents.store.new"
	opGetState      = "documents.get_state"
	opPutState      = "documents.put_state"
	fieldDocumentID = "document_id"
)

// StoreError carries an operation-scoped failure code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped failure code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies required by the document store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes persisted CRDT state blobs keyed by document id.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetState returns the last persisted state blob for the document, or nil when
// the document has never been persisted.
func (s *Store) GetState(ctx context.Context, documentID DocumentID) ([]byte, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetState, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return document.State, nil
}

// PutState upserts the state blob for the document, preserving CRUD-owned
// columns (title, owner) on existing rows.
func (s *Store) PutState(ctx context.Context, documentID DocumentID, state []byte) error {
	row := Document{
		DocumentID:       documentID.String(),
		State:            state,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at_s"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opPutState, "upsert_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
