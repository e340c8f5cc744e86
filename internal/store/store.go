// Package store implements the relational burn protocol: note and file
// metadata, atomic view decrement, download tokens, and expiry sweeping.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// BlobStore is the byte-container dependency file operations write through.
// It is satisfied by internal/blob's S3-compatible and filesystem
// implementations; store depends only on this narrow interface to avoid an
// import cycle and to keep the two concerns independently testable.
type BlobStore interface {
	// Put writes data at path, overwriting any existing object.
	Put(ctx context.Context, path string, data []byte) error
	// PutIfAbsent writes data at path only if nothing exists there yet.
	// existed reports whether the object was already present (and thus
	// left untouched) — the create-or-fail idempotence of §5.
	PutIfAbsent(ctx context.Context, path string, data []byte) (existed bool, err error)
	// Get reads the full contents at path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string) error
	// DeletePrefix removes every object whose path starts with prefix
	// (used for chunked file directories).
	DeletePrefix(ctx context.Context, prefix string) error
	// Ping verifies the backend is reachable, for readiness probes.
	Ping(ctx context.Context) error
}

// PingBlob exposes the blob store's reachability check to callers (such as
// the HTTP readiness probe) that only hold a *Store.
func (s *Store) PingBlob(ctx context.Context) error {
	return s.blob.Ping(ctx)
}

// MaxExpiryHorizon bounds how far in the future a caller may set expires_at,
// the "configurable maximum (default 60 days)" of the note/file data model.
const MaxExpiryHorizon = 60 * 24 * time.Hour

// MinViews and MaxViews bound a note's initial views_left.
const (
	MinViews = 1
	MaxViews = 100
)

// SingleUseTokenTTL and MultiUseTokenTTL are the fixed lifetimes of download
// tokens: 5 minutes for whole-file (single-use), 10 minutes for chunked
// (multi-use).
const (
	SingleUseTokenTTL = 5 * time.Minute
	MultiUseTokenTTL  = 10 * time.Minute
)

// Store wraps a relational connection implementing the BurnStore (C4)
// operations. It is safe for concurrent use by multiple goroutines, the
// same way an *sqlx.DB is.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
	blob   BlobStore
}

// New wraps an already-opened *sqlx.DB and the blob container file
// operations write through. Callers are responsible for driver selection
// (postgres in production, sqlite3 in tests/small deployments).
func New(db *sqlx.DB, blob BlobStore, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{db: db, blob: blob, logger: logger}
}

// Open opens a new connection pool for driverName/dsn and wraps it.
func Open(driverName, dsn string, blob BlobStore, logger *logrus.Logger) (*Store, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driverName, err)
	}
	return New(db, blob, logger), nil
}

// Migrate applies schema.sql. It is idempotent (every statement is
// CREATE ... IF NOT EXISTS).
func (s *Store) Migrate(schema string) error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the underlying connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isNoRows reports whether err is the "no matching row" sentinel from
// either database/sql directly or a transaction wrapping it.
func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
