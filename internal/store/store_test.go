package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// memBlobStore is an in-memory BlobStore stand-in for tests that don't need
// internal/blob's real implementations.
type memBlobStore struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objs: make(map[string][]byte)}
}

func (m *memBlobStore) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objs[path] = cp
	return nil
}

func (m *memBlobStore) PutIfAbsent(_ context.Context, path string, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objs[path]; ok {
		return true, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objs[path] = cp
	return false, nil
}

func (m *memBlobStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objs[path]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", path)
	}
	return data, nil
}

func (m *memBlobStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objs, path)
	return nil
}

func (m *memBlobStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.objs, k)
		}
	}
	return nil
}

// newTestStore returns a Store backed by an in-memory sqlite3 database with
// schema.sql applied, and its in-memory blob counterpart.
func newTestStore(t *testing.T) (*Store, *memBlobStore) {
	t.Helper()
	// file::memory:?cache=shared keeps every connection in the pool
	// pointed at the same in-memory database; a bare ":memory:" DSN
	// gives each pooled connection its own, which silently breaks
	// concurrent-access tests like the burn race in notes_test.go.
	db, err := sqlx.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open sqlite3: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(8)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	blob := newMemBlobStore()
	s := New(db, blob, logger)
	if err := s.Migrate(testSchema); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return s, blob
}

// testSchema is schema.sql translated for sqlite3: sqlite3 has no native
// TIMESTAMPTZ/BYTEA types (it's dynamically typed, so the declared type is
// advisory), but BOOLEAN and the rest of the syntax parse the same way.
const testSchema = `
CREATE TABLE IF NOT EXISTS notes (
    id              TEXT PRIMARY KEY,
    ciphertext      BLOB NOT NULL,
    iv              BLOB NOT NULL,
    created_at      DATETIME NOT NULL,
    expires_at      DATETIME NOT NULL,
    views_left      INTEGER NOT NULL,
    encryption_salt BLOB,
    validation_salt BLOB,
    kdf_iterations  INTEGER,
    passphrase_hash BLOB
);

CREATE TABLE IF NOT EXISTS files (
    id                  TEXT PRIMARY KEY,
    created_at          DATETIME NOT NULL,
    expires_at          DATETIME NOT NULL,
    encryption_salt     BLOB,
    validation_salt     BLOB,
    kdf_iterations      INTEGER,
    passphrase_hash     BLOB,
    file_name           TEXT NOT NULL,
    size_bytes          BIGINT NOT NULL,
    chunk_bytes         INTEGER NOT NULL,
    total_chunks        INTEGER NOT NULL,
    iv_base             BLOB,
    storage_path        TEXT NOT NULL,
    encrypted_filename  BLOB,
    filename_iv         BLOB,
    finalized           BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS download_tokens (
    token         TEXT PRIMARY KEY,
    file_id       TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    created_at    DATETIME NOT NULL,
    expires_at    DATETIME NOT NULL,
    used          BOOLEAN NOT NULL DEFAULT 0,
    is_multi_use  BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_expires_at ON notes (expires_at);
CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files (expires_at);
CREATE INDEX IF NOT EXISTS idx_download_tokens_file_id ON download_tokens (file_id);
CREATE INDEX IF NOT EXISTS idx_download_tokens_expires_at ON download_tokens (expires_at);
`
