package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// BlobRefPrefix marks a state field that has been offloaded to the blob
// sidecar, storing a reference in place of the payload.
const BlobRefPrefix = "blob://"

// BlobStore offloads oversized checkpoint payloads (finding evidence, raw
// tool output bodies) to a sidecar table keyed by checkpoint id, keeping
// the state row itself small. This is the split allowed, but not
// mandated, by the checkpoint contract: callers may choose to store
// everything inline and never call BlobStore at all.
type BlobStore interface {
	// Put stores payload under (threadID, checkpointID, key) and returns
	// a reference string suitable for embedding in place of the payload.
	Put(ctx context.Context, threadID, checkpointID, key string, payload []byte) (ref string, err error)

	// Get retrieves a payload previously stored by Put, addressed by the
	// reference string Put returned.
	Get(ctx context.Context, ref string) ([]byte, error)

	Close() error
}

// SQLiteBlobStore is a BlobStore backed by the same modernc.org/sqlite
// driver the checkpoint stores use, in a dedicated "blobs" table so that
// it can share a database file with SQLiteStore without colliding on
// table names.
type SQLiteBlobStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteBlobStore opens (or creates) a blob sidecar database at path.
// Pass the same path as the paired SQLiteStore to colocate blobs with
// checkpoints in one file, or a distinct path to isolate large payloads
// on separate storage.
func NewSQLiteBlobStore(path string) (*SQLiteBlobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			ref TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			key TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create blobs table: %w", err)
	}

	return &SQLiteBlobStore{db: db}, nil
}

// Put implements BlobStore.
func (s *SQLiteBlobStore) Put(ctx context.Context, threadID, checkpointID, key string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := sha256.Sum256(payload)
	ref := BlobRefPrefix + threadID + "/" + checkpointID + "/" + key + "#" + hex.EncodeToString(h[:8])

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (ref, thread_id, checkpoint_id, key, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET payload = excluded.payload`,
		ref, threadID, checkpointID, key, payload)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return ref, nil
}

// Get implements BlobStore.
func (s *SQLiteBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM blobs WHERE ref = ?", ref).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob not found: %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return payload, nil
}

// Close releases the underlying database connection.
func (s *SQLiteBlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
