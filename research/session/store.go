package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id has no matching row.
var ErrNotFound = errors.New("session not found")

// ErrNotActive is returned by Pause when the session is not currently active.
var ErrNotActive = errors.New("session is not active")

// ErrNotPaused is returned by Resume when the session is not currently paused.
var ErrNotPaused = errors.New("session is not paused")

// ErrTerminal is returned by Cancel when the session has already reached
// a terminal status.
var ErrTerminal = errors.New("session already in a terminal state")

// Store is the relational session CRUD + conditional status update
// contract. Implementations must make CompareAndSwapStatus atomic with
// respect to concurrent callers, so that a racing pause+resume pair is
// serialized rather than lost.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context, userID string, status *Status) ([]Session, error)

	// CompareAndSwapStatus updates a session's status only if its current
	// status equals expected, returning ErrNotFound if the row is gone
	// and the sentinel errors above when the expected status does not
	// hold (callers map these onto the §6 failure kinds: not_active,
	// not_paused, terminal).
	CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, reason FailureReason) error

	// UpdateStats applies denormalized stat updates the graph runtime
	// reports after a node boundary, unconditionally (these are
	// monotonic progress counters, not a lifecycle transition).
	UpdateStats(ctx context.Context, id string, stats Stats) error

	Close() error
}

// Stats is the denormalized per-node update applied to a session row.
type Stats struct {
	TotalIterations   int
	TotalFindings     int
	TotalSources      int
	TotalCostUSD      float64
	ExternalCallCount int
	FinalComposite    float64
	FinalConfidence   float64
}

// SQLStore is a database/sql-backed Store, usable with either the
// "sqlite" driver (modernc.org/sqlite) or the "mysql" driver
// (go-sql-driver/mysql) against a "sessions" table colocated with the
// checkpoint tables the adapted graph/store package creates in the same
// database.
type SQLStore struct {
	db     *sql.DB
	driver string
	mu     sync.RWMutex
}

// NewSQLiteSessionStore opens (or creates) a SQLite-backed session store,
// following the same WAL/foreign-keys/busy-timeout setup the adapted
// checkpoint store uses.
func NewSQLiteSessionStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite session store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, driver: "sqlite"}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLSessionStore opens a MySQL/MariaDB-backed session store. The
// DSN follows the same format as the adapted graph/store MySQL
// checkpoint store (e.g. "user:pass@tcp(localhost:3306)/research").
func NewMySQLSessionStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql session store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, driver: "mysql"}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	autoIncrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "mysql" {
		autoIncrement = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sessions (
			row_id %s,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			query TEXT NOT NULL,
			status TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			config TEXT NOT NULL,
			metadata TEXT NOT NULL,
			total_iterations INTEGER NOT NULL DEFAULT 0,
			total_findings INTEGER NOT NULL DEFAULT 0,
			total_sources INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			external_call_count INTEGER NOT NULL DEFAULT 0,
			final_composite REAL NOT NULL DEFAULT 0,
			final_confidence REAL NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL
		)`, autoIncrement)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)"); err != nil {
		return fmt.Errorf("failed to create idx_sessions_user: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfgJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, query, status, thread_id, config, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Query, sess.Status, sess.ThreadID, cfgJSON, metaJSON, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, query, status, thread_id, config, metadata,
		       total_iterations, total_findings, total_sources, total_cost_usd,
		       external_call_count, final_composite, final_confidence, failure_reason,
		       created_at, updated_at, completed_at
		FROM sessions WHERE id = ?`, id)

	return scanSession(row)
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, userID string, status *Status) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, query, status, thread_id, config, metadata,
		       total_iterations, total_findings, total_sources, total_cost_usd,
		       external_call_count, final_composite, final_confidence, failure_reason,
		       created_at, updated_at, completed_at
		FROM sessions WHERE user_id = ?`
	args := []any{userID}
	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var cfgJSON, metaJSON []byte
	var completedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.UserID, &sess.Query, &sess.Status, &sess.ThreadID, &cfgJSON, &metaJSON,
		&sess.TotalIterations, &sess.TotalFindings, &sess.TotalSources, &sess.TotalCostUSD,
		&sess.ExternalCallCount, &sess.FinalComposite, &sess.FinalConfidence, &sess.FailureReason,
		&sess.CreatedAt, &sess.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal(cfgJSON, &sess.Config); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &sess.Metadata); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return sess, nil
}

// CompareAndSwapStatus implements Store with a single conditional UPDATE,
// closing the pause/resume race named in the session manager contract:
// the WHERE clause only matches rows still in the expected status, so a
// losing concurrent caller's UPDATE affects zero rows and is reported as
// a conflict rather than silently clobbering a newer transition.
func (s *SQLStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, reason FailureReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var completedAt any
	if next == StatusCompleted || next == StatusFailed {
		completedAt = now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, failure_reason = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status = ?`,
		next, reason, now, completedAt, id, expected)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Either the row does not exist, or it exists but is not in the
		// expected status (a lost race or a stale caller).
		if _, err := s.Get(ctx, id); err != nil {
			return ErrNotFound
		}
		return conflictError(expected)
	}
	return nil
}

func conflictError(expected Status) error {
	switch expected {
	case StatusActive:
		return ErrNotActive
	case StatusPaused:
		return ErrNotPaused
	default:
		return ErrTerminal
	}
}

// UpdateStats implements Store.
func (s *SQLStore) UpdateStats(ctx context.Context, id string, stats Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_iterations = ?, total_findings = ?, total_sources = ?,
		   total_cost_usd = ?, external_call_count = ?, final_composite = ?, final_confidence = ?,
		   updated_at = ?
		 WHERE id = ?`,
		stats.TotalIterations, stats.TotalFindings, stats.TotalSources, stats.TotalCostUSD,
		stats.ExternalCallCount, stats.FinalComposite, stats.FinalConfidence, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session stats: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
