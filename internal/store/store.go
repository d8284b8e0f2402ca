// Package store persists memory images in SQLite.
//
// A snapshot is one image (see rcode.Image) together with the OIDs a memory
// needs to load it back: stdin, stdout and self. Images are stored as JSON;
// the metadata columns allow listing without decoding them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"replinet/internal/logging"
)

// CurrentSchemaVersion is the version written by ensureSchema.
const CurrentSchemaVersion = 1

// ErrNoSnapshot is returned when a lookup finds nothing.
var ErrNoSnapshot = errors.New("store: no such snapshot")

// SnapshotStore is a SQLite database of snapshots. It is safe for
// concurrent use.
type SnapshotStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open opens, creating it if needed, the database at path.
func Open(path string) (*SnapshotStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	s := &SnapshotStore{db: db, dbPath: path}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("snapshot store ready at %s", path)
	return s, nil
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path is the database file.
func (s *SnapshotStore) Path() string { return s.dbPath }

func (s *SnapshotStore) ensureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		taken_at INTEGER NOT NULL,
		stdin_oid INTEGER NOT NULL,
		stdout_oid INTEGER NOT NULL,
		self_oid INTEGER NOT NULL,
		object_count INTEGER NOT NULL,
		image TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_label ON snapshots(label);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_versions (version) VALUES (?)", CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > CurrentSchemaVersion:
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}
	return nil
}
