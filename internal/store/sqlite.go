package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/verdantlabs/trellis/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore represents the SQLite-backed local persistence layer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetBlob returns the stored value for namespace/key.
// Returns ErrNotFound when no entry exists, and ErrVersionMismatch when the
// entry was written under a different schema version. Callers treat both as
// an absent entry.
func (s *SQLiteStore) GetBlob(ctx context.Context, namespace, key string, version int) ([]byte, error) {
	var storedVersion int
	var value []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT version, value FROM kv_entries WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&storedVersion, &value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query entry: %w", err)
	}

	if storedVersion != version {
		return nil, ErrVersionMismatch
	}

	return value, nil
}

// PutBlob stores a value under namespace/key, replacing any existing entry.
func (s *SQLiteStore) PutBlob(ctx context.Context, namespace, key string, version int, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, version, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			version = excluded.version,
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, version, value, now)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}

	return nil
}

// DeleteBlob removes the entry for namespace/key.
// Deleting an absent entry is not an error.
func (s *SQLiteStore) DeleteBlob(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE namespace = ? AND key = ?
	`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	return nil
}

// ListKeys returns all keys in a namespace in lexicographic order.
func (s *SQLiteStore) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_entries WHERE namespace = ? ORDER BY key ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return keys, nil
}

// InsertDeadLetter archives an operation that exhausted its retry budget.
// A missing ID or FailedAt timestamp is filled in before insert.
func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, letter types.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = ulid.Make().String()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, operation_id, operation_type, payload, attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, letter.ID, letter.OperationID, string(letter.OperationType), []byte(letter.Payload), letter.Attempts, letter.Reason, letter.FailedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

// ListDeadLetters returns archived operations, most recent failures first.
// A non-positive limit defaults to 100.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, operation_type, payload, attempts, reason, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []types.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		letters = append(letters, *letter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return letters, nil
}

// CountDeadLetters returns the number of archived operations.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

// PurgeDeadLetters deletes all archived operations and returns how many were removed.
func (s *SQLiteStore) PurgeDeadLetters(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters")
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return purged, nil
}

// scanDeadLetter scans a row into a DeadLetter, parsing the stored timestamp.
func scanDeadLetter(scanner interface{ Scan(...any) error }) (*types.DeadLetter, error) {
	var letter types.DeadLetter
	var payload []byte
	var failedAt string

	err := scanner.Scan(
		&letter.ID,
		&letter.OperationID,
		&letter.OperationType,
		&payload,
		&letter.Attempts,
		&letter.Reason,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	letter.Payload = payload

	if t, err := time.Parse(time.RFC3339, failedAt); err == nil {
		letter.FailedAt = t
	}

	return &letter, nil
}
