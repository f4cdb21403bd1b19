package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS identity_keys (
		recipient_id TEXT PRIMARY KEY,
		identity_key BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS identity_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		old_fingerprint TEXT NOT NULL,
		new_fingerprint TEXT NOT NULL,
		changed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_identity_changes_recipient ON identity_changes(recipient_id, changed_at);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient_id TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		archived_at INTEGER
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_recipient ON sessions(recipient_id, archived_at);`,
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS thread_recipients (
		thread_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		recipient_id TEXT NOT NULL,
		PRIMARY KEY(thread_id, position)
	);`,
	`CREATE TABLE IF NOT EXISTS fetch_attempts (
		recipient_id TEXT PRIMARY KEY,
		attempted_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS host_budgets (
		host TEXT PRIMARY KEY,
		spent INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL,
		cooldown_until INTEGER,
		last_rejected_at INTEGER,
		rejections INTEGER NOT NULL DEFAULT 0
	);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if err := s.ensureColumn(ctx, "identity_keys", "source", "TEXT NOT NULL DEFAULT 'profile'"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
