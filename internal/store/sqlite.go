package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using a local SQLite database.
// Bodies and attachment blobs live in the same file as the metadata, so a
// cache eviction is a single transaction over one database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// A crash between marking an action uploading and recording its
	// outcome would otherwise strand the row outside the retry cycle.
	if err := s.recoverInterruptedUploads(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// DeleteAccount removes every row owned by the account in one transaction.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Blobs have no account column; resolve them through cache_entries.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM blobs WHERE content_id IN (
			SELECT content_id FROM cache_entries WHERE account_id = ?
		)`, accountID); err != nil {
		return fmt.Errorf("deleting blobs for account %s: %w", accountID, err)
	}

	stmts := []string{
		"DELETE FROM cache_entries WHERE account_id = ?",
		"DELETE FROM pending_actions WHERE account_id = ?",
		"DELETE FROM attachments WHERE account_id = ?",
		"DELETE FROM folder_messages WHERE account_id = ?",
		"DELETE FROM messages WHERE account_id = ?",
		"DELETE FROM folders WHERE account_id = ?",
		"DELETE FROM folder_sync_state WHERE account_id = ?",
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, accountID); err != nil {
			return fmt.Errorf("deleting account %s rows: %w", accountID, err)
		}
	}

	return tx.Commit()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
