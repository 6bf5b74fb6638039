package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// UpsertFolders records the observed folder set and seeds a sync-state
// row for any folder seen for the first time.
func (s *SQLiteStore) UpsertFolders(
	ctx context.Context,
	accountID string,
	folders []model.Folder,
) error {
	if len(folders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range folders {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO folders (account_id, folder_id, name, role)
			VALUES (?, ?, ?, ?)`,
			accountID, f.FolderID, f.Name, f.Role,
		); err != nil {
			return fmt.Errorf("upserting folder %s: %w", f.FolderID, err)
		}

		// Seed sync state on first observation only; existing progress
		// rows are never reset by a folder-list refresh.
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO folder_sync_state (account_id, folder_id, status)
			VALUES (?, ?, 'idle')`,
			accountID, f.FolderID,
		); err != nil {
			return fmt.Errorf("seeding sync state for folder %s: %w", f.FolderID, err)
		}
	}

	return tx.Commit()
}

// GetFolderState retrieves the sync-state row for one folder.
func (s *SQLiteStore) GetFolderState(
	ctx context.Context,
	accountID, folderID string,
) (*model.FolderSyncState, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT account_id, folder_id, page_cursor, last_synced_at,
		       backfill_horizon_days, status, error_reason, auth_error
		FROM folder_sync_state
		WHERE account_id = ? AND folder_id = ?`,
		accountID, folderID,
	)

	st, err := scanFolderStateRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting folder state %s/%s: %w", accountID, folderID, err)
	}

	return &st, nil
}

// ListFolderStates retrieves all sync-state rows for an account.
func (s *SQLiteStore) ListFolderStates(
	ctx context.Context,
	accountID string,
) ([]model.FolderSyncState, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT account_id, folder_id, page_cursor, last_synced_at,
		       backfill_horizon_days, status, error_reason, auth_error
		FROM folder_sync_state
		WHERE account_id = ?
		ORDER BY folder_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folder states: %w", err)
	}
	defer rows.Close()

	var states []model.FolderSyncState
	for rows.Next() {
		st, err := scanFolderState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}

	return states, rows.Err()
}

// SetFolderStatus moves the folder's state machine without touching the
// cursor or horizon.
func (s *SQLiteStore) SetFolderStatus(
	ctx context.Context,
	accountID, folderID string,
	status model.FolderStatus,
	reason string,
	authError bool,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE folder_sync_state
		SET status = ?, error_reason = ?, auth_error = ?
		WHERE account_id = ? AND folder_id = ?`,
		string(status), reason, boolToInt(authError), accountID, folderID,
	)
	if err != nil {
		return fmt.Errorf("setting folder status %s/%s: %w", accountID, folderID, err)
	}
	return nil
}

// ApplyFolderPage persists one fetched page and advances the cursor in a
// single transaction. The cursor moves only here, on the success path, so
// it can never run backward or advance on a partial write. Completing the
// listing also ratchets the recorded backfill horizon to the horizon the
// listing was fetched at, so the whole window is not fetched a second
// time by a backfill covering the same range.
func (s *SQLiteStore) ApplyFolderPage(
	ctx context.Context,
	accountID, folderID string,
	msgs []model.Message,
	atts []model.Attachment,
	newCursor string,
	complete bool,
	horizonDays int,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPageTx(ctx, tx, accountID, folderID, msgs, atts); err != nil {
		return err
	}

	status := model.FolderIdle
	horizon := 0
	if complete {
		status = model.FolderComplete
		horizon = horizonDays
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE folder_sync_state
		SET page_cursor = ?, last_synced_at = ?, status = ?,
		    backfill_horizon_days = MAX(backfill_horizon_days, ?),
		    error_reason = '', auth_error = 0
		WHERE account_id = ? AND folder_id = ?`,
		newCursor, time.Now().UTC(), string(status), horizon, accountID, folderID,
	); err != nil {
		return fmt.Errorf("advancing cursor for %s/%s: %w", accountID, folderID, err)
	}

	return tx.Commit()
}

// ApplyBackfill persists backfilled history and ratchets the recorded
// horizon upward in the same transaction. MAX() keeps the horizon
// monotonic even if a stale narrower backfill completes late.
func (s *SQLiteStore) ApplyBackfill(
	ctx context.Context,
	accountID, folderID string,
	msgs []model.Message,
	atts []model.Attachment,
	horizonDays int,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPageTx(ctx, tx, accountID, folderID, msgs, atts); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE folder_sync_state
		SET backfill_horizon_days = MAX(backfill_horizon_days, ?),
		    last_synced_at = ?, status = 'complete',
		    error_reason = '', auth_error = 0
		WHERE account_id = ? AND folder_id = ?`,
		horizonDays, time.Now().UTC(), accountID, folderID,
	); err != nil {
		return fmt.Errorf("recording backfill horizon for %s/%s: %w", accountID, folderID, err)
	}

	return tx.Commit()
}

// MergeMessages upserts observed messages and attachments without
// touching the folder's cursor, horizon, or status.
func (s *SQLiteStore) MergeMessages(
	ctx context.Context,
	accountID, folderID string,
	msgs []model.Message,
	atts []model.Attachment,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPageTx(ctx, tx, accountID, folderID, msgs, atts); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE folder_sync_state SET last_synced_at = ?
		WHERE account_id = ? AND folder_id = ?`,
		time.Now().UTC(), accountID, folderID,
	); err != nil {
		return fmt.Errorf("recording freshness for %s/%s: %w", accountID, folderID, err)
	}

	return tx.Commit()
}

// upsertPageTx writes a page's messages, folder links, and attachment
// metadata inside the caller's transaction.
func upsertPageTx(
	ctx context.Context,
	tx *sqlx.Tx,
	accountID, folderID string,
	msgs []model.Message,
	atts []model.Attachment,
) error {
	const msgQuery = `
		INSERT OR REPLACE INTO messages (
			id, account_id, subject, sender, recipient,
			date, flags, has_body, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT has_body FROM messages WHERE id = ?), 0), ?)`

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, msgQuery,
			m.ID, accountID, m.Subject, m.From, m.To,
			m.Date.UTC(), m.Flags, m.ID, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("upserting message %s: %w", m.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO folder_messages (account_id, folder_id, message_id)
			VALUES (?, ?, ?)`,
			accountID, folderID, m.ID,
		); err != nil {
			return fmt.Errorf("linking message %s to folder %s: %w", m.ID, folderID, err)
		}
	}

	for _, a := range atts {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO attachments (
				id, message_id, account_id, filename, mime_type, size_bytes, downloaded
			) VALUES (?, ?, ?, ?, ?, ?,
				COALESCE((SELECT downloaded FROM attachments WHERE id = ?), 0))`,
			a.ID, a.MessageID, accountID, a.Filename, a.MIMEType, a.SizeBytes, a.ID,
		); err != nil {
			return fmt.Errorf("upserting attachment %s: %w", a.ID, err)
		}
	}

	return nil
}

// scanFolderState scans a folder_sync_state row from a sqlx.Rows result set.
func scanFolderState(rows *sqlx.Rows) (model.FolderSyncState, error) {
	var (
		st        model.FolderSyncState
		status    string
		syncedAt  sql.NullTime
		authError int
	)

	err := rows.Scan(
		&st.AccountID, &st.FolderID, &st.PageCursor, &syncedAt,
		&st.BackfillHorizonDays, &status, &st.ErrorReason, &authError,
	)
	if err != nil {
		return model.FolderSyncState{}, fmt.Errorf("scanning folder state row: %w", err)
	}

	st.Status = model.FolderStatus(status)
	st.AuthError = authError != 0
	if syncedAt.Valid {
		st.LastSyncedAt = syncedAt.Time
	}

	return st, nil
}

// scanFolderStateRow scans a single folder_sync_state row from a sqlx.Row.
func scanFolderStateRow(row *sqlx.Row) (model.FolderSyncState, error) {
	var (
		st        model.FolderSyncState
		status    string
		syncedAt  sql.NullTime
		authError int
	)

	err := row.Scan(
		&st.AccountID, &st.FolderID, &st.PageCursor, &syncedAt,
		&st.BackfillHorizonDays, &status, &st.ErrorReason, &authError,
	)
	if err != nil {
		return model.FolderSyncState{}, err
	}

	st.Status = model.FolderStatus(status)
	st.AuthError = authError != 0
	if syncedAt.Valid {
		st.LastSyncedAt = syncedAt.Time
	}

	return st, nil
}
