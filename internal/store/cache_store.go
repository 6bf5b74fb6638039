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

// SaveBody stores a downloaded body blob, its cache entry, and the
// message's has_body flag in one transaction.
func (s *SQLiteStore) SaveBody(
	ctx context.Context,
	accountID, messageID string,
	raw []byte,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveBlobTx(ctx, tx, accountID, messageID, raw); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET has_body = 1 WHERE id = ?", messageID,
	); err != nil {
		return fmt.Errorf("flagging body for message %s: %w", messageID, err)
	}

	return tx.Commit()
}

// SaveAttachmentData stores a downloaded attachment blob, its cache
// entry, and the downloaded flag in one transaction.
func (s *SQLiteStore) SaveAttachmentData(
	ctx context.Context,
	accountID, attachmentID string,
	data []byte,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveBlobTx(ctx, tx, accountID, attachmentID, data); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE attachments SET downloaded = 1 WHERE id = ?", attachmentID,
	); err != nil {
		return fmt.Errorf("flagging attachment %s downloaded: %w", attachmentID, err)
	}

	return tx.Commit()
}

// saveBlobTx writes the blob and its cache metadata inside the caller's
// transaction.
func saveBlobTx(ctx context.Context, tx *sqlx.Tx, accountID, contentID string, data []byte) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO blobs (content_id, data) VALUES (?, ?)`,
		contentID, data,
	); err != nil {
		return fmt.Errorf("storing blob %s: %w", contentID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (
			content_id, account_id, size_bytes, last_accessed_at, pinned
		) VALUES (?, ?, ?, ?,
			COALESCE((SELECT pinned FROM cache_entries WHERE content_id = ?), 0))`,
		contentID, accountID, int64(len(data)), time.Now().UTC(), contentID,
	); err != nil {
		return fmt.Errorf("recording cache entry %s: %w", contentID, err)
	}

	return nil
}

// GetBlob reads a cached blob and touches its access time.
func (s *SQLiteStore) GetBlob(ctx context.Context, contentID string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data,
		"SELECT data FROM blobs WHERE content_id = ?", contentID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading blob %s: %w", contentID, err)
	}

	if err := s.TouchCacheEntry(ctx, contentID, time.Now()); err != nil {
		return nil, err
	}

	return data, nil
}

// TouchCacheEntry updates the entry's last access time.
func (s *SQLiteStore) TouchCacheEntry(ctx context.Context, contentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cache_entries SET last_accessed_at = ? WHERE content_id = ?",
		now.UTC(), contentID,
	)
	if err != nil {
		return fmt.Errorf("touching cache entry %s: %w", contentID, err)
	}
	return nil
}

// SetPinned marks or unmarks an entry as protected from eviction.
func (s *SQLiteStore) SetPinned(ctx context.Context, contentID string, pinned bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cache_entries SET pinned = ? WHERE content_id = ?",
		boolToInt(pinned), contentID,
	)
	if err != nil {
		return fmt.Errorf("pinning cache entry %s: %w", contentID, err)
	}
	return nil
}

// TotalCacheSize returns current cache occupancy in bytes.
func (s *SQLiteStore) TotalCacheSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries",
	)
	if err != nil {
		return 0, fmt.Errorf("summing cache size: %w", err)
	}
	return total, nil
}

// EvictionCandidates returns unpinned entries not referenced by any live
// pending action, least recently accessed first.
func (s *SQLiteStore) EvictionCandidates(
	ctx context.Context,
	limit int,
) ([]model.CacheEntry, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT content_id, account_id, size_bytes, last_accessed_at, pinned
		FROM cache_entries
		WHERE pinned = 0
		  AND content_id NOT IN (
			SELECT target_id FROM pending_actions
			WHERE status != 'dead_lettered'
		  )
		ORDER BY last_accessed_at
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying eviction candidates: %w", err)
	}
	defer rows.Close()

	var entries []model.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// DeleteCacheEntry removes the blob and its metadata row in one
// transaction and clears the owning content's downloaded flag, so a
// later bulk-download pass can re-fetch it.
func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, contentID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM blobs WHERE content_id = ?", contentID,
	); err != nil {
		return fmt.Errorf("deleting blob %s: %w", contentID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE content_id = ?", contentID,
	); err != nil {
		return fmt.Errorf("deleting cache entry %s: %w", contentID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET has_body = 0 WHERE id = ?", contentID,
	); err != nil {
		return fmt.Errorf("clearing body flag for %s: %w", contentID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE attachments SET downloaded = 0 WHERE id = ?", contentID,
	); err != nil {
		return fmt.Errorf("clearing downloaded flag for %s: %w", contentID, err)
	}

	return tx.Commit()
}

// scanCacheEntry scans a cache_entries row from a sqlx.Rows result set.
func scanCacheEntry(rows *sqlx.Rows) (model.CacheEntry, error) {
	var (
		e      model.CacheEntry
		pinned int
	)

	err := rows.Scan(
		&e.ContentID, &e.AccountID, &e.SizeBytes, &e.LastAccessedAt, &pinned,
	)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("scanning cache entry row: %w", err)
	}

	e.Pinned = pinned != 0
	return e, nil
}
