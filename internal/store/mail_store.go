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

// GetMessages retrieves locally cached messages for a folder, newest
// first. This is the read path UI paging runs against.
func (s *SQLiteStore) GetMessages(
	ctx context.Context,
	filter MessageFilter,
) ([]model.Message, error) {
	query := `
		SELECT m.id, m.account_id, m.subject, m.sender, m.recipient,
		       m.date, m.flags, m.has_body, m.fetched_at
		FROM messages m
		JOIN folder_messages fm ON fm.message_id = m.id
		WHERE fm.account_id = ? AND fm.folder_id = ?
		ORDER BY m.date DESC`

	args := []interface{}{filter.AccountID, filter.FolderID}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// MessageFolder returns one folder containing the message. Providers with
// label semantics may link a message into several folders; any of them
// can serve a body fetch.
func (s *SQLiteStore) MessageFolder(ctx context.Context, messageID string) (string, error) {
	var folderID string
	err := s.db.GetContext(ctx, &folderID,
		"SELECT folder_id FROM folder_messages WHERE message_id = ? LIMIT 1",
		messageID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolving folder for message %s: %w", messageID, err)
	}
	return folderID, nil
}

// GetAttachment retrieves attachment metadata by ID.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, message_id, account_id, filename, mime_type, size_bytes, downloaded
		FROM attachments WHERE id = ?`,
		id,
	)

	var (
		a          model.Attachment
		downloaded int
	)
	err := row.Scan(
		&a.ID, &a.MessageID, &a.AccountID, &a.Filename,
		&a.MIMEType, &a.SizeBytes, &downloaded,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting attachment %s: %w", id, err)
	}

	a.Downloaded = downloaded != 0
	return &a, nil
}

// MessagesMissingBody returns up to limit message IDs whose body has not
// been downloaded, newest first so recent mail is filled in first.
func (s *SQLiteStore) MessagesMissingBody(
	ctx context.Context,
	accountID string,
	limit int,
) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM messages
		WHERE account_id = ? AND has_body = 0
		ORDER BY date DESC
		LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages missing bodies: %w", err)
	}
	return ids, nil
}

// AttachmentsNotDownloaded returns up to limit attachment IDs whose blob
// is not yet cached.
func (s *SQLiteStore) AttachmentsNotDownloaded(
	ctx context.Context,
	accountID string,
	limit int,
) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT a.id FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE a.account_id = ? AND a.downloaded = 0
		ORDER BY m.date DESC
		LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attachments not downloaded: %w", err)
	}
	return ids, nil
}

// scanMessage scans a messages row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m         model.Message
		hasBody   int
		date      time.Time
		fetchedAt time.Time
	)

	err := rows.Scan(
		&m.ID, &m.AccountID, &m.Subject, &m.From, &m.To,
		&date, &m.Flags, &hasBody, &fetchedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	m.Date = date
	m.FetchedAt = fetchedAt
	m.HasBody = hasBody != 0
	return m, nil
}
