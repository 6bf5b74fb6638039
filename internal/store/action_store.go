package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// CreateAction inserts a new pending action row. If the action has no ID,
// a new UUID is generated.
func (s *SQLiteStore) CreateAction(ctx context.Context, action model.PendingAction) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Status == "" {
		action.Status = model.ActionPending
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (
			id, account_id, target_id, action_type, payload,
			status, attempts, created_at, last_attempt_at, next_attempt_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.AccountID, action.TargetID, string(action.Type), action.Payload,
		string(action.Status), action.Attempts, action.CreatedAt.UTC(),
		nullableTime(action.LastAttemptAt), nullableTime(action.NextAttemptAt), action.LastError,
	)
	if err != nil {
		return fmt.Errorf("creating pending action: %w", err)
	}

	return nil
}

// GetAction retrieves a single pending action by ID.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*model.PendingAction, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM pending_actions WHERE id = ?", id,
	)

	action, err := scanActionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting action %s: %w", id, err)
	}

	return &action, nil
}

// DueActions returns actions eligible for upload: freshly pending, or
// failed with an elapsed backoff window. Dead-lettered rows never come
// back without explicit user intervention.
func (s *SQLiteStore) DueActions(ctx context.Context, now time.Time) ([]model.PendingAction, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM pending_actions
		WHERE status IN ('pending', 'failed')
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due actions: %w", err)
	}
	defer rows.Close()

	var actions []model.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// recoverInterruptedUploads returns actions caught mid-upload by a
// crash to the pending state. The upload handler is idempotent from the
// provider's point of view only per attempt, so the worst case is one
// duplicate application; losing the mutation would be worse.
func (s *SQLiteStore) recoverInterruptedUploads() error {
	_, err := s.db.Exec(
		"UPDATE pending_actions SET status = 'pending' WHERE status = 'uploading'",
	)
	if err != nil {
		return fmt.Errorf("recovering interrupted uploads: %w", err)
	}
	return nil
}

// MarkActionUploading transitions an action to the uploading state.
func (s *SQLiteStore) MarkActionUploading(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = 'uploading', last_attempt_at = ?
		WHERE id = ?`,
		now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking action %s uploading: %w", id, err)
	}
	return nil
}

// DeleteAction removes a successfully uploaded action row.
func (s *SQLiteStore) DeleteAction(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting action %s: %w", id, err)
	}
	return nil
}

// FailAction records a failed upload attempt. With deadLettered true the
// action leaves the retry cycle permanently.
func (s *SQLiteStore) FailAction(
	ctx context.Context,
	id string,
	attempts int,
	nextAttempt time.Time,
	lastErr string,
	deadLettered bool,
) error {
	status := model.ActionFailed
	if deadLettered {
		status = model.ActionDeadLettered
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		string(status), attempts, nullableTime(nextAttempt), lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("failing action %s: %w", id, err)
	}
	return nil
}

// DeadLetteredActions lists actions awaiting manual resolution for an
// account, oldest first.
func (s *SQLiteStore) DeadLetteredActions(
	ctx context.Context,
	accountID string,
) ([]model.PendingAction, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM pending_actions
		WHERE account_id = ? AND status = 'dead_lettered'
		ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dead-lettered actions: %w", err)
	}
	defer rows.Close()

	var actions []model.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// nullableTime converts a zero time to NULL for SQLite storage.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// scanAction scans a pending_actions row from a sqlx.Rows result set.
func scanAction(rows *sqlx.Rows) (model.PendingAction, error) {
	var (
		a           model.PendingAction
		actionType  string
		status      string
		lastAttempt sql.NullTime
		nextAttempt sql.NullTime
	)

	err := rows.Scan(
		&a.ID, &a.AccountID, &a.TargetID, &actionType, &a.Payload,
		&status, &a.Attempts, &a.CreatedAt, &lastAttempt, &nextAttempt, &a.LastError,
	)
	if err != nil {
		return model.PendingAction{}, fmt.Errorf("scanning action row: %w", err)
	}

	a.Type = model.ActionType(actionType)
	a.Status = model.ActionStatus(status)
	if lastAttempt.Valid {
		a.LastAttemptAt = lastAttempt.Time
	}
	if nextAttempt.Valid {
		a.NextAttemptAt = nextAttempt.Time
	}

	return a, nil
}

// scanActionRow scans a single pending_actions row from a sqlx.Row.
func scanActionRow(row *sqlx.Row) (model.PendingAction, error) {
	var (
		a           model.PendingAction
		actionType  string
		status      string
		lastAttempt sql.NullTime
		nextAttempt sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.AccountID, &a.TargetID, &actionType, &a.Payload,
		&status, &a.Attempts, &a.CreatedAt, &lastAttempt, &nextAttempt, &a.LastError,
	)
	if err != nil {
		return model.PendingAction{}, err
	}

	a.Type = model.ActionType(actionType)
	a.Status = model.ActionStatus(status)
	if lastAttempt.Valid {
		a.LastAttemptAt = lastAttempt.Time
	}
	if nextAttempt.Valid {
		a.NextAttemptAt = nextAttempt.Time
	}

	return a, nil
}
