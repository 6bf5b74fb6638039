package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/mailsync/internal/mailapi"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/status"
	"github.com/nhle/mailsync/internal/store"
)

// dispatch maps a job kind to its handler.
func (c *Controller) dispatch(ctx context.Context, job model.SyncJob) error {
	switch job.Kind {
	case model.JobRefreshFolderList:
		return c.handleRefreshFolderList(ctx, job)
	case model.JobFetchFolderPage:
		return c.handleFetchFolderPage(ctx, job)
	case model.JobBackfill:
		return c.handleBackfill(ctx, job)
	case model.JobFetchMessageBody:
		return c.handleFetchBody(ctx, job)
	case model.JobFetchAttachment:
		return c.handleFetchAttachment(ctx, job)
	case model.JobBulkFetchBodies:
		return c.handleBulkFetchBodies(ctx, job)
	case model.JobBulkFetchAttachments:
		return c.handleBulkFetchAttachments(ctx, job)
	case model.JobUploadPendingAction:
		return c.handleUploadAction(ctx, job)
	case model.JobFreshnessPoll:
		return c.handleFreshnessPoll(ctx, job)
	case model.JobEvictFromCache:
		return c.handleEvict(ctx)
	default:
		return &mailapi.PermanentError{Reason: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}
}

// handleRefreshFolderList fetches the account's folder set and records
// it, seeding sync state for newly seen folders.
func (c *Controller) handleRefreshFolderList(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	folders, err := svc.FetchFolderList(ctx)
	if err != nil {
		return err
	}

	return c.store.UpsertFolders(ctx, job.AccountID, folders)
}

// handleFetchFolderPage fetches one page of a folder listing and commits
// it together with the advanced cursor. When the provider reports more
// pages, the next page is enqueued at the same priority so interactive
// pagination stays interactive.
func (c *Controller) handleFetchFolderPage(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	cursor := job.Cursor
	if cursor == "" {
		if st, serr := c.store.GetFolderState(ctx, job.AccountID, job.FolderID); serr == nil {
			cursor = st.PageCursor
		}
	}

	if err := c.store.SetFolderStatus(ctx, job.AccountID, job.FolderID, model.FolderSyncing, "", false); err != nil {
		return err
	}
	c.board.SetFolder(job.AccountID, job.FolderID, status.StateLoading, "", false)

	page, err := svc.FetchFolderPage(ctx, job.FolderID, cursor, c.cfg.Sync.PageSize, job.HorizonDays)
	if err != nil {
		return err
	}

	// An exhausted listing returns no resume token. Keep the prior
	// cursor on disk so the position never moves backward.
	newCursor := page.NextCursor
	complete := newCursor == ""
	if complete {
		newCursor = cursor
	}

	if err := c.store.ApplyFolderPage(ctx, job.AccountID, job.FolderID, page.Messages, page.Attachments, newCursor, complete, job.HorizonDays); err != nil {
		return err
	}

	if complete {
		c.board.SetFolder(job.AccountID, job.FolderID, status.StateComplete, "", false)
	}
	// Not complete: the board stays in loading while the next page, queued
	// by the completion path, works through the listing.
	return nil
}

// handleBackfill pulls the full widened listing before committing. The
// folder's page cursor is never touched: only the recorded horizon moves,
// in a single transaction once the whole window is in hand.
func (c *Controller) handleBackfill(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	var (
		msgs   []model.Message
		atts   []model.Attachment
		cursor string
	)
	for {
		page, err := svc.FetchFolderPage(ctx, job.FolderID, cursor, c.cfg.Sync.PageSize, job.HorizonDays)
		if err != nil {
			return err
		}
		msgs = append(msgs, page.Messages...)
		atts = append(atts, page.Attachments...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return c.store.ApplyBackfill(ctx, job.AccountID, job.FolderID, msgs, atts, job.HorizonDays)
}

// handleFetchBody downloads one message body on user demand.
func (c *Controller) handleFetchBody(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	folderID := job.FolderID
	if folderID == "" {
		folderID, err = c.store.MessageFolder(ctx, job.TargetID)
		if err != nil {
			return &mailapi.PermanentError{Reason: fmt.Sprintf("message %s has no folder: %v", job.TargetID, err)}
		}
	}

	body, err := svc.FetchBody(ctx, folderID, job.TargetID)
	if err != nil {
		return err
	}

	return c.store.SaveBody(ctx, job.AccountID, job.TargetID, body.Raw)
}

// handleFetchAttachment downloads one attachment on user demand.
func (c *Controller) handleFetchAttachment(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	att, err := c.store.GetAttachment(ctx, job.TargetID)
	if err != nil {
		return &mailapi.PermanentError{Reason: fmt.Sprintf("unknown attachment %s: %v", job.TargetID, err)}
	}

	folderID, err := c.store.MessageFolder(ctx, att.MessageID)
	if err != nil {
		return &mailapi.PermanentError{Reason: fmt.Sprintf("message %s has no folder: %v", att.MessageID, err)}
	}

	data, err := svc.FetchAttachment(ctx, folderID, job.TargetID)
	if err != nil {
		return err
	}

	return c.store.SaveAttachmentData(ctx, job.AccountID, job.TargetID, data.Data)
}

// handleBulkFetchBodies downloads the batch's bodies one by one. The
// first failure aborts the batch; the bulk producer re-targets whatever
// is still missing on its next cycle.
func (c *Controller) handleBulkFetchBodies(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	for _, id := range job.BatchIDs {
		folderID, err := c.store.MessageFolder(ctx, id)
		if err != nil {
			c.logger.Debug("skipping body with no folder link", slog.String("message", id))
			continue
		}

		body, err := svc.FetchBody(ctx, folderID, id)
		if err != nil {
			return err
		}
		if err := c.store.SaveBody(ctx, job.AccountID, id, body.Raw); err != nil {
			return err
		}
	}
	return nil
}

// handleBulkFetchAttachments downloads the batch's attachment blobs.
func (c *Controller) handleBulkFetchAttachments(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	for _, id := range job.BatchIDs {
		att, err := c.store.GetAttachment(ctx, id)
		if err != nil {
			c.logger.Debug("skipping unknown attachment", slog.String("attachment", id))
			continue
		}
		folderID, err := c.store.MessageFolder(ctx, att.MessageID)
		if err != nil {
			continue
		}

		data, err := svc.FetchAttachment(ctx, folderID, id)
		if err != nil {
			return err
		}
		if err := c.store.SaveAttachmentData(ctx, job.AccountID, id, data.Data); err != nil {
			return err
		}
	}
	return nil
}

// handleUploadAction pushes one persisted offline mutation to the
// provider. Success deletes the row. Failures are recorded on the row
// itself with a backoff window, and the row is dead-lettered at the
// attempt ceiling; only auth errors propagate up so the account freezes.
func (c *Controller) handleUploadAction(ctx context.Context, job model.SyncJob) error {
	action, err := c.store.GetAction(ctx, job.TargetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already uploaded or removed.
			return nil
		}
		return err
	}

	if action.Status == model.ActionDeadLettered {
		return nil
	}
	if now := c.now(); !action.NextAttemptAt.IsZero() && now.Before(action.NextAttemptAt) {
		// Backoff window still open; the action producer re-emits once
		// it elapses.
		return nil
	}

	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	now := c.now()
	if err := c.store.MarkActionUploading(ctx, action.ID, now); err != nil {
		return err
	}

	uploadErr := svc.ApplyAction(ctx, *action)
	if uploadErr == nil {
		if err := c.store.DeleteAction(ctx, action.ID); err != nil {
			return err
		}
		c.logger.Debug("action uploaded",
			slog.String("action", action.ID),
			slog.String("type", string(action.Type)),
		)
		return nil
	}

	if mailapi.IsAuthError(uploadErr) {
		// Put the row back in play for after reauthentication, then let
		// the freeze path run.
		if err := c.store.FailAction(ctx, action.ID, action.Attempts, now, uploadErr.Error(), false); err != nil {
			c.logger.Error("recording auth-failed action", slog.Any("error", err))
		}
		return uploadErr
	}

	attempts := action.Attempts + 1
	deadLettered := attempts >= c.cfg.Sync.MaxActionAttempts
	next := now.Add(c.backoffFor(attempts))
	if rl, ok := mailapi.AsRateLimited(uploadErr); ok && rl.RetryAfter > 0 {
		next = now.Add(rl.RetryAfter)
	}

	if err := c.store.FailAction(ctx, action.ID, attempts, next, uploadErr.Error(), deadLettered); err != nil {
		return err
	}

	if deadLettered {
		c.logger.Warn("action dead-lettered",
			slog.String("action", action.ID),
			slog.String("type", string(action.Type)),
			slog.Int("attempts", attempts),
			slog.Any("error", uploadErr),
		)
	} else {
		c.logger.Debug("action upload failed; will retry",
			slog.String("action", action.ID),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt", next),
		)
	}
	return nil
}

// handleFreshnessPoll re-fetches the newest slice of the visible folder
// and merges it without moving the pagination cursor.
func (c *Controller) handleFreshnessPoll(ctx context.Context, job model.SyncJob) error {
	svc, err := c.services(job.AccountID)
	if err != nil {
		return err
	}

	page, err := svc.FetchFolderPage(ctx, job.FolderID, "", c.cfg.Sync.PageSize, c.retentionFor(job.AccountID))
	if err != nil {
		return err
	}

	return c.store.MergeMessages(ctx, job.AccountID, job.FolderID, page.Messages, page.Attachments)
}

// handleEvict runs one eviction pass.
func (c *Controller) handleEvict(ctx context.Context) error {
	if c.evictor == nil {
		return nil
	}

	freed, err := c.evictor.Run(ctx)
	if err != nil {
		return err
	}
	if freed > 0 {
		c.logger.Info("cache eviction pass complete", slog.Int64("freed_bytes", freed))
	}
	return nil
}
