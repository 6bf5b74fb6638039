package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// MessageFilter controls pagination for local message listing. The local
// store is the sole source of truth for UI paging.
type MessageFilter struct {
	AccountID string
	FolderID  string
	Limit     int
	Offset    int
}

// Store defines the persistence interface for folder sync progress,
// pending offline actions, cache metadata, and the mailbox content
// itself. Implementations must be transactional: every mutator that the
// controller calls on job completion commits in a single transaction.
type Store interface {
	// === Folder sync progress ===

	// UpsertFolders records the folder set observed for an account and
	// creates a sync-state row for any folder seen for the first time.
	UpsertFolders(ctx context.Context, accountID string, folders []model.Folder) error

	GetFolderState(ctx context.Context, accountID, folderID string) (*model.FolderSyncState, error)
	ListFolderStates(ctx context.Context, accountID string) ([]model.FolderSyncState, error)

	// SetFolderStatus moves the folder's state machine. The cursor and
	// horizon are untouched.
	SetFolderStatus(ctx context.Context, accountID, folderID string, status model.FolderStatus, reason string, authError bool) error

	// ApplyFolderPage persists one fetched page and advances the cursor
	// in the same transaction, so a partial write can never leave an
	// inconsistent forward cursor. complete marks the folder Complete
	// instead of Idle and ratchets the recorded backfill horizon to
	// horizonDays, the horizon the listing was fetched at.
	ApplyFolderPage(ctx context.Context, accountID, folderID string, msgs []model.Message, atts []model.Attachment, newCursor string, complete bool, horizonDays int) error

	// ApplyBackfill persists backfilled history and ratchets the
	// folder's recorded horizon upward. It never lowers the horizon.
	ApplyBackfill(ctx context.Context, accountID, folderID string, msgs []model.Message, atts []model.Attachment, horizonDays int) error

	// MergeMessages upserts freshly observed messages without touching
	// the folder's cursor or state machine. Freshness polls use it so a
	// foreground peek can never corrupt pagination progress.
	MergeMessages(ctx context.Context, accountID, folderID string, msgs []model.Message, atts []model.Attachment) error

	// === Pending actions ===

	CreateAction(ctx context.Context, action model.PendingAction) error
	GetAction(ctx context.Context, id string) (*model.PendingAction, error)

	// DueActions returns actions eligible for upload: pending, or
	// failed with an elapsed backoff window. Dead-lettered rows are
	// never returned.
	DueActions(ctx context.Context, now time.Time) ([]model.PendingAction, error)

	MarkActionUploading(ctx context.Context, id string, now time.Time) error

	// DeleteAction removes a successfully uploaded action. Success is
	// terminal and not re-observable.
	DeleteAction(ctx context.Context, id string) error

	// FailAction records a failed upload attempt with its backoff
	// window, or dead-letters the action when the ceiling is reached.
	FailAction(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string, deadLettered bool) error

	DeadLetteredActions(ctx context.Context, accountID string) ([]model.PendingAction, error)

	// === Cache metadata and blobs ===

	// SaveBody stores a downloaded body blob, its cache entry, and the
	// message's has_body flag in one transaction.
	SaveBody(ctx context.Context, accountID, messageID string, raw []byte) error

	// SaveAttachmentData stores a downloaded attachment blob, its cache
	// entry, and the downloaded flag in one transaction.
	SaveAttachmentData(ctx context.Context, accountID, attachmentID string, data []byte) error

	TouchCacheEntry(ctx context.Context, contentID string, now time.Time) error
	SetPinned(ctx context.Context, contentID string, pinned bool) error
	TotalCacheSize(ctx context.Context) (int64, error)

	// EvictionCandidates returns unpinned entries not referenced by any
	// live pending action, least recently accessed first.
	EvictionCandidates(ctx context.Context, limit int) ([]model.CacheEntry, error)

	// DeleteCacheEntry removes the blob and its metadata row in one
	// transaction, clearing the owning content's downloaded flag.
	DeleteCacheEntry(ctx context.Context, contentID string) error

	// === Mailbox content ===

	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	MessageFolder(ctx context.Context, messageID string) (string, error)
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)

	// MessagesMissingBody and AttachmentsNotDownloaded feed the bulk
	// download producer, bounded by limit.
	MessagesMissingBody(ctx context.Context, accountID string, limit int) ([]string, error)
	AttachmentsNotDownloaded(ctx context.Context, accountID string, limit int) ([]string, error)

	// === Account lifecycle ===

	// DeleteAccount removes every row owned by the account: sync state,
	// actions, cache entries, blobs, and mailbox content.
	DeleteAccount(ctx context.Context, accountID string) error
}
