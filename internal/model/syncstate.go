package model

import "time"

// FolderStatus is the sync state machine position for one folder.
// Transitions are driven only by job completion events.
type FolderStatus string

const (
	FolderIdle     FolderStatus = "idle"
	FolderSyncing  FolderStatus = "syncing"
	FolderComplete FolderStatus = "complete"
	FolderError    FolderStatus = "error"
)

// FolderSyncState is the persisted per-folder progress row. One row per
// (account, folder), created on first observation of the folder and
// mutated only by the sync controller after a job completes.
type FolderSyncState struct {
	AccountID string
	FolderID  string

	// PageCursor is the provider pagination token marking the resume
	// position for the next page fetch. It only advances on a
	// successful page fetch.
	PageCursor string

	LastSyncedAt time.Time

	// BackfillHorizonDays records the widest retention horizon ever
	// synced for this folder. It only moves upward.
	BackfillHorizonDays int

	Status      FolderStatus
	ErrorReason string
	AuthError   bool
}
