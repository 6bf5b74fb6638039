package model

import "time"

// CacheEntry tracks one downloaded body or attachment blob. The entry is
// touched on every read and deleted by the eviction engine or when the
// owning message or account is removed.
type CacheEntry struct {
	ContentID      string
	AccountID      string
	SizeBytes      int64
	LastAccessedAt time.Time

	// Pinned entries are protected from eviction: the content is
	// currently open in the UI or referenced by an in-flight action.
	Pinned bool
}
