package model

import "fmt"

// JobKind identifies the type of synchronization work a SyncJob carries.
type JobKind string

const (
	JobRefreshFolderList    JobKind = "refresh_folder_list"
	JobFetchFolderPage      JobKind = "fetch_folder_page"
	JobBackfill             JobKind = "backfill"
	JobFetchMessageBody     JobKind = "fetch_message_body"
	JobFetchAttachment      JobKind = "fetch_attachment"
	JobBulkFetchBodies      JobKind = "bulk_fetch_bodies"
	JobBulkFetchAttachments JobKind = "bulk_fetch_attachments"
	JobUploadPendingAction  JobKind = "upload_pending_action"
	JobEvictFromCache       JobKind = "evict_from_cache"
	JobFreshnessPoll        JobKind = "freshness_poll"
)

// Priority is the scheduling class of a job. Lower values are dequeued
// first. User-visible latency must never wait behind background economy
// work, so interactive classes sit above everything else.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityPredictiveScroll
	PriorityActionUpload
	PriorityFreshnessPoll
	PriorityFolderListRefresh
	PriorityBackfill
	PriorityBulkDownload
	PriorityCacheEviction
)

// String returns a human-readable label for the priority class.
func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityPredictiveScroll:
		return "predictive_scroll"
	case PriorityActionUpload:
		return "action_upload"
	case PriorityFreshnessPoll:
		return "freshness_poll"
	case PriorityFolderListRefresh:
		return "folder_list_refresh"
	case PriorityBackfill:
		return "backfill"
	case PriorityBulkDownload:
		return "bulk_download"
	case PriorityCacheEviction:
		return "cache_eviction"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// SyncJob is a single unit of synchronization work. It is pure data;
// the controller maps Kind to a handler at dispatch time.
type SyncJob struct {
	Kind      JobKind
	Priority  Priority
	AccountID string

	// FolderID is set for folder-scoped kinds (page fetch, backfill,
	// freshness poll).
	FolderID string

	// TargetID narrows the job to a single message, attachment, or
	// pending action, depending on Kind.
	TargetID string

	// Cursor is the pagination token for FetchFolderPage jobs. Empty
	// means "start from the folder's persisted cursor".
	Cursor string

	// HorizonDays is the retention horizon for Backfill jobs.
	HorizonDays int

	// BatchIDs carries the bounded target set for bulk fetch kinds.
	BatchIDs []string

	// Attempts counts transient-failure requeues of this job.
	Attempts int
}

// DedupKey uniquely identifies a job within the queue: two jobs with the
// same key are the same logical work and only one may be queued or
// executing at any instant.
func (j SyncJob) DedupKey() string {
	key := string(j.Kind) + "|" + j.AccountID
	if j.FolderID != "" {
		key += "|" + j.FolderID
	}
	if j.TargetID != "" {
		key += "|" + j.TargetID
	}
	return key
}
