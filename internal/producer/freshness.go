package producer

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// Freshness emits a FreshnessPoll job for the folder the user is
// currently looking at. The active (foreground) cadence invokes only
// this producer; dedup keeps at most one poll queued per folder.
type Freshness struct{}

// Name implements Producer.
func (Freshness) Name() string { return "freshness" }

// Produce implements Producer.
func (Freshness) Produce(ctx context.Context, deps Deps) []model.SyncJob {
	if deps.VisibleAccountID == "" || deps.VisibleFolderID == "" {
		return nil
	}
	if !deps.admits(model.JobFreshnessPoll) {
		return nil
	}

	return []model.SyncJob{{
		Kind:      model.JobFreshnessPoll,
		Priority:  model.PriorityFreshnessPoll,
		AccountID: deps.VisibleAccountID,
		FolderID:  deps.VisibleFolderID,
	}}
}
