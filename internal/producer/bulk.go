package producer

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// BulkDownload opportunistically fills in missing bodies and attachments
// in bounded batches, but only when every gatekeeper (network, battery,
// cache pressure) admits bulk work.
type BulkDownload struct{}

// Name implements Producer.
func (BulkDownload) Name() string { return "bulk_download" }

// Produce implements Producer.
func (BulkDownload) Produce(ctx context.Context, deps Deps) []model.SyncJob {
	batch := deps.Config.BulkBatchSize
	if batch <= 0 {
		batch = 25
	}

	var jobs []model.SyncJob
	for _, acct := range deps.Accounts {
		if !acct.Enabled {
			continue
		}

		if deps.admits(model.JobBulkFetchBodies) {
			ids, err := deps.Store.MessagesMissingBody(ctx, acct.ID, batch)
			if err == nil && len(ids) > 0 {
				jobs = append(jobs, model.SyncJob{
					Kind:      model.JobBulkFetchBodies,
					Priority:  model.PriorityBulkDownload,
					AccountID: acct.ID,
					BatchIDs:  ids,
				})
			}
		}

		if deps.admits(model.JobBulkFetchAttachments) {
			ids, err := deps.Store.AttachmentsNotDownloaded(ctx, acct.ID, batch)
			if err == nil && len(ids) > 0 {
				jobs = append(jobs, model.SyncJob{
					Kind:      model.JobBulkFetchAttachments,
					Priority:  model.PriorityBulkDownload,
					AccountID: acct.ID,
					BatchIDs:  ids,
				})
			}
		}
	}
	return jobs
}
