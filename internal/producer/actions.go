package producer

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// ActionUpload emits one UploadPendingAction job per persisted action
// whose backoff window has elapsed. Dead-lettered actions never
// reappear here.
type ActionUpload struct{}

// Name implements Producer.
func (ActionUpload) Name() string { return "action_upload" }

// Produce implements Producer.
func (ActionUpload) Produce(ctx context.Context, deps Deps) []model.SyncJob {
	if !deps.admits(model.JobUploadPendingAction) {
		return nil
	}

	due, err := deps.Store.DueActions(ctx, deps.clock())
	if err != nil {
		return nil
	}

	var jobs []model.SyncJob
	for _, action := range due {
		jobs = append(jobs, model.SyncJob{
			Kind:      model.JobUploadPendingAction,
			Priority:  model.PriorityActionUpload,
			AccountID: action.AccountID,
			TargetID:  action.ID,
		})
	}
	return jobs
}
