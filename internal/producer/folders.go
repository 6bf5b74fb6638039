package producer

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// FolderList emits one RefreshFolderList job per enabled account. The
// queue's dedup collapses repeated invocations into a single job.
type FolderList struct{}

// Name implements Producer.
func (FolderList) Name() string { return "folder_list" }

// Produce implements Producer.
func (FolderList) Produce(ctx context.Context, deps Deps) []model.SyncJob {
	if !deps.admits(model.JobRefreshFolderList) {
		return nil
	}

	var jobs []model.SyncJob
	for _, acct := range deps.Accounts {
		if !acct.Enabled {
			continue
		}
		jobs = append(jobs, model.SyncJob{
			Kind:      model.JobRefreshFolderList,
			Priority:  model.PriorityFolderListRefresh,
			AccountID: acct.ID,
		})
	}
	return jobs
}

// FolderContent emits a FetchFolderPage job for every folder that has not
// finished its initial listing. Pages resume from the persisted cursor.
type FolderContent struct{}

// Name implements Producer.
func (FolderContent) Name() string { return "folder_content" }

// Produce implements Producer.
func (FolderContent) Produce(ctx context.Context, deps Deps) []model.SyncJob {
	if !deps.admits(model.JobFetchFolderPage) {
		return nil
	}

	var jobs []model.SyncJob
	for _, acct := range deps.Accounts {
		if !acct.Enabled {
			continue
		}

		states, err := deps.Store.ListFolderStates(ctx, acct.ID)
		if err != nil {
			continue
		}

		for _, st := range states {
			if st.Status == model.FolderComplete {
				continue
			}
			// Auth-errored folders wait for an external credential
			// refresh; retrying here would reopen the loop the freeze
			// exists to break.
			if st.AuthError {
				continue
			}
			jobs = append(jobs, model.SyncJob{
				Kind:        model.JobFetchFolderPage,
				Priority:    model.PriorityFolderListRefresh,
				AccountID:   acct.ID,
				FolderID:    st.FolderID,
				Cursor:      st.PageCursor,
				HorizonDays: acct.RetentionDays,
			})
		}
	}
	return jobs
}
