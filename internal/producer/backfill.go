package producer

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// Backfill compares the account's configured retention horizon against
// the horizon each folder has actually synced. When the user widens
// "sync mail for N days", the preference exceeds the recorded horizon and
// a new backfill job fetches only the newly included date range, without
// a full resync, even for folders already Complete.
type Backfill struct{}

// Name implements Producer.
func (Backfill) Name() string { return "backfill" }

// Produce implements Producer.
func (Backfill) Produce(ctx context.Context, deps Deps) []model.SyncJob {
	if !deps.admits(model.JobBackfill) {
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
			// Let the initial listing finish before reaching further
			// into history; the page fetch already covers the current
			// horizon.
			if st.Status != model.FolderComplete {
				continue
			}
			if st.AuthError {
				continue
			}
			if acct.RetentionDays <= st.BackfillHorizonDays {
				continue
			}
			jobs = append(jobs, model.SyncJob{
				Kind:        model.JobBackfill,
				Priority:    model.PriorityBackfill,
				AccountID:   acct.ID,
				FolderID:    st.FolderID,
				HorizonDays: acct.RetentionDays,
			})
		}
	}
	return jobs
}
