package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/gate"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/producer"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func deps(t *testing.T, s *store.SQLiteStore, accounts ...model.AccountConfig) producer.Deps {
	t.Helper()
	return producer.Deps{
		Store:    s,
		Config:   model.DefaultSyncConfig(),
		Accounts: accounts,
		Device: func() model.DeviceState {
			return model.DeviceState{Network: model.NetworkUnmetered, Charging: true}
		},
	}
}

func seedState(t *testing.T, s *store.SQLiteStore, accountID, folderID string) {
	t.Helper()
	err := s.UpsertFolders(context.Background(), accountID, []model.Folder{
		{AccountID: accountID, FolderID: folderID, Name: folderID},
	})
	if err != nil {
		t.Fatalf("seeding folder: %v", err)
	}
}

func TestFolderListEmitsPerEnabledAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	d := deps(t, s,
		model.AccountConfig{ID: "a1", Enabled: true},
		model.AccountConfig{ID: "a2", Enabled: false},
		model.AccountConfig{ID: "a3", Enabled: true},
	)

	jobs := producer.FolderList{}.Produce(context.Background(), d)
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Kind != model.JobRefreshFolderList {
			t.Errorf("kind = %s", j.Kind)
		}
		if j.AccountID == "a2" {
			t.Error("disabled account produced a job")
		}
	}
}

func TestFolderContentSkipsCompleteAndAuthErrored(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seedState(t, s, "a1", "INBOX")
	seedState(t, s, "a1", "Sent")
	seedState(t, s, "a1", "Spam")

	if err := s.ApplyFolderPage(ctx, "a1", "Sent", nil, nil, "c", true, 30); err != nil {
		t.Fatalf("completing Sent: %v", err)
	}
	if err := s.SetFolderStatus(ctx, "a1", "Spam", model.FolderError, "bad creds", true); err != nil {
		t.Fatalf("auth-erroring Spam: %v", err)
	}

	d := deps(t, s, model.AccountConfig{ID: "a1", Enabled: true, RetentionDays: 30})
	jobs := producer.FolderContent{}.Produce(ctx, d)

	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 (only INBOX)", len(jobs))
	}
	job := jobs[0]
	if job.FolderID != "INBOX" || job.Kind != model.JobFetchFolderPage {
		t.Errorf("job = %s/%s", job.Kind, job.FolderID)
	}
	if job.HorizonDays != 30 {
		t.Errorf("horizon = %d, want 30", job.HorizonDays)
	}
}

func TestFolderContentResumesFromPersistedCursor(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	seedState(t, s, "a1", "INBOX")

	if err := s.ApplyFolderPage(ctx, "a1", "INBOX", nil, nil, "cursor-7", false, 0); err != nil {
		t.Fatalf("applying page: %v", err)
	}

	d := deps(t, s, model.AccountConfig{ID: "a1", Enabled: true})
	jobs := producer.FolderContent{}.Produce(ctx, d)
	if len(jobs) != 1 || jobs[0].Cursor != "cursor-7" {
		t.Errorf("jobs = %v, want one resuming from cursor-7", jobs)
	}
}

func TestBackfillFiresOnlyWhenRetentionWidens(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seedState(t, s, "a1", "INBOX")
	seedState(t, s, "a1", "Sent")
	seedState(t, s, "a1", "Archive")

	// INBOX backfilled to 30 days; Sent just completed its initial
	// listing, also fetched at 30 days; Archive still mid-listing.
	if err := s.ApplyBackfill(ctx, "a1", "INBOX", nil, nil, 30); err != nil {
		t.Fatalf("seeding horizon: %v", err)
	}
	if err := s.ApplyFolderPage(ctx, "a1", "Sent", nil, nil, "c", true, 30); err != nil {
		t.Fatalf("completing Sent: %v", err)
	}

	// Retention equal to the recorded horizons: nothing to do. In
	// particular the freshly completed listing already covers the
	// window and must not be fetched again.
	d := deps(t, s, model.AccountConfig{ID: "a1", Enabled: true, RetentionDays: 30})
	if jobs := (producer.Backfill{}).Produce(ctx, d); len(jobs) != 0 {
		t.Errorf("backfill emitted %d jobs with retention == horizon", len(jobs))
	}

	// Widened retention: exactly the complete folders backfill.
	d = deps(t, s, model.AccountConfig{ID: "a1", Enabled: true, RetentionDays: 90})
	jobs := producer.Backfill{}.Produce(ctx, d)
	if len(jobs) != 2 {
		t.Fatalf("got %d backfill jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.FolderID == "Archive" {
			t.Error("mid-listing folder produced a backfill job")
		}
		if j.HorizonDays != 90 {
			t.Errorf("job %s horizon = %d, want 90", j.FolderID, j.HorizonDays)
		}
	}
}

func TestActionUploadEmitsOnlyDueActions(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateAction(ctx, model.PendingAction{
		ID: "due", AccountID: "a1", TargetID: "m1", Type: model.ActionMarkRead,
	}); err != nil {
		t.Fatalf("creating action: %v", err)
	}
	if err := s.CreateAction(ctx, model.PendingAction{
		ID: "waiting", AccountID: "a1", TargetID: "m2", Type: model.ActionStar,
		NextAttemptAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("creating backoff action: %v", err)
	}

	d := deps(t, s, model.AccountConfig{ID: "a1", Enabled: true})
	d.Now = func() time.Time { return now }

	jobs := producer.ActionUpload{}.Produce(ctx, d)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].TargetID != "due" || jobs[0].Priority != model.PriorityActionUpload {
		t.Errorf("job = %+v", jobs[0])
	}
}

func TestBulkDownloadRespectsCachePressure(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	seedState(t, s, "a1", "INBOX")

	err := s.ApplyFolderPage(ctx, "a1", "INBOX", []model.Message{{
		ID: "m1", Subject: "s", From: "f", To: "t", Date: time.Now(),
	}}, nil, "c", true, 30)
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	d := deps(t, s, model.AccountConfig{ID: "a1", Enabled: true})
	d.Gates = []gate.Gatekeeper{gate.CachePressure{HighWaterBytes: 100, CriticalBytes: 150}}

	jobs := producer.BulkDownload{}.Produce(ctx, d)
	if len(jobs) != 1 || jobs[0].Kind != model.JobBulkFetchBodies {
		t.Fatalf("jobs = %v, want one bulk body fetch", jobs)
	}
	if len(jobs[0].BatchIDs) != 1 || jobs[0].BatchIDs[0] != "m1" {
		t.Errorf("batch = %v, want [m1]", jobs[0].BatchIDs)
	}

	// Above the high-water mark the producer emits nothing.
	d.Device = func() model.DeviceState {
		return model.DeviceState{Network: model.NetworkUnmetered, Charging: true, CacheBytes: 120}
	}
	if jobs := (producer.BulkDownload{}).Produce(ctx, d); len(jobs) != 0 {
		t.Errorf("bulk producer emitted %d jobs above high water", len(jobs))
	}
}

func TestFreshnessTargetsVisibleFolderOnly(t *testing.T) {
	s := testutil.NewTestStore(t)
	d := deps(t, s, model.AccountConfig{ID: "a1", Enabled: true})

	if jobs := (producer.Freshness{}).Produce(context.Background(), d); len(jobs) != 0 {
		t.Errorf("freshness emitted %d jobs with nothing visible", len(jobs))
	}

	d.VisibleAccountID = "a1"
	d.VisibleFolderID = "INBOX"
	jobs := producer.Freshness{}.Produce(context.Background(), d)
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].Kind != model.JobFreshnessPoll || jobs[0].FolderID != "INBOX" {
		t.Errorf("job = %+v", jobs[0])
	}
}
