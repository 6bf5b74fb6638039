package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/gate"
	"github.com/nhle/mailsync/internal/mailapi"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/status"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

// fakeService scripts the remote side. Pages are keyed by cursor.
type fakeService struct {
	mu        sync.Mutex
	pages     map[string]*mailapi.FolderPage
	folders   []model.Folder
	fetchErr  error
	actionErr error

	inFlight    int32
	maxInFlight int32
	calls       int32

	// blockFetch, when set, holds FetchFolderPage until released.
	blockFetch chan struct{}
}

func (f *fakeService) FetchFolderList(ctx context.Context) ([]model.Folder, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.folders, f.fetchErr
}

func (f *fakeService) FetchFolderPage(ctx context.Context, folderID, cursor string, pageSize, horizonDays int) (*mailapi.FolderPage, error) {
	atomic.AddInt32(&f.calls, 1)

	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		seen := atomic.LoadInt32(&f.maxInFlight)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxInFlight, seen, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.blockFetch != nil {
		<-f.blockFetch
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[cursor]
	if !ok {
		return &mailapi.FolderPage{}, nil
	}
	return page, nil
}

func (f *fakeService) FetchBody(ctx context.Context, folderID, messageID string) (*mailapi.Body, error) {
	atomic.AddInt32(&f.calls, 1)
	return &mailapi.Body{MessageID: messageID, Raw: []byte("body")}, nil
}

func (f *fakeService) FetchAttachment(ctx context.Context, folderID, attachmentID string) (*mailapi.AttachmentData, error) {
	atomic.AddInt32(&f.calls, 1)
	return &mailapi.AttachmentData{AttachmentID: attachmentID, Data: []byte("data")}, nil
}

func (f *fakeService) ApplyAction(ctx context.Context, action model.PendingAction) error {
	atomic.AddInt32(&f.calls, 1)
	return f.actionErr
}

// fakeCreds is an in-memory credential provider.
type fakeCreds struct {
	mu      sync.Mutex
	invalid map[string]bool
}

func newFakeCreds() *fakeCreds { return &fakeCreds{invalid: make(map[string]bool)} }

func (c *fakeCreds) Secret(accountID string) (string, error) { return "secret", nil }
func (c *fakeCreds) MarkInvalid(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid[accountID] = true
}
func (c *fakeCreds) Refresh(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.invalid, accountID)
}

func testConfig(t *testing.T, st store.Store, svc *fakeService) Config {
	t.Helper()
	sc := model.DefaultSyncConfig()
	sc.Workers = 4
	sc.BackoffBaseSec = 1
	sc.MaxJobAttempts = 2

	return Config{
		Store: st,
		Services: func(accountID string) (mailapi.Service, error) {
			return svc, nil
		},
		Creds: newFakeCreds(),
		Accounts: []model.AccountConfig{
			{ID: "acct", Enabled: true, RetentionDays: 30},
		},
		Sync: sc,
		Device: func() model.DeviceState {
			return model.DeviceState{Network: model.NetworkUnmetered, Charging: true}
		},
		// Keep occupancy far from the marks unless a test overrides it.
		Pressure: gate.CachePressure{HighWaterBytes: 1 << 40, CriticalBytes: 1 << 40},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func seedFolders(t *testing.T, st store.Store, accountID string, folderIDs ...string) {
	t.Helper()
	var folders []model.Folder
	for _, id := range folderIDs {
		folders = append(folders, model.Folder{AccountID: accountID, FolderID: id, Name: id})
	}
	if err := st.UpsertFolders(context.Background(), accountID, folders); err != nil {
		t.Fatalf("seeding folders: %v", err)
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPerAccountJobsNeverOverlap(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX", "Sent", "Archive")

	svc := &fakeService{blockFetch: make(chan struct{})}
	c := New(testConfig(t, st, svc))
	c.Start(context.Background())
	defer c.Stop()

	for _, folder := range []string{"INBOX", "Sent", "Archive"} {
		c.Submit(model.SyncJob{
			Kind:      model.JobFetchFolderPage,
			Priority:  model.PriorityFolderListRefresh,
			AccountID: "acct",
			FolderID:  folder,
		})
	}

	// Give the pool time to (incorrectly) start more than one.
	time.Sleep(50 * time.Millisecond)
	close(svc.blockFetch)

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&svc.calls) >= 3
	}, "all three fetches to run")

	if max := atomic.LoadInt32(&svc.maxInFlight); max != 1 {
		t.Errorf("observed %d concurrent fetches for one account, want 1", max)
	}
}

func TestParallelismAcrossAccountsBoundedByGuards(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "a1", "INBOX", "Sent", "Archive")
	seedFolders(t, st, "a2", "INBOX", "Sent", "Archive")

	// One shared fake: its in-flight counter spans both accounts.
	svc := &fakeService{blockFetch: make(chan struct{})}
	cfg := testConfig(t, st, svc)
	cfg.Accounts = []model.AccountConfig{
		{ID: "a1", Enabled: true, RetentionDays: 30},
		{ID: "a2", Enabled: true, RetentionDays: 30},
	}
	c := New(cfg)
	c.Start(context.Background())
	defer c.Stop()

	for _, account := range []string{"a1", "a2"} {
		for _, folder := range []string{"INBOX", "Sent", "Archive"} {
			c.Submit(model.SyncJob{
				Kind:      model.JobFetchFolderPage,
				Priority:  model.PriorityFolderListRefresh,
				AccountID: account,
				FolderID:  folder,
			})
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(svc.blockFetch)

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&svc.calls) >= 6
	}, "all six fetches to run")

	// Two accounts may run in parallel, but never two jobs of one
	// account: the ceiling is one per account.
	if max := atomic.LoadInt32(&svc.maxInFlight); max > 2 {
		t.Errorf("observed %d concurrent fetches across two accounts, want at most 2", max)
	}
}

func TestAuthErrorFreezesAccountUntilResume(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX", "Sent")

	svc := &fakeService{fetchErr: &mailapi.AuthError{AccountID: "acct", Message: "bad creds"}}
	c := New(testConfig(t, st, svc))
	c.Start(context.Background())
	defer c.Stop()

	c.Submit(model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  model.PriorityFolderListRefresh,
		AccountID: "acct",
		FolderID:  "INBOX",
	})

	waitFor(t, 2*time.Second, func() bool {
		return c.isFrozen("acct")
	}, "account freeze")

	snap := c.Board().Snapshot()
	if len(snap.Accounts) != 1 || !snap.Accounts[0].NeedsReauth {
		t.Error("board does not show the reauth condition")
	}

	st2, err := st.GetFolderState(context.Background(), "acct", "INBOX")
	if err != nil {
		t.Fatalf("getting state: %v", err)
	}
	if st2.Status != model.FolderError || !st2.AuthError {
		t.Errorf("folder state = %s auth=%v, want error/true", st2.Status, st2.AuthError)
	}

	// Frozen: submissions are refused, nothing more reaches the wire.
	calls := atomic.LoadInt32(&svc.calls)
	if c.Submit(model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  model.PriorityFolderListRefresh,
		AccountID: "acct",
		FolderID:  "Sent",
	}) {
		t.Error("frozen account accepted a job")
	}
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&svc.calls); got != calls {
		t.Errorf("wire calls went from %d to %d while frozen", calls, got)
	}

	// Resume clears the freeze and the auth-error folder state.
	svc.fetchErr = nil
	c.ResumeAccount(context.Background(), "acct")
	if c.isFrozen("acct") {
		t.Fatal("account still frozen after resume")
	}
	st2, _ = st.GetFolderState(context.Background(), "acct", "INBOX")
	if st2.AuthError {
		t.Error("auth-error flag survived resume")
	}
	if !c.Submit(model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  model.PriorityFolderListRefresh,
		AccountID: "acct",
		FolderID:  "Sent",
	}) {
		t.Error("resumed account refused a job")
	}
}

func TestPageFetchChainsToCompletion(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	mkMsg := func(id string, age time.Duration) model.Message {
		return model.Message{ID: id, Subject: id, From: "f", To: "t", Date: time.Now().Add(-age)}
	}
	svc := &fakeService{pages: map[string]*mailapi.FolderPage{
		"": {Messages: []model.Message{mkMsg("m1", time.Hour)}, NextCursor: "c1"},
		"c1": {Messages: []model.Message{mkMsg("m2", 2 * time.Hour)}, NextCursor: "c2"},
		"c2": {Messages: []model.Message{mkMsg("m3", 3 * time.Hour)}},
	}}

	c := New(testConfig(t, st, svc))
	c.Start(context.Background())
	defer c.Stop()

	c.Submit(model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  model.PriorityInteractive,
		AccountID: "acct",
		FolderID:  "INBOX",
	})

	waitFor(t, 2*time.Second, func() bool {
		fs, err := st.GetFolderState(context.Background(), "acct", "INBOX")
		return err == nil && fs.Status == model.FolderComplete
	}, "folder to complete")

	fs, _ := st.GetFolderState(context.Background(), "acct", "INBOX")
	// The final page carries no resume token; the cursor keeps its last
	// forward position.
	if fs.PageCursor != "c2" {
		t.Errorf("cursor = %q, want c2", fs.PageCursor)
	}

	msgs, err := st.GetMessages(context.Background(), store.MessageFilter{AccountID: "acct", FolderID: "INBOX"})
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
}

func TestRateLimitHintRequeuesJob(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	svc := &fakeService{fetchErr: &mailapi.RateLimited{RetryAfter: 10 * time.Millisecond}}
	c := New(testConfig(t, st, svc))
	c.Start(context.Background())
	defer c.Stop()

	c.Submit(model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  model.PriorityFolderListRefresh,
		AccountID: "acct",
		FolderID:  "INBOX",
	})

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&svc.calls) >= 2
	}, "rate-limited job to retry")
}

func TestUploadActionDeadLettersAtCeiling(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	svc := &fakeService{actionErr: &mailapi.PermanentError{Reason: "rejected"}}
	now := time.Now().UTC()

	cfg := testConfig(t, st, svc)
	cfg.Sync.MaxActionAttempts = 2
	cfg.Now = func() time.Time { return now }
	c := New(cfg)

	ctx := context.Background()
	if err := st.CreateAction(ctx, model.PendingAction{
		ID: "act1", AccountID: "acct", TargetID: "INBOX:1", Type: model.ActionDelete,
	}); err != nil {
		t.Fatalf("creating action: %v", err)
	}

	job := model.SyncJob{
		Kind:      model.JobUploadPendingAction,
		Priority:  model.PriorityActionUpload,
		AccountID: "acct",
		TargetID:  "act1",
	}

	// First failure: recorded with a backoff window, still retryable.
	if err := c.handleUploadAction(ctx, job); err != nil {
		t.Fatalf("first upload attempt returned %v", err)
	}
	action, err := st.GetAction(ctx, "act1")
	if err != nil {
		t.Fatalf("getting action: %v", err)
	}
	if action.Status != model.ActionFailed || action.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", action.Status, action.Attempts)
	}

	// Second failure reaches the ceiling.
	now = action.NextAttemptAt.Add(time.Second)
	if err := c.handleUploadAction(ctx, job); err != nil {
		t.Fatalf("second upload attempt returned %v", err)
	}
	action, _ = st.GetAction(ctx, "act1")
	if action.Status != model.ActionDeadLettered {
		t.Errorf("status = %s after ceiling, want dead_lettered", action.Status)
	}

	// Dead-lettered actions are skipped without touching the wire.
	calls := atomic.LoadInt32(&svc.calls)
	if err := c.handleUploadAction(ctx, job); err != nil {
		t.Fatalf("post-dead-letter attempt returned %v", err)
	}
	if atomic.LoadInt32(&svc.calls) != calls {
		t.Error("dead-lettered action reached the wire")
	}

	dead, _ := st.DeadLetteredActions(ctx, "acct")
	if len(dead) != 1 {
		t.Errorf("dead-letter list has %d entries, want 1", len(dead))
	}
}

func TestUploadActionSuccessDeletesRow(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	svc := &fakeService{}
	c := New(testConfig(t, st, svc))

	ctx := context.Background()
	if err := st.CreateAction(ctx, model.PendingAction{
		ID: "act1", AccountID: "acct", TargetID: "INBOX:1", Type: model.ActionMarkRead,
	}); err != nil {
		t.Fatalf("creating action: %v", err)
	}

	err := c.handleUploadAction(ctx, model.SyncJob{
		Kind: model.JobUploadPendingAction, AccountID: "acct", TargetID: "act1",
	})
	if err != nil {
		t.Fatalf("upload returned %v", err)
	}

	if _, err := st.GetAction(ctx, "act1"); err != store.ErrNotFound {
		t.Errorf("uploaded action still present: %v", err)
	}
}

func TestSubmitActionAssignsIDBeforeQueueing(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	svc := &fakeService{}
	c := New(testConfig(t, st, svc))
	c.Start(context.Background())
	defer c.Stop()

	ctx := context.Background()
	if err := c.SubmitAction(ctx, model.PendingAction{
		AccountID: "acct", TargetID: "INBOX:7", Type: model.ActionMarkRead,
	}); err != nil {
		t.Fatalf("submitting action: %v", err)
	}

	// The queued job must carry the generated ID, so the upload runs
	// right away and deletes the row on success.
	waitFor(t, 2*time.Second, func() bool {
		due, err := st.DueActions(ctx, time.Now().Add(time.Hour))
		return err == nil && len(due) == 0
	}, "submitted action to upload")

	if atomic.LoadInt32(&svc.calls) == 0 {
		t.Error("action never reached the wire")
	}
}

func TestTransientExhaustionSurfacesFolderError(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	c := New(testConfig(t, st, &fakeService{}))
	ctx := context.Background()

	if err := st.SetFolderStatus(ctx, "acct", "INBOX", model.FolderSyncing, "", false); err != nil {
		t.Fatalf("setting status: %v", err)
	}

	// The job has already burned through its attempts; the next
	// transient failure gives up instead of requeueing.
	job := model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  model.PriorityFolderListRefresh,
		AccountID: "acct",
		FolderID:  "INBOX",
		Attempts:  c.cfg.Sync.MaxJobAttempts,
	}
	c.afterJob(ctx, job, &mailapi.TransientError{Err: errors.New("connection reset")}, 0)

	fs, err := st.GetFolderState(ctx, "acct", "INBOX")
	if err != nil {
		t.Fatalf("getting state: %v", err)
	}
	if fs.Status != model.FolderError || fs.AuthError {
		t.Errorf("folder state = %s auth=%v after give-up, want error/false", fs.Status, fs.AuthError)
	}

	snap := c.Board().Snapshot()
	if len(snap.Folders) != 1 || snap.Folders[0].State != status.StateError {
		t.Error("board still shows the folder syncing after give-up")
	}
}

func TestOpenFolderSchedulesInteractivePage(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX", "Sent")

	c := New(testConfig(t, st, &fakeService{}))
	ctx := context.Background()

	c.OpenFolder(ctx, "acct", "INBOX")
	if c.queue.Len() != 1 {
		t.Fatalf("queue length %d after open, want 1", c.queue.Len())
	}
	job, _ := c.queue.Dequeue(ctx)
	if job.Kind != model.JobFetchFolderPage || job.Priority != model.PriorityInteractive {
		t.Errorf("job = %s/%s", job.Kind, job.Priority)
	}
	c.queue.MarkDone(job)

	// A complete folder needs no page fetch on open.
	if err := st.ApplyFolderPage(ctx, "acct", "Sent", nil, nil, "c", true, 30); err != nil {
		t.Fatalf("completing Sent: %v", err)
	}
	c.OpenFolder(ctx, "acct", "Sent")
	if c.queue.Len() != 0 {
		t.Errorf("queue length %d after opening complete folder, want 0", c.queue.Len())
	}
}

func TestOpenFolderDrainsPreviousFolderPaging(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX", "Sent")

	c := New(testConfig(t, st, &fakeService{}))
	ctx := context.Background()

	c.OpenFolder(ctx, "acct", "INBOX")

	// Background paging and backfill pile up behind the visible folder.
	c.Submit(model.SyncJob{
		Kind: model.JobBackfill, Priority: model.PriorityBackfill,
		AccountID: "acct", FolderID: "INBOX", HorizonDays: 90,
	})

	c.OpenFolder(ctx, "acct", "Sent")

	// INBOX's backfill is gone; its interactive page and Sent's page stay.
	var kinds []string
	for c.queue.Len() > 0 {
		job, _ := c.queue.Dequeue(ctx)
		kinds = append(kinds, fmt.Sprintf("%s/%s", job.Kind, job.FolderID))
		c.queue.MarkDone(job)
	}
	want := map[string]bool{
		"fetch_folder_page/INBOX": true,
		"fetch_folder_page/Sent":  true,
	}
	if len(kinds) != 2 {
		t.Fatalf("queue had %v, want exactly the two page fetches", kinds)
	}
	for _, k := range kinds {
		if !want[k] {
			t.Errorf("unexpected surviving job %s", k)
		}
	}
}

// stubEvictor counts eviction runs.
type stubEvictor struct{ runs int32 }

func (e *stubEvictor) Run(ctx context.Context) (int64, error) {
	atomic.AddInt32(&e.runs, 1)
	return 0, nil
}

func TestMandatoryEvictionEnqueuedAboveCriticalMark(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedFolders(t, st, "acct", "INBOX")

	if err := st.SaveBody(context.Background(), "acct", "m1", make([]byte, 200)); err != nil {
		t.Fatalf("filling cache: %v", err)
	}

	ev := &stubEvictor{}
	cfg := testConfig(t, st, &fakeService{})
	cfg.Evictor = ev
	cfg.Pressure = gate.CachePressure{HighWaterBytes: 100, CriticalBytes: 150}
	c := New(cfg)
	c.Start(context.Background())
	defer c.Stop()

	c.RunProducers(context.Background(), nil)

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&ev.runs) >= 1
	}, "mandatory eviction run")
}

func TestBackoffForDoublesAndCaps(t *testing.T) {
	cfg := testConfig(t, nil, nil)
	cfg.Sync.BackoffBaseSec = 30
	cfg.Sync.BackoffCapSec = 120
	c := New(cfg)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 120 * time.Second},
		{10, 120 * time.Second},
	}
	for _, tc := range cases {
		if got := c.backoffFor(tc.attempt); got != tc.want {
			t.Errorf("backoffFor(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
