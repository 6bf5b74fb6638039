package queue

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

func pageJob(account, folder string, p model.Priority) model.SyncJob {
	return model.SyncJob{
		Kind:      model.JobFetchFolderPage,
		Priority:  p,
		AccountID: account,
		FolderID:  folder,
	}
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()

	// Enqueued low-priority first; higher classes must still win.
	jobs := []model.SyncJob{
		{Kind: model.JobBulkFetchBodies, Priority: model.PriorityBulkDownload, AccountID: "a"},
		{Kind: model.JobBackfill, Priority: model.PriorityBackfill, AccountID: "a", FolderID: "INBOX"},
		pageJob("a", "INBOX", model.PriorityInteractive),
		{Kind: model.JobUploadPendingAction, Priority: model.PriorityActionUpload, AccountID: "a", TargetID: "act1"},
		{Kind: model.JobUploadPendingAction, Priority: model.PriorityActionUpload, AccountID: "a", TargetID: "act2"},
	}
	for _, j := range jobs {
		if !q.Enqueue(j) {
			t.Fatalf("enqueue rejected %v", j.Kind)
		}
	}

	want := []string{
		pageJob("a", "INBOX", model.PriorityInteractive).DedupKey(),
		"upload_pending_action|a|act1",
		"upload_pending_action|a|act2",
		"backfill|a|INBOX",
		"bulk_fetch_bodies|a",
	}

	ctx := context.Background()
	for i, key := range want {
		job, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d: queue closed early", i)
		}
		if job.DedupKey() != key {
			t.Errorf("dequeue %d: got %s, want %s", i, job.DedupKey(), key)
		}
		q.MarkDone(job)
	}
}

func TestEnqueueDeduplicatesQueuedAndExecuting(t *testing.T) {
	q := New()
	job := pageJob("a", "INBOX", model.PriorityFolderListRefresh)

	if !q.Enqueue(job) {
		t.Fatal("first enqueue rejected")
	}
	if q.Enqueue(job) {
		t.Error("duplicate of queued job accepted")
	}

	got, ok := q.Dequeue(context.Background())
	if !ok {
		t.Fatal("dequeue failed")
	}

	// Still executing: the same logical work stays reserved.
	if q.Enqueue(job) {
		t.Error("duplicate of executing job accepted")
	}

	q.MarkDone(got)
	if !q.Enqueue(job) {
		t.Error("re-enqueue after MarkDone rejected")
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()

	done := make(chan model.SyncJob, 1)
	go func() {
		job, ok := q.Dequeue(context.Background())
		if ok {
			done <- job
		}
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue(pageJob("a", "INBOX", model.PriorityInteractive))

	select {
	case job := <-done:
		if job.FolderID != "INBOX" {
			t.Errorf("got folder %s, want INBOX", job.FolderID)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestDequeueRespectsContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("dequeue reported a job after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after cancel")
	}
}

func TestCloseUnblocksAllWorkers(t *testing.T) {
	q := New()

	const workers = 3
	done := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, ok := q.Dequeue(context.Background())
			done <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()

	for i := 0; i < workers; i++ {
		select {
		case ok := <-done:
			if ok {
				t.Error("worker got a job from a closed empty queue")
			}
		case <-time.After(time.Second):
			t.Fatal("worker still blocked after Close")
		}
	}

	if q.Enqueue(pageJob("a", "INBOX", model.PriorityInteractive)) {
		t.Error("closed queue accepted a job")
	}
}

func TestDrainAccountRemovesOnlyThatAccount(t *testing.T) {
	q := New()
	q.Enqueue(pageJob("a", "INBOX", model.PriorityFolderListRefresh))
	q.Enqueue(pageJob("a", "Sent", model.PriorityFolderListRefresh))
	q.Enqueue(pageJob("b", "INBOX", model.PriorityFolderListRefresh))

	if removed := q.DrainAccount("a"); removed != 2 {
		t.Errorf("drained %d jobs, want 2", removed)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length %d after drain, want 1", q.Len())
	}

	job, _ := q.Dequeue(context.Background())
	if job.AccountID != "b" {
		t.Errorf("surviving job belongs to %s, want b", job.AccountID)
	}
}

func TestDrainFolderKeepsProtectedAndForeignJobs(t *testing.T) {
	q := New()
	q.Enqueue(pageJob("a", "INBOX", model.PriorityInteractive))
	q.Enqueue(model.SyncJob{
		Kind: model.JobBackfill, Priority: model.PriorityBackfill,
		AccountID: "a", FolderID: "INBOX",
	})
	q.Enqueue(model.SyncJob{
		Kind: model.JobUploadPendingAction, Priority: model.PriorityActionUpload,
		AccountID: "a", FolderID: "INBOX", TargetID: "act1",
	})
	q.Enqueue(pageJob("a", "Sent", model.PriorityFolderListRefresh))

	removed := q.DrainFolder("a", "INBOX", func(job model.SyncJob) bool {
		return job.Priority == model.PriorityInteractive
	})
	if removed != 1 {
		t.Errorf("drained %d jobs, want 1 (the backfill)", removed)
	}

	// Interactive page, the action upload, and the other folder survive.
	if q.Len() != 3 {
		t.Errorf("queue length %d after drain, want 3", q.Len())
	}
}

func TestDrainSkipsExecutingJobs(t *testing.T) {
	q := New()
	q.Enqueue(pageJob("a", "INBOX", model.PriorityFolderListRefresh))

	job, _ := q.Dequeue(context.Background())
	if removed := q.DrainAccount("a"); removed != 0 {
		t.Errorf("drained %d in-flight jobs, want 0", removed)
	}
	q.MarkDone(job)
}
