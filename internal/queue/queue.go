// Package queue provides the priority queue feeding the sync controller:
// strict priority ordering with FIFO tie-break within a class, idempotent
// submission keyed by dedup key, and account/folder-scoped draining.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/nhle/mailsync/internal/model"
)

// item is one queued job plus its heap bookkeeping.
type item struct {
	job model.SyncJob
	seq uint64
	idx int
}

// jobHeap orders items by (priority class, enqueue sequence).
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.idx = -1
	*h = old[:n-1]
	return it
}

// Queue is safe for concurrent producer-side enqueue and controller-side
// dequeue. A job's dedup key stays reserved from Enqueue until MarkDone,
// so re-producing queued or in-flight work is a no-op.
type Queue struct {
	mu        sync.Mutex
	items     jobHeap
	queued    map[string]*item
	executing map[string]struct{}
	seq       uint64
	closed    bool
	notify    chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		queued:    make(map[string]*item),
		executing: make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue adds a job unless an equal dedup key is already queued or
// currently executing. It reports whether the job was accepted.
func (q *Queue) Enqueue(job model.SyncJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	key := job.DedupKey()
	if _, ok := q.queued[key]; ok {
		return false
	}
	if _, ok := q.executing[key]; ok {
		return false
	}

	q.seq++
	it := &item{job: job, seq: q.seq}
	heap.Push(&q.items, it)
	q.queued[key] = it

	q.wake()
	return true
}

// Dequeue blocks until a job is available, the context is canceled, or the
// queue is closed and empty. The returned job's dedup key remains reserved
// until MarkDone is called with it.
func (q *Queue) Dequeue(ctx context.Context) (model.SyncJob, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			key := it.job.DedupKey()
			delete(q.queued, key)
			q.executing[key] = struct{}{}
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return it.job, true
		}
		if q.closed {
			q.mu.Unlock()
			// Chain the wake-up so every blocked worker observes the close.
			q.wake()
			return model.SyncJob{}, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.SyncJob{}, false
		case <-q.notify:
		}
	}
}

// MarkDone releases the dedup reservation for a finished (or abandoned)
// job, making the same logical work enqueueable again.
func (q *Queue) MarkDone(job model.SyncJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.executing, job.DedupKey())
}

// DrainAccount removes all not-yet-started jobs for the account and
// returns how many were removed. In-flight jobs are untouched.
func (q *Queue) DrainAccount(accountID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeWhere(func(job model.SyncJob) bool {
		return job.AccountID == accountID
	})
}

// DrainFolder removes not-yet-started paging and backfill jobs for the
// folder, keeping any job for which keep returns true (the page required
// to satisfy a currently visible view). keep may be nil.
func (q *Queue) DrainFolder(accountID, folderID string, keep func(model.SyncJob) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeWhere(func(job model.SyncJob) bool {
		if job.AccountID != accountID || job.FolderID != folderID {
			return false
		}
		if job.Kind != model.JobFetchFolderPage && job.Kind != model.JobBackfill {
			return false
		}
		return keep == nil || !keep(job)
	})
}

// removeWhere deletes all queued items matching the predicate.
// Callers must hold q.mu.
func (q *Queue) removeWhere(match func(model.SyncJob) bool) int {
	removed := 0
	for key, it := range q.queued {
		if match(it.job) {
			heap.Remove(&q.items, it.idx)
			delete(q.queued, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of queued (not executing) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting jobs and unblocks pending Dequeue calls once the
// queue empties.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// wake signals one blocked Dequeue without blocking the caller.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
