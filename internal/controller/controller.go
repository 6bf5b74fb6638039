// Package controller implements the sync controller: the single consumer
// of the priority queue. It owns a bounded worker pool, a width-1 guard
// per account, the status board, and the handlers that execute each job
// kind against the remote mail service and the local stores.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/gate"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/producer"
	"github.com/nhle/mailsync/internal/queue"
	"github.com/nhle/mailsync/internal/status"
	"github.com/nhle/mailsync/internal/store"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailapi"
)

// ServiceResolver returns the wire-level mail service for an account.
type ServiceResolver func(accountID string) (mailapi.Service, error)

// Evictor runs one cache-eviction pass. Satisfied by *evict.Engine.
type Evictor interface {
	Run(ctx context.Context) (freedBytes int64, err error)
}

// Config wires a Controller. All collaborators are injected; the
// controller holds no ambient global state.
type Config struct {
	Store    store.Store
	Services ServiceResolver
	Creds    credential.Provider
	Evictor  Evictor
	Accounts []model.AccountConfig
	Sync     model.SyncConfig

	// Device returns the embedding environment's device snapshot. The
	// controller fills in cache occupancy itself.
	Device func() model.DeviceState

	// Gates are consulted at dequeue time; producers consult the same
	// set before emitting.
	Gates    []gate.Gatekeeper
	Pressure gate.CachePressure

	Logger *slog.Logger

	// Now is the clock; tests substitute it.
	Now func() time.Time
}

// Controller coordinates all synchronization work.
type Controller struct {
	cfg      Config
	store    store.Store
	services ServiceResolver
	creds    credential.Provider
	evictor  Evictor
	queue    *queue.Queue
	board    *status.Board
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	guards   map[string]chan struct{}
	frozen   map[string]bool
	accounts []model.AccountConfig

	visibleMu      sync.Mutex
	visibleAccount string
	visibleFolder  string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a stopped controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		cfg:      cfg,
		store:    cfg.Store,
		services: cfg.Services,
		creds:    cfg.Creds,
		evictor:  cfg.Evictor,
		queue:    queue.New(),
		board:    status.NewBoard(),
		logger:   logger,
		now:      now,
		guards:   make(map[string]chan struct{}),
		frozen:   make(map[string]bool),
		accounts: cfg.Accounts,
	}
}

// Board returns the controller's status board for the UI layer.
func (c *Controller) Board() *status.Board {
	return c.board
}

// QueueLen returns the number of queued (not in-flight) jobs.
func (c *Controller) QueueLen() int {
	return c.queue.Len()
}

// Start launches the worker pool. It is not re-entrant.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	workers := c.cfg.Sync.Workers
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.workerLoop(runCtx)
		}()
	}

	c.logger.Info("sync controller started", slog.Int("workers", workers))
}

// Stop drains the controller: no new jobs are accepted and in-flight
// jobs run to completion.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	c.queue.Close()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.logger.Info("sync controller stopped")
}

// Submit enqueues a job unless the account is frozen or equal work is
// already queued or executing. It reports whether the job was accepted.
func (c *Controller) Submit(job model.SyncJob) bool {
	if job.AccountID != "" && c.isFrozen(job.AccountID) && job.Kind != model.JobEvictFromCache {
		return false
	}

	accepted := c.queue.Enqueue(job)
	if accepted {
		c.logger.Debug("job enqueued",
			slog.String("kind", string(job.Kind)),
			slog.String("account", job.AccountID),
			slog.String("priority", job.Priority.String()),
		)
	}
	return accepted
}

// SubmitAction persists a user mutation and queues its upload. The row
// is written synchronously so the action survives a crash even when the
// upload has to wait for connectivity. The ID is assigned here so the
// queued job targets the row just written.
func (c *Controller) SubmitAction(ctx context.Context, action model.PendingAction) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if err := c.store.CreateAction(ctx, action); err != nil {
		return err
	}

	c.Submit(model.SyncJob{
		Kind:      model.JobUploadPendingAction,
		Priority:  model.PriorityActionUpload,
		AccountID: action.AccountID,
		TargetID:  action.ID,
	})
	return nil
}

// OpenFolder is the interactive entry point: the user opened a folder,
// so its next page is fetched at the highest priority and the folder
// becomes the freshness-poll target. The previously visible folder's
// non-essential paging jobs are cancelled.
func (c *Controller) OpenFolder(ctx context.Context, accountID, folderID string) {
	c.visibleMu.Lock()
	prevAccount, prevFolder := c.visibleAccount, c.visibleFolder
	c.visibleAccount, c.visibleFolder = accountID, folderID
	c.visibleMu.Unlock()

	if prevFolder != "" && (prevAccount != accountID || prevFolder != folderID) {
		removed := c.queue.DrainFolder(prevAccount, prevFolder, func(job model.SyncJob) bool {
			return job.Priority == model.PriorityInteractive
		})
		if removed > 0 {
			c.logger.Debug("cancelled paging jobs for deselected folder",
				slog.String("folder", prevFolder), slog.Int("removed", removed))
		}
	}

	cursor := ""
	if st, err := c.store.GetFolderState(ctx, accountID, folderID); err == nil {
		if st.Status == model.FolderComplete {
			// Nothing to page in; the freshness poll keeps it current.
			return
		}
		cursor = st.PageCursor
	}

	c.Submit(model.SyncJob{
		Kind:        model.JobFetchFolderPage,
		Priority:    model.PriorityInteractive,
		AccountID:   accountID,
		FolderID:    folderID,
		Cursor:      cursor,
		HorizonDays: c.retentionFor(accountID),
	})
}

// PrefetchNextPage requests the page after the one the user is viewing,
// just below interactive priority.
func (c *Controller) PrefetchNextPage(ctx context.Context, accountID, folderID string) {
	st, err := c.store.GetFolderState(ctx, accountID, folderID)
	if err != nil || st.Status == model.FolderComplete {
		return
	}

	c.Submit(model.SyncJob{
		Kind:        model.JobFetchFolderPage,
		Priority:    model.PriorityPredictiveScroll,
		AccountID:   accountID,
		FolderID:    folderID,
		Cursor:      st.PageCursor,
		HorizonDays: c.retentionFor(accountID),
	})
}

// Visible returns the account/folder the user is currently looking at.
func (c *Controller) Visible() (accountID, folderID string) {
	c.visibleMu.Lock()
	defer c.visibleMu.Unlock()
	return c.visibleAccount, c.visibleFolder
}

// RunProducers invokes the given producers and submits everything they
// emit. The lifecycle driver calls this on both cadences.
func (c *Controller) RunProducers(ctx context.Context, producers []producer.Producer) int {
	visAccount, visFolder := c.Visible()

	deps := producer.Deps{
		Store:            c.store,
		Gates:            c.cfg.Gates,
		Config:           c.cfg.Sync,
		Accounts:         c.activeAccounts(),
		Device:           func() model.DeviceState { return c.deviceState(ctx) },
		Now:              c.now,
		VisibleAccountID: visAccount,
		VisibleFolderID:  visFolder,
	}

	submitted := 0
	for _, p := range producers {
		for _, job := range p.Produce(ctx, deps) {
			if c.Submit(job) {
				submitted++
			}
		}
	}

	// Cache pressure above the critical mark forces an eviction run no
	// matter what any producer decided.
	if c.cfg.Pressure.Mandatory(c.deviceState(ctx)) {
		c.Submit(model.SyncJob{
			Kind:     model.JobEvictFromCache,
			Priority: model.PriorityCacheEviction,
		})
	}

	c.updateGauges(ctx)
	return submitted
}

// ResumeAccount unfreezes an account after its credentials were
// refreshed externally, clearing auth-error folder states so producers
// pick the account up again on their next cycle.
func (c *Controller) ResumeAccount(ctx context.Context, accountID string) {
	c.mu.Lock()
	delete(c.frozen, accountID)
	c.mu.Unlock()

	c.creds.Refresh(accountID)
	c.board.SetAccountReauth(accountID, false)

	states, err := c.store.ListFolderStates(ctx, accountID)
	if err != nil {
		c.logger.Warn("listing folder states on resume", slog.String("account", accountID), slog.Any("error", err))
		return
	}
	for _, st := range states {
		if !st.AuthError {
			continue
		}
		if err := c.store.SetFolderStatus(ctx, accountID, st.FolderID, model.FolderIdle, "", false); err != nil {
			c.logger.Warn("resetting folder status on resume", slog.String("folder", st.FolderID), slog.Any("error", err))
			continue
		}
		c.board.SetFolder(accountID, st.FolderID, status.StateIdle, "", false)
	}

	c.logger.Info("account resumed", slog.String("account", accountID))
}

// RemoveAccount drains the account's queued jobs and deletes all of its
// local state.
func (c *Controller) RemoveAccount(ctx context.Context, accountID string) error {
	c.mu.Lock()
	c.frozen[accountID] = true
	c.mu.Unlock()

	c.queue.DrainAccount(accountID)

	if err := c.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.frozen, accountID)
	filtered := c.accounts[:0]
	for _, a := range c.accounts {
		if a.ID != accountID {
			filtered = append(filtered, a)
		}
	}
	c.accounts = filtered
	c.mu.Unlock()

	c.logger.Info("account removed", slog.String("account", accountID))
	return nil
}

// workerLoop pops jobs until the queue closes or the context ends.
func (c *Controller) workerLoop(ctx context.Context) {
	for {
		job, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		c.process(ctx, job)
	}
}

// process runs one job end to end: admission re-check, guard
// acquisition, dispatch, and completion bookkeeping. The dedup
// reservation is released before the outcome is handled so a follow-up
// or retry of the same logical work can be queued immediately.
func (c *Controller) process(ctx context.Context, job model.SyncJob) {
	if job.AccountID != "" && c.isFrozen(job.AccountID) {
		c.logger.Debug("dropping job for frozen account",
			slog.String("kind", string(job.Kind)), slog.String("account", job.AccountID))
		c.queue.MarkDone(job)
		return
	}

	// Device state may have changed between enqueue and dequeue;
	// inadmissible jobs are dropped and re-emitted by producers on
	// their own cadence.
	if !gate.AdmitAll(c.cfg.Gates, job.Kind, c.deviceState(ctx)) {
		c.logger.Debug("job no longer admissible",
			slog.String("kind", string(job.Kind)), slog.String("account", job.AccountID))
		c.queue.MarkDone(job)
		return
	}

	if job.AccountID != "" {
		release, ok := c.acquireGuard(ctx, job.AccountID)
		if !ok {
			c.queue.MarkDone(job)
			return
		}
		defer release()
	}

	start := c.now()
	err := c.dispatch(ctx, job)
	c.queue.MarkDone(job)
	c.afterJob(ctx, job, err, c.now().Sub(start))
}

// afterJob classifies the job outcome and applies the retry policy.
func (c *Controller) afterJob(ctx context.Context, job model.SyncJob, err error, took time.Duration) {
	defer c.updateGauges(ctx)

	switch {
	case err == nil:
		c.logger.Debug("job complete",
			slog.String("kind", string(job.Kind)),
			slog.String("account", job.AccountID),
			slog.Duration("took", took),
		)
		c.chainNextPage(ctx, job)
		// An eviction pass that could not reach the target must not
		// immediately requeue itself; the producer cadence retries.
		if job.Kind != model.JobEvictFromCache {
			c.maybeEnqueueMandatoryEviction(ctx)
		}

	case mailapi.IsAuthError(err):
		c.freezeAccount(ctx, job, err)

	case mailapi.IsTransient(err):
		c.retryTransient(ctx, job, err, 0)

	default:
		if rl, ok := mailapi.AsRateLimited(err); ok {
			c.retryTransient(ctx, job, err, rl.RetryAfter)
			return
		}

		// Permanent failure: drop the job, surface the folder error,
		// and let the producer cadence decide when to try again.
		c.logger.Warn("job failed permanently",
			slog.String("kind", string(job.Kind)),
			slog.String("account", job.AccountID),
			slog.Any("error", err),
		)
		if job.FolderID != "" {
			if serr := c.store.SetFolderStatus(ctx, job.AccountID, job.FolderID, model.FolderError, err.Error(), false); serr != nil {
				c.logger.Error("recording folder error", slog.Any("error", serr))
			}
			c.board.SetFolder(job.AccountID, job.FolderID, status.StateError, err.Error(), false)
		}
	}
}

// retryTransient requeues the job after a backoff, bounded by the
// configured attempt ceiling. hint overrides the computed backoff when
// the provider supplied one. Giving up records the failure on the
// folder so the UI does not keep showing a sync in progress.
func (c *Controller) retryTransient(ctx context.Context, job model.SyncJob, err error, hint time.Duration) {
	job.Attempts++
	if job.Attempts > c.cfg.Sync.MaxJobAttempts {
		c.logger.Warn("transient retries exhausted; deferring to producer cadence",
			slog.String("kind", string(job.Kind)),
			slog.String("account", job.AccountID),
			slog.Any("error", err),
		)
		if job.FolderID != "" {
			if serr := c.store.SetFolderStatus(ctx, job.AccountID, job.FolderID, model.FolderError, err.Error(), false); serr != nil {
				c.logger.Error("recording folder error", slog.Any("error", serr))
			}
			c.board.SetFolder(job.AccountID, job.FolderID, status.StateError, err.Error(), false)
		}
		return
	}

	delay := hint
	if delay <= 0 {
		delay = c.backoffFor(job.Attempts)
	}

	c.logger.Debug("requeueing after transient failure",
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempts),
		slog.Duration("delay", delay),
	)

	retry := job
	time.AfterFunc(delay, func() {
		c.Submit(retry)
	})
}

// freezeAccount terminates the retry cycle for an account whose
// credentials were rejected. At most one auth-error transition is
// emitted; queued jobs are drained and nothing is dispatched again until
// ResumeAccount.
func (c *Controller) freezeAccount(ctx context.Context, job model.SyncJob, err error) {
	c.mu.Lock()
	alreadyFrozen := c.frozen[job.AccountID]
	c.frozen[job.AccountID] = true
	c.mu.Unlock()

	c.queue.DrainAccount(job.AccountID)

	if alreadyFrozen {
		return
	}

	c.creds.MarkInvalid(job.AccountID)
	c.board.SetAccountReauth(job.AccountID, true)

	if job.FolderID != "" {
		if serr := c.store.SetFolderStatus(ctx, job.AccountID, job.FolderID, model.FolderError, err.Error(), true); serr != nil {
			c.logger.Error("recording auth error", slog.Any("error", serr))
		}
		c.board.SetFolder(job.AccountID, job.FolderID, status.StateError, err.Error(), true)
	}

	c.logger.Warn("account frozen pending reauthentication",
		slog.String("account", job.AccountID), slog.Any("error", err))
}

// chainNextPage keeps a folder listing flowing: after a successful page
// fetch that did not complete the folder, the next page is queued at the
// same priority, resuming from the cursor the fetch just committed.
func (c *Controller) chainNextPage(ctx context.Context, job model.SyncJob) {
	if job.Kind != model.JobFetchFolderPage {
		return
	}

	st, err := c.store.GetFolderState(ctx, job.AccountID, job.FolderID)
	if err != nil || st.Status == model.FolderComplete {
		return
	}

	c.Submit(model.SyncJob{
		Kind:        model.JobFetchFolderPage,
		Priority:    job.Priority,
		AccountID:   job.AccountID,
		FolderID:    job.FolderID,
		Cursor:      st.PageCursor,
		HorizonDays: job.HorizonDays,
	})
}

// maybeEnqueueMandatoryEviction enqueues an eviction run when occupancy
// has crossed the critical mark.
func (c *Controller) maybeEnqueueMandatoryEviction(ctx context.Context) {
	if c.cfg.Pressure.Mandatory(c.deviceState(ctx)) {
		c.Submit(model.SyncJob{
			Kind:     model.JobEvictFromCache,
			Priority: model.PriorityCacheEviction,
		})
	}
}

// acquireGuard takes the width-1 per-account guard, blocking while
// another job for the same account is in flight.
func (c *Controller) acquireGuard(ctx context.Context, accountID string) (func(), bool) {
	c.mu.Lock()
	guard, ok := c.guards[accountID]
	if !ok {
		guard = make(chan struct{}, 1)
		c.guards[accountID] = guard
	}
	c.mu.Unlock()

	select {
	case guard <- struct{}{}:
		return func() { <-guard }, true
	case <-ctx.Done():
		return nil, false
	}
}

// isFrozen reports whether the account is awaiting reauthentication or
// removal.
func (c *Controller) isFrozen(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen[accountID]
}

// activeAccounts returns a copy of the current account list.
func (c *Controller) activeAccounts() []model.AccountConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.AccountConfig, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// retentionFor returns the configured retention horizon for an account.
func (c *Controller) retentionFor(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.accounts {
		if a.ID == accountID {
			return a.RetentionDays
		}
	}
	return 30
}

// deviceState merges the environment snapshot with current cache
// occupancy from the store.
func (c *Controller) deviceState(ctx context.Context) model.DeviceState {
	var state model.DeviceState
	if c.cfg.Device != nil {
		state = c.cfg.Device()
	} else {
		state = model.DeviceState{Network: model.NetworkUnmetered, Charging: true}
	}

	if size, err := c.store.TotalCacheSize(ctx); err == nil {
		state.CacheBytes = size
	}
	return state
}

// updateGauges refreshes the board's queue-depth and cache gauges.
func (c *Controller) updateGauges(ctx context.Context) {
	size, err := c.store.TotalCacheSize(ctx)
	if err != nil {
		size = 0
	}
	c.board.SetGauges(c.queue.Len(), size)
}

// backoffFor computes the exponential backoff for the given attempt
// number, capped by configuration.
func (c *Controller) backoffFor(attempt int) time.Duration {
	base := c.cfg.Sync.BackoffBase()
	if base <= 0 {
		base = 30 * time.Second
	}
	capd := c.cfg.Sync.BackoffCap()
	if capd <= 0 {
		capd = time.Hour
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= capd {
			return capd
		}
	}
	if d > capd {
		return capd
	}
	return d
}
