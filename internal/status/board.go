// Package status exposes a read-only, continuously updated summary of
// per-account and per-folder sync state for the UI layer. Transitions are
// written only by the controller on job completion events; reading a
// snapshot never feeds back into scheduling.
package status

import (
	"sort"
	"sync"
	"time"
)

// State is the coarse sync condition of one folder.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateComplete State = "complete"
	StateError    State = "error"
)

// FolderStatus is the UI-facing summary for one folder.
type FolderStatus struct {
	AccountID string
	FolderID  string
	State     State
	Message   string

	// IsAuthError distinguishes "sign in again" from ordinary failures.
	IsAuthError bool

	UpdatedAt time.Time
}

// AccountStatus is the UI-facing summary for one account.
type AccountStatus struct {
	AccountID string

	// NeedsReauth is set when the account's credential was rejected and
	// sync is frozen until the user signs in again.
	NeedsReauth bool
}

// Snapshot is a point-in-time copy of the whole board.
type Snapshot struct {
	Folders  []FolderStatus
	Accounts []AccountStatus

	// QueueDepth and CacheBytes give the UI a feel for background
	// activity and storage pressure.
	QueueDepth int
	CacheBytes int64
}

// Board holds the mutable status state behind a mutex and fans updates
// out to at most one subscriber without ever blocking the writer.
type Board struct {
	mu         sync.Mutex
	folders    map[string]FolderStatus
	accounts   map[string]AccountStatus
	queueDepth int
	cacheBytes int64
	updates    chan struct{}
}

// NewBoard creates an empty status board.
func NewBoard() *Board {
	return &Board{
		folders:  make(map[string]FolderStatus),
		accounts: make(map[string]AccountStatus),
		updates:  make(chan struct{}, 1),
	}
}

// SetFolder records a folder transition.
func (b *Board) SetFolder(accountID, folderID string, state State, message string, isAuthError bool) {
	b.mu.Lock()
	b.folders[accountID+"/"+folderID] = FolderStatus{
		AccountID:   accountID,
		FolderID:    folderID,
		State:       state,
		Message:     message,
		IsAuthError: isAuthError,
		UpdatedAt:   time.Now(),
	}
	b.mu.Unlock()
	b.notify()
}

// SetAccountReauth flags or clears an account's needs-reauthentication
// condition.
func (b *Board) SetAccountReauth(accountID string, needsReauth bool) {
	b.mu.Lock()
	b.accounts[accountID] = AccountStatus{
		AccountID:   accountID,
		NeedsReauth: needsReauth,
	}
	b.mu.Unlock()
	b.notify()
}

// SetGauges updates the queue depth and cache occupancy gauges.
func (b *Board) SetGauges(queueDepth int, cacheBytes int64) {
	b.mu.Lock()
	b.queueDepth = queueDepth
	b.cacheBytes = cacheBytes
	b.mu.Unlock()
	b.notify()
}

// Snapshot returns a stable copy of the board, folders sorted by
// account then folder.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		QueueDepth: b.queueDepth,
		CacheBytes: b.cacheBytes,
	}
	for _, f := range b.folders {
		snap.Folders = append(snap.Folders, f)
	}
	for _, a := range b.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}

	sort.Slice(snap.Folders, func(i, j int) bool {
		if snap.Folders[i].AccountID != snap.Folders[j].AccountID {
			return snap.Folders[i].AccountID < snap.Folders[j].AccountID
		}
		return snap.Folders[i].FolderID < snap.Folders[j].FolderID
	})
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return snap.Accounts[i].AccountID < snap.Accounts[j].AccountID
	})

	return snap
}

// Updates returns a channel that receives a tick after each change.
// The channel is never closed and drops ticks rather than blocking.
func (b *Board) Updates() <-chan struct{} {
	return b.updates
}

// notify signals the subscriber without blocking.
func (b *Board) notify() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}
