// Package producer holds the strategies that inspect the stores and
// gatekeepers and emit synchronization jobs. Producers are stateless:
// everything they need arrives through Deps, and the queue's dedup makes
// re-emitting already-queued work harmless.
package producer

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/gate"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Deps carries everything a producer may consult. Producers only read
// through the stores; they never hold references to controller state.
type Deps struct {
	Store    store.Store
	Gates    []gate.Gatekeeper
	Config   model.SyncConfig
	Accounts []model.AccountConfig

	// Device returns the current device-state snapshot.
	Device func() model.DeviceState

	// Now is the clock; tests substitute it.
	Now func() time.Time

	// VisibleAccountID and VisibleFolderID identify the folder the user
	// is currently looking at, when any.
	VisibleAccountID string
	VisibleFolderID  string
}

// clock returns the deps clock, defaulting to time.Now.
func (d Deps) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// device returns the deps device snapshot, defaulting to an offline state.
func (d Deps) device() model.DeviceState {
	if d.Device != nil {
		return d.Device()
	}
	return model.DeviceState{}
}

// admits runs the kind through every gatekeeper with a fresh snapshot.
func (d Deps) admits(kind model.JobKind) bool {
	return gate.AdmitAll(d.Gates, kind, d.device())
}

// Producer is a single job-emission strategy, invoked on a cadence by the
// lifecycle driver.
type Producer interface {
	Name() string
	Produce(ctx context.Context, deps Deps) []model.SyncJob
}

// All returns the full producer set in invocation order.
func All() []Producer {
	return []Producer{
		FolderList{},
		FolderContent{},
		Backfill{},
		ActionUpload{},
		BulkDownload{},
	}
}
