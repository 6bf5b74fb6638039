// Package gate holds the admission-control predicates consulted before a
// job class may run. Gatekeepers are pure functions over a device-state
// snapshot; they are evaluated by producers before emitting a job and
// again by the controller immediately before execution.
package gate

import "github.com/nhle/mailsync/internal/model"

// Gatekeeper decides whether a job kind is currently admissible.
type Gatekeeper interface {
	Admits(kind model.JobKind, state model.DeviceState) bool
}

// economyKind reports whether the kind is background economy work that
// should only run under favorable conditions.
func economyKind(kind model.JobKind) bool {
	switch kind {
	case model.JobBackfill, model.JobBulkFetchBodies, model.JobBulkFetchAttachments:
		return true
	}
	return false
}

// Network admits interactive, action-upload, and freshness work whenever
// any connectivity exists; economy work additionally requires an
// unmetered connection unless the user explicitly approved metered bulk
// transfers. Eviction needs no network at all.
type Network struct{}

// Admits implements Gatekeeper.
func (Network) Admits(kind model.JobKind, state model.DeviceState) bool {
	if kind == model.JobEvictFromCache {
		return true
	}
	if !state.Online() {
		return false
	}
	if economyKind(kind) {
		return state.Network == model.NetworkUnmetered || state.AllowBulkOnMetered
	}
	return true
}

// CachePressure blocks bulk content downloads once cache occupancy
// exceeds the high-water mark. Above the critical mark, eviction becomes
// mandatory: the controller proactively enqueues it.
type CachePressure struct {
	HighWaterBytes int64
	CriticalBytes  int64
}

// Admits implements Gatekeeper.
func (g CachePressure) Admits(kind model.JobKind, state model.DeviceState) bool {
	switch kind {
	case model.JobBulkFetchBodies, model.JobBulkFetchAttachments:
		return state.CacheBytes < g.HighWaterBytes
	}
	return true
}

// Mandatory reports whether cache occupancy demands an eviction run
// regardless of what any producer decides.
func (g CachePressure) Mandatory(state model.DeviceState) bool {
	return state.CacheBytes > g.CriticalBytes
}

// Battery keeps economy work off a draining battery: backfill and bulk
// downloads need the charger or a minimum charge level.
type Battery struct {
	MinPercent int
}

// Admits implements Gatekeeper.
func (g Battery) Admits(kind model.JobKind, state model.DeviceState) bool {
	if !economyKind(kind) {
		return true
	}
	return state.Charging || state.BatteryPercent >= g.MinPercent
}

// AdmitAll runs the kind through every gatekeeper.
func AdmitAll(gates []Gatekeeper, kind model.JobKind, state model.DeviceState) bool {
	for _, g := range gates {
		if !g.Admits(kind, state) {
			return false
		}
	}
	return true
}
