// Package evict implements the cache eviction engine. An eviction pass
// drains least-recently-used unpinned content until occupancy falls
// below the low-water mark; entries referenced by live pending actions
// are never candidates.
package evict

import (
	"context"
	"log/slog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// candidateBatch bounds one candidate query; a pass loops batches until
// it reaches the target or runs out of evictable content.
const candidateBatch = 100

// Engine drains the content cache down to the configured low-water mark.
type Engine struct {
	store  store.Store
	cfg    model.SyncConfig
	logger *slog.Logger
}

// New creates an eviction engine.
func New(st store.Store, cfg model.SyncConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, cfg: cfg, logger: logger}
}

// Run executes one eviction pass and returns the bytes freed. Occupancy
// at or below the low-water mark makes the pass a no-op.
func (e *Engine) Run(ctx context.Context) (int64, error) {
	target := e.cfg.LowWaterBytes()

	size, err := e.store.TotalCacheSize(ctx)
	if err != nil {
		return 0, err
	}
	if size <= target {
		return 0, nil
	}

	e.logger.Debug("starting eviction pass",
		slog.Int64("occupancy", size),
		slog.Int64("target", target),
	)

	var freed int64
	for size > target {
		if err := ctx.Err(); err != nil {
			return freed, err
		}

		candidates, err := e.store.EvictionCandidates(ctx, candidateBatch)
		if err != nil {
			return freed, err
		}
		if len(candidates) == 0 {
			// Everything left is pinned or referenced by a pending
			// action; stop rather than spin.
			e.logger.Warn("eviction pass exhausted candidates above target",
				slog.Int64("occupancy", size),
				slog.Int64("target", target),
			)
			break
		}

		for _, entry := range candidates {
			if size <= target {
				break
			}
			if err := e.store.DeleteCacheEntry(ctx, entry.ContentID); err != nil {
				return freed, err
			}
			size -= entry.SizeBytes
			freed += entry.SizeBytes
		}
	}

	return freed, nil
}
