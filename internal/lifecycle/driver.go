// Package lifecycle drives the producer cadences from application
// lifecycle events. Foregrounded, a short tick keeps the visible folder
// fresh; backgrounded, a long tick runs the full producer set.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/producer"
)

// Driver translates foreground/background transitions into producer
// invocations on the controller.
type Driver struct {
	ctrl   *controller.Controller
	cfg    model.SyncConfig
	logger *slog.Logger

	// active runs only the freshness producer; passive runs everything.
	active  []producer.Producer
	passive []producer.Producer

	mu         sync.Mutex
	foreground bool
	kick       chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped driver.
func New(ctrl *controller.Controller, cfg model.SyncConfig, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		ctrl:    ctrl,
		cfg:     cfg,
		logger:  logger,
		active:  []producer.Producer{producer.Freshness{}},
		passive: producer.All(),
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the cadence loop. The passive producer set runs once
// immediately so a cold start begins syncing without waiting a full
// passive interval.
func (d *Driver) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.loop(runCtx)
}

// Stop halts the cadence loop. In-flight producer runs finish first.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// SetForeground records an app lifecycle transition and kicks the loop
// so the new cadence takes effect immediately.
func (d *Driver) SetForeground(fg bool) {
	d.mu.Lock()
	changed := d.foreground != fg
	d.foreground = fg
	d.mu.Unlock()

	if changed {
		d.logger.Debug("lifecycle transition", slog.Bool("foreground", fg))
		d.wake()
	}
}

// Wake forces an immediate passive cycle, e.g. after connectivity
// returns or an account resumes.
func (d *Driver) Wake() {
	d.wake()
}

func (d *Driver) wake() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Driver) isForeground() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foreground
}

// loop alternates between the active and passive tickers. A lifecycle
// transition mid-interval resets the ticker to the new cadence.
func (d *Driver) loop(ctx context.Context) {
	defer close(d.done)

	activeTick := time.Duration(d.cfg.ActiveTickSec) * time.Second
	if activeTick <= 0 {
		activeTick = 5 * time.Second
	}
	passiveTick := time.Duration(d.cfg.PassiveTickMin) * time.Minute
	if passiveTick <= 0 {
		passiveTick = 15 * time.Minute
	}

	d.runPassive(ctx)

	// The passive cadence keeps running while foregrounded too; the
	// active ticker only adds the freshness poll on top.
	activeTimer := time.NewTicker(activeTick)
	passiveTimer := time.NewTicker(passiveTick)
	defer activeTimer.Stop()
	defer passiveTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.kick:
			d.runPassive(ctx)
			passiveTimer.Reset(passiveTick)

		case <-activeTimer.C:
			if d.isForeground() {
				d.runActive(ctx)
			}

		case <-passiveTimer.C:
			d.runPassive(ctx)
		}
	}
}

func (d *Driver) runActive(ctx context.Context) {
	n := d.ctrl.RunProducers(ctx, d.active)
	if n > 0 {
		d.logger.Debug("active cycle", slog.Int("submitted", n))
	}
}

func (d *Driver) runPassive(ctx context.Context) {
	n := d.ctrl.RunProducers(ctx, d.passive)
	d.logger.Debug("passive cycle", slog.Int("submitted", n))
}
