// Package optimizer refines keyframe poses with windowed and global bundle adjustment.
package optimizer

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/icpslam/densemap"
	"go.viam.com/icpslam/logging"
	"go.viam.com/icpslam/rimage/transform"
)

// Optimizer runs bundle adjustment passes, either on demand or from its background loop.
type Optimizer struct {
	cfg        Config
	intrinsics transform.PinholeCameraIntrinsics
	logger     logging.Logger
	clock      clock.Clock

	// passMu is held for the whole of a pass.
	passMu sync.Mutex

	mu         sync.Mutex
	cancelPass context.CancelFunc

	paused          atomic.Bool
	globalRequested atomic.Bool
	failures        atomic.Int32
	stalled         atomic.Bool
	passes          atomic.Uint64
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithClock replaces the wall clock driving the background loop.
func WithClock(c clock.Clock) Option {
	return func(o *Optimizer) {
		o.clock = c
	}
}

// NewOptimizer returns an optimizer for keyframes whose samples were taken through intrinsics.
func NewOptimizer(
	cfg Config,
	intrinsics transform.PinholeCameraIntrinsics,
	logger logging.Logger,
	opts ...Option,
) (*Optimizer, error) {
	if err := cfg.Validate("optimizer"); err != nil {
		return nil, err
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	o := &Optimizer{cfg: cfg, intrinsics: intrinsics, logger: logger, clock: clock.New()}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Optimizer) setCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelPass = cancel
}

// beginPass registers the cancel func of a pass. A Pause that ran before registration is caught by
// checking paused after it.
func (o *Optimizer) beginPass(ctx context.Context) (context.Context, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	o.setCancel(cancel)
	end := func() {
		o.setCancel(nil)
		cancel()
	}
	if o.paused.Load() {
		end()
		return nil, nil, ErrInterrupted
	}
	return ctx, end, nil
}

// Pause abandons any running pass and keeps new ones from starting until Resume. It returns once
// no pass is running, so the keyframe store can be reset or replaced safely.
func (o *Optimizer) Pause() {
	o.paused.Store(true)
	o.mu.Lock()
	if o.cancelPass != nil {
		o.cancelPass()
	}
	o.mu.Unlock()
	// wait out the running pass
	o.passMu.Lock()
	o.passMu.Unlock() //nolint:staticcheck
}

// Resume lets passes run again.
func (o *Optimizer) Resume() {
	o.paused.Store(false)
}

// Paused reports whether the optimizer is paused.
func (o *Optimizer) Paused() bool {
	return o.paused.Load()
}

// RequestGlobal asks the background loop for a global pass at its next tick.
func (o *Optimizer) RequestGlobal() {
	o.globalRequested.Store(true)
}

// Stalled reports whether the last StallThreshold passes all failed.
func (o *Optimizer) Stalled() bool {
	return o.stalled.Load()
}

// Passes returns the number of passes that completed without error.
func (o *Optimizer) Passes() uint64 {
	return o.passes.Load()
}

// Run drives bundle adjustment until ctx is done: a local pass whenever keyframes were added since
// the last one, and a global pass on request or every GlobalInterval.
func (o *Optimizer) Run(ctx context.Context, store Store) {
	ticker := o.clock.Ticker(o.cfg.LocalInterval)
	defer ticker.Stop()
	var seen, seenGlobal int
	lastGlobal := o.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.paused.Load() {
			continue
		}
		count := store.KeyframeCount()
		if count < seen {
			// the store was reset or reloaded
			seen, seenGlobal = 0, 0
		}
		dueGlobal := o.cfg.GlobalInterval > 0 && o.clock.Since(lastGlobal) >= o.cfg.GlobalInterval && count > seenGlobal
		if o.globalRequested.CompareAndSwap(true, false) || dueGlobal {
			_, err := o.GlobalBA(ctx, store)
			o.record(err, true)
			lastGlobal, seenGlobal, seen = o.clock.Now(), count, count
			continue
		}
		if count > seen {
			_, err := o.LocalBA(ctx, store)
			o.record(err, false)
			seen = count
		}
	}
}

// record updates the stall tracking with the outcome of a pass.
func (o *Optimizer) record(err error, global bool) {
	switch {
	case err == nil:
		o.passes.Inc()
		o.failures.Store(0)
		if o.stalled.CompareAndSwap(true, false) {
			o.logger.Info("bundle adjustment recovered")
		}
	case errors.Is(err, ErrInterrupted), errors.Is(err, densemap.ErrStaleEpoch), errors.Is(err, densemap.ErrBusy):
		o.logger.Debugw("bundle adjustment abandoned", "global", global, "error", err)
	default:
		failures := o.failures.Inc()
		o.logger.Debugw("bundle adjustment failed", "global", global, "failures", failures, "error", err)
		if int(failures) >= o.cfg.StallThreshold && o.stalled.CompareAndSwap(false, true) {
			o.logger.Warnw("bundle adjustment stalled", "failures", failures, "error", err)
		}
	}
}
