// Package watchdog escalates runs stalled in REVIEW: after a delay the run is
// handed back to the orchestrator for an automatic retry decision.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultDelay = 2 * time.Hour

// Pending is a persisted auto-decision deadline.
type Pending struct {
	RunID  string
	At     time.Time
	Reason string
}

// Store persists deadlines so they survive restarts and are visible to other
// instances.
type Store interface {
	SetDeadline(ctx context.Context, runID string, at time.Time, reason string) error
	ClearDeadline(ctx context.Context, runID string) error
	// Pending lists deadlines at or before dueBy; a zero dueBy lists all.
	Pending(ctx context.Context, dueBy time.Time) ([]Pending, error)
}

// Decider applies the automatic decision for a run whose deadline expired.
type Decider interface {
	AutoDecide(ctx context.Context, runID, reason string) error
}

type Options struct {
	Delay  time.Duration
	Logger *zap.Logger
	Now    func() time.Time
	// OnFire is called after each auto-decision attempt.
	OnFire func(runID string, err error)
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Watchdog keeps at most one pending timer per run.
type Watchdog struct {
	mu      sync.Mutex
	timers  map[string]timerEntry
	gen     uint64
	store   Store
	decider Decider
	opts    Options
}

func New(store Store, decider Decider, opts Options) *Watchdog {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watchdog{
		timers:  make(map[string]timerEntry),
		store:   store,
		decider: decider,
		opts:    opts,
	}
}

func (w *Watchdog) Delay() time.Duration { return w.opts.Delay }

// Schedule replaces any pending decision for runID with a new one due after
// the configured delay.
func (w *Watchdog) Schedule(ctx context.Context, runID, reason string) (time.Time, error) {
	at := w.opts.Now().UTC().Add(w.opts.Delay)
	if err := w.store.SetDeadline(ctx, runID, at, reason); err != nil {
		return time.Time{}, fmt.Errorf("persist auto-decision: %w", err)
	}
	w.arm(runID, reason, w.opts.Delay)
	w.opts.Logger.Info("auto-decision scheduled",
		zap.String("run_id", runID), zap.Time("at", at), zap.String("reason", reason))
	return at, nil
}

// Cancel drops the pending decision of runID, if any.
func (w *Watchdog) Cancel(ctx context.Context, runID string) error {
	w.Disarm(runID)
	return w.store.ClearDeadline(ctx, runID)
}

// Disarm stops the in-memory timer only; the caller owns the persisted state.
func (w *Watchdog) Disarm(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.timers[runID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(w.timers, runID)
	return true
}

// Armed reports whether an in-memory timer is pending for runID.
func (w *Watchdog) Armed(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[runID]
	return ok
}

func (w *Watchdog) arm(runID, reason string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.timers[runID]; ok {
		prev.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timers[runID] = timerEntry{
		gen:   gen,
		timer: time.AfterFunc(d, func() { w.fire(runID, reason, gen) }),
	}
}

func (w *Watchdog) fire(runID, reason string, gen uint64) {
	w.mu.Lock()
	entry, ok := w.timers[runID]
	if !ok || entry.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.timers, runID)
	w.mu.Unlock()
	w.decide(context.Background(), runID, reason)
}

func (w *Watchdog) decide(ctx context.Context, runID, reason string) {
	err := w.decider.AutoDecide(ctx, runID, reason)
	if err != nil {
		w.opts.Logger.Error("auto-decision failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		w.opts.Logger.Info("auto-decision applied", zap.String("run_id", runID), zap.String("reason", reason))
	}
	if w.opts.OnFire != nil {
		w.opts.OnFire(runID, err)
	}
}

// Sweep applies every persisted decision that is due, including those whose
// timers were lost to a restart or armed by another instance.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	due, err := w.store.Pending(ctx, w.opts.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, p := range due {
		w.Disarm(p.RunID)
		w.decide(ctx, p.RunID, p.Reason)
	}
	return len(due), nil
}

// Recover re-arms timers for persisted deadlines and applies overdue ones.
func (w *Watchdog) Recover(ctx context.Context) error {
	pending, err := w.store.Pending(ctx, time.Time{})
	if err != nil {
		return err
	}
	now := w.opts.Now().UTC()
	for _, p := range pending {
		if !p.At.After(now) {
			w.decide(ctx, p.RunID, p.Reason)
			continue
		}
		w.arm(p.RunID, p.Reason, p.At.Sub(now))
	}
	return nil
}

// Stop disarms every timer without touching persisted deadlines.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, entry := range w.timers {
		entry.timer.Stop()
		delete(w.timers, id)
	}
}

// Run recovers persisted deadlines, sweeps on a cron schedule every interval
// and blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if err := w.Recover(ctx); err != nil {
		return fmt.Errorf("recover auto-decisions: %w", err)
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		n, err := w.Sweep(ctx)
		if err != nil {
			w.opts.Logger.Error("auto-decision sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			w.opts.Logger.Info("auto-decision sweep", zap.Int("applied", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.Stop()
	return nil
}
