package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"overseer/internal/config"
	"overseer/internal/logging"
)

// Runner drives the periodic snapshot schedule and the stale-backup
// monitor while a mission is active.
type Runner struct {
	manager  *Manager
	cfg      config.SnapshotConfig
	activeFn func() bool

	tickInterval time.Duration

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	lastStaleAlert time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRunner builds the background runner. activeFn reports whether a
// mission is currently live; nothing fires while it returns false.
func NewRunner(manager *Manager, cfg config.SnapshotConfig, activeFn func() bool) *Runner {
	return &Runner{
		manager:      manager,
		cfg:          cfg,
		activeFn:     activeFn,
		tickInterval: time.Minute,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the loop. It returns immediately; the schedule is
// evaluated once per tick.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := scheduleDue(r.cfg.Schedule, time.Now(), time.Now()); err != nil {
		return fmt.Errorf("snapshot schedule %q: %w", r.cfg.Schedule, err)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("snapshot runner already started")
	}
	r.running = true
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	go r.run(ctx)
	logging.Snapshot("snapshot runner started (schedule %q)", r.cfg.Schedule)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
	logging.Snapshot("snapshot runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(time.Now().UTC())
		}
	}
}

// tick runs one schedule evaluation plus the stale check.
func (r *Runner) tick(now time.Time) {
	if !r.activeFn() {
		return
	}

	anchor := r.manager.LastSnapshotTime()
	if anchor.IsZero() {
		r.mu.Lock()
		anchor = r.startedAt
		r.mu.Unlock()
	}

	due, err := scheduleDue(r.cfg.Schedule, anchor, now)
	if err != nil {
		logging.SnapshotWarn("schedule evaluation: %v", err)
		return
	}
	if due {
		if _, err := r.manager.Create("scheduled"); err != nil {
			logging.SnapshotError("scheduled snapshot: %v", err)
		}
	}

	r.staleCheck(now)
}

// staleCheck warns when an active mission has gone too long without a
// snapshot, at most once per cooldown window.
func (r *Runner) staleCheck(now time.Time) {
	last := r.manager.LastSnapshotTime()
	if last.IsZero() {
		r.mu.Lock()
		last = r.startedAt
		r.mu.Unlock()
	}

	age := now.Sub(last)
	if age <= r.cfg.GetStaleAfter() {
		return
	}

	r.mu.Lock()
	cooled := now.Sub(r.lastStaleAlert) >= r.cfg.GetStaleAlertCooldown()
	if cooled {
		r.lastStaleAlert = now
	}
	r.mu.Unlock()
	if !cooled {
		return
	}

	logging.SnapshotWarn("no mission snapshot for %s (threshold %s)", age.Round(time.Minute), r.cfg.GetStaleAfter())
	logging.Audit().SnapshotEvent(logging.AuditSnapshotStale, "", "", false)
}

// scheduleDue reports whether the schedule has fired since anchor.
// Plain durations ("30m") and standard cron expressions both work.
func scheduleDue(schedule string, anchor, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	return !spec.Next(anchor).After(now), nil
}
