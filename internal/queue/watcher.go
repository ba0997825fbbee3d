package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"overseer/internal/config"
	"overseer/internal/logging"
)

// MissionLauncher starts and runs missions popped from the queue.
// Begin writes the next mission's initial state and must stay cheap:
// it runs while the processing lock is held. Execute walks the mission
// to completion after the lock is released.
type MissionLauncher interface {
	Begin(ctx context.Context, item QueueItem) (string, error)
	Execute(ctx context.Context, missionID string) error
}

// Watcher is the queue advancement loop. It polls for an idle engine,
// takes the processing lock, pops the next ready item, and runs it.
type Watcher struct {
	sched    *Scheduler
	lock     *ProcessLock
	launcher MissionLauncher
	interval time.Duration

	mu          sync.Mutex
	isRunning   bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastError   error
	lastBlocked map[string]DependencyStatus
}

// NewWatcher wires the advancement loop. The poll interval comes from
// queue configuration.
func NewWatcher(cfg *config.Config, sched *Scheduler, lock *ProcessLock, launcher MissionLauncher) *Watcher {
	return &Watcher{
		sched:       sched,
		lock:        lock,
		launcher:    launcher,
		interval:    cfg.Queue.GetWatcherPollInterval(),
		lastBlocked: make(map[string]DependencyStatus),
	}
}

// Start launches the loop. A second Start while running is an error.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return fmt.Errorf("queue watcher already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.isRunning = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning reports whether the loop is live.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

// LastError returns the most recent advancement failure.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.isRunning = false
		close(w.done)
		w.mu.Unlock()
	}()

	logging.Queue("advancement watcher started (poll %v)", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Queue("advancement watcher stopped")
			return
		case <-ticker.C:
			if _, err := w.Advance(ctx); err != nil {
				w.mu.Lock()
				w.lastError = err
				w.mu.Unlock()
				logging.QueueWarn("advance failed: %v", err)
			}
		}
	}
}

// Advance pops and runs the next ready item, returning whether a
// mission started. The processing lock guards the pop and the initial
// mission state write; the mission itself runs after release so a
// long stage never wedges other processes.
func (w *Watcher) Advance(ctx context.Context) (bool, error) {
	st, err := w.sched.store.Load()
	if err != nil {
		logging.QueueWarn("queue state unreadable, skipping tick: %v", err)
		return false, nil
	}
	if !st.Enabled || st.Paused || len(st.Queue) == 0 {
		return false, nil
	}
	if id, active := w.sched.deps.ActiveMission(); active {
		logging.QueueDebug("mission %s in flight, holding queue", id)
		return false, nil
	}

	if _, err := w.lock.ForceReleaseStale(); err != nil {
		logging.QueueWarn("stale lock check failed: %v", err)
	}
	if err := w.lock.Acquire(SourceQueueWatcher, "", 0, false); err != nil {
		logging.QueueDebug("processing lock busy, skipping tick: %v", err)
		return false, nil
	}
	locked := true
	defer func() {
		if locked {
			w.lock.Release()
		}
	}()

	// Re-evaluate under the lock; another process may have advanced or
	// paused the queue since the pre-check.
	var popped *QueueItem
	var blocked []Blocked
	_, err = w.sched.store.Mutate(func(st *State) error {
		if !st.Enabled || st.Paused {
			return nil
		}
		next, blockedNow := GetNextReady(st, w.sched.now(), w.sched.deps)
		blocked = blockedNow
		if next == nil {
			return nil
		}
		if i := st.find(next.ID); i >= 0 {
			st.Queue = append(st.Queue[:i], st.Queue[i+1:]...)
		}
		now := w.sched.now().UTC()
		st.LastProcessedAt = &now
		popped = next
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue pop: %w", err)
	}

	w.surfaceBlocked(st, blocked)
	if popped == nil {
		return false, nil
	}

	missionID, err := w.launcher.Begin(ctx, *popped)
	if err != nil {
		w.requeue(*popped)
		return false, fmt.Errorf("start mission for queue item %s: %w", popped.ID, err)
	}
	logging.Queue("queue advanced: %s -> mission %s", popped.ID, missionID)
	logging.AuditWithMission(missionID).QueueAdvance(popped.ID, missionID)

	w.lock.Release()
	locked = false

	if err := w.launcher.Execute(ctx, missionID); err != nil {
		return true, fmt.Errorf("mission %s: %w", missionID, err)
	}
	if st.Notifications.OnComplete {
		logging.Queue("mission %s finished (queued as %s)", missionID, popped.ID)
	}
	return true, nil
}

// requeue returns an item whose mission failed to start. The sort puts
// it back in its priority slot.
func (w *Watcher) requeue(item QueueItem) {
	_, err := w.sched.store.Mutate(func(st *State) error {
		if st.find(item.ID) >= 0 {
			return nil
		}
		st.Queue = append(st.Queue, item)
		SortItems(st.Queue, w.sched.now())
		return nil
	})
	if err != nil {
		logging.QueueError("requeue of %s failed: %v", item.ID, err)
	}
}

// surfaceBlocked reports terminally blocked items once per status
// change rather than on every poll.
func (w *Watcher) surfaceBlocked(st *State, blocked []Blocked) {
	current := make(map[string]DependencyStatus, len(blocked))
	for _, b := range blocked {
		current[b.Item.ID] = b.Status
		w.mu.Lock()
		prev, seen := w.lastBlocked[b.Item.ID]
		w.mu.Unlock()
		if seen && prev == b.Status {
			continue
		}
		logging.Audit().QueueBlocked(b.Item.ID, b.Item.DependsOn, string(b.Status))
		if st.Notifications.OnBlocked {
			logging.QueueWarn("queue item %s blocked: %s", b.Item.ID, b.Reason)
		}
	}
	w.mu.Lock()
	w.lastBlocked = current
	w.mu.Unlock()
}
