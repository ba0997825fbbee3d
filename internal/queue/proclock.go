package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"

	"overseer/internal/config"
	"overseer/internal/logging"
)

// Lock sources the system itself uses.
const (
	SourceQueueWatcher = "queue_watcher"
	SourceEngine       = "engine"
	SourceCLI          = "cli"
	SourceDashboard    = "dashboard"
	SourceRecovery     = "recovery"
)

// Known lock sources. Unknown sources are permitted with a warning so
// an older binary can still advance a newer installation's queue.
var allowedLockSources = map[string]bool{
	SourceQueueWatcher: true,
	SourceEngine:       true,
	SourceCLI:          true,
	SourceDashboard:    true,
	SourceRecovery:     true,
}

const lockRetryDelay = 50 * time.Millisecond

// LockRecord is the JSON payload inside the processing lock file.
type LockRecord struct {
	LockedAt  time.Time `json:"locked_at"`
	LockedBy  string    `json:"locked_by"`
	MissionID string    `json:"mission_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	PID       int       `json:"pid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stale reports whether the record's holder can no longer be trusted:
// the record expired or the owning process is gone.
func (r *LockRecord) Stale(now time.Time) bool {
	if now.After(r.ExpiresAt) {
		return true
	}
	return !pidAlive(r.PID)
}

// ProcessLock is the cross-process mutex guarding queue advancement
// and the write of the next mission's initial state. One lock file,
// flocked while held, carrying a holder record for crash recovery.
type ProcessLock struct {
	path string
	ttl  time.Duration

	mu     sync.Mutex
	fl     *flock.Flock
	record *LockRecord
}

// NewProcessLock returns the lock at the configured path.
func NewProcessLock(cfg *config.Config) *ProcessLock {
	return &ProcessLock{
		path: cfg.ProcessingLockPath(),
		ttl:  cfg.Queue.GetLockTTL(),
	}
}

// Acquire takes the lock for source. Non-blocking by default: when the
// lock is busy it fails immediately. With blocking true it retries
// until timeout elapses.
func (l *ProcessLock) Acquire(source, missionID string, timeout time.Duration, blocking bool) error {
	if !allowedLockSources[source] {
		logging.QueueWarn("unknown lock source %q, permitting", source)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.record != nil {
		return fmt.Errorf("processing lock already held by this process (%s)", l.record.LockedBy)
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.tryOnce(source, missionID)
		if err != nil {
			return err
		}
		if ok {
			logging.Audit().LockEvent(logging.AuditLockAcquired, source, missionID, true)
			logging.QueueDebug("processing lock acquired by %s", source)
			return nil
		}
		if !blocking || !time.Now().Before(deadline) {
			logging.Audit().LockEvent(logging.AuditLockAcquired, source, missionID, false)
			return fmt.Errorf("processing lock busy")
		}
		time.Sleep(lockRetryDelay)
	}
}

// tryOnce attempts a single non-blocking acquisition.
func (l *ProcessLock) tryOnce(source, missionID string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return false, nil
	}

	// Holding the OS lock is not enough: a holder that closed its fd
	// and relies on its record is still valid until the record goes
	// stale.
	if rec, err := readLockRecord(l.path); err == nil && rec != nil &&
		rec.PID != os.Getpid() && !rec.Stale(time.Now()) {
		fl.Unlock()
		return false, nil
	}

	now := time.Now().UTC()
	host, _ := os.Hostname()
	rec := &LockRecord{
		LockedAt:  now,
		LockedBy:  fmt.Sprintf("%s@%s", source, host),
		MissionID: missionID,
		Operation: source,
		PID:       os.Getpid(),
		ExpiresAt: now.Add(l.ttl),
	}
	if err := writeLockRecord(l.path, rec); err != nil {
		fl.Unlock()
		return false, err
	}

	l.fl = fl
	l.record = rec
	return true, nil
}

// Release drops the lock. Only the recorded owner removes the file, so
// a holder whose record was force-broken and re-taken cannot destroy
// the new owner's claim.
func (l *ProcessLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.record == nil {
		return nil
	}

	source := l.record.Operation
	missionID := l.record.MissionID
	fl := l.fl
	l.fl = nil
	l.record = nil

	if rec, err := readLockRecord(l.path); err == nil && rec != nil && rec.PID != os.Getpid() {
		if fl != nil {
			fl.Unlock()
		}
		return fmt.Errorf("lock record now owned by pid %d, leaving it in place", rec.PID)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logging.QueueWarn("lock file removal failed: %v", err)
	}
	if fl != nil {
		fl.Unlock()
	}
	logging.Audit().LockEvent(logging.AuditLockReleased, source, missionID, true)
	logging.QueueDebug("processing lock released by %s", source)
	return nil
}

// Held reports whether this process currently holds the lock.
func (l *ProcessLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record != nil
}

// Holder returns the current on-disk record, nil when unlocked.
func (l *ProcessLock) Holder() (*LockRecord, error) {
	rec, err := readLockRecord(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ForceReleaseStale removes the lock file iff its record is expired,
// its owner is dead, or the record is unreadable. Returns whether a
// break happened.
func (l *ProcessLock) ForceReleaseStale() (bool, error) {
	rec, err := readLockRecord(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// A record that cannot be parsed has no valid holder.
		logging.QueueWarn("corrupt lock record, breaking: %v", err)
	} else if rec != nil && !rec.Stale(time.Now()) {
		return false, nil
	}

	if err := os.Remove(l.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove stale lock: %w", err)
	}

	holder := "unknown"
	if rec != nil {
		holder = fmt.Sprintf("%s pid=%d", rec.LockedBy, rec.PID)
	}
	logging.QueueWarn("stale processing lock broken (holder %s)", holder)
	logging.Audit().LockEvent(logging.AuditLockStaleBreak, holder, "", true)
	return true, nil
}

func readLockRecord(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	return &rec, nil
}

// writeLockRecord publishes the record and fsyncs before the caller
// relies on it.
func writeLockRecord(path string, rec *LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync lock record: %w", err)
	}
	return f.Close()
}

// pidAlive checks process liveness. Unknown is treated as alive so a
// probe failure never breaks a live holder's lock.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return alive
}
