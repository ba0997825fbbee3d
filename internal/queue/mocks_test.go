package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"overseer/internal/config"
)

// --- fakeDeps ---

// fakeDeps is an in-memory DependencyStore.
type fakeDeps struct {
	mu       sync.Mutex
	statuses map[string]DependencyStatus
	active   string
}

func newFakeDeps() *fakeDeps {
	return &fakeDeps{statuses: make(map[string]DependencyStatus)}
}

func (f *fakeDeps) DependencyStatus(missionID string) DependencyStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[missionID]; ok {
		return s
	}
	return DepNotFound
}

func (f *fakeDeps) ActiveMission() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.active != ""
}

func (f *fakeDeps) set(missionID string, status DependencyStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[missionID] = status
}

func (f *fakeDeps) setActive(missionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = missionID
}

// --- fakeLauncher ---

// fakeLauncher records Begin/Execute calls and can be told to fail.
type fakeLauncher struct {
	mu       sync.Mutex
	begun    []QueueItem
	executed []string
	beginErr error
	execErr  error
	started  chan string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan string, 8)}
}

func (f *fakeLauncher) Begin(ctx context.Context, item QueueItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return "", f.beginErr
	}
	f.begun = append(f.begun, item)
	return fmt.Sprintf("m%04d", len(f.begun)), nil
}

func (f *fakeLauncher) Execute(ctx context.Context, missionID string) error {
	f.mu.Lock()
	f.executed = append(f.executed, missionID)
	err := f.execErr
	f.mu.Unlock()
	select {
	case f.started <- missionID:
	default:
	}
	return err
}

func (f *fakeLauncher) begunItems() []QueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueueItem(nil), f.begun...)
}

func (f *fakeLauncher) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// --- helpers ---

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	if err := cfg.EnsureHome(); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}
	return cfg
}

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func mustAdd(t *testing.T, store *Store, item QueueItem) QueueItem {
	t.Helper()
	added, err := store.Add(item)
	if err != nil {
		t.Fatalf("add %s: %v", item.MissionDescription, err)
	}
	return added
}
