package checkpoint

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "mission-abc")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Create("agent-1", StatusPending)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", rec.Status)
	}
	if rec.MissionID != "mission-abc" {
		t.Errorf("mission id = %s", rec.MissionID)
	}

	got, err := s.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "agent-1" || got.Status != StatusPending {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestGetMissingReturnsNotExist(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestTerminalStatusNeverChanges(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("agent-1", StatusPending); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.MarkCompleted("agent-1", map[string]interface{}{"summary": "done"}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	// Late failure and timeout reports must not disturb the terminal record.
	if err := s.MarkFailed("agent-1", "too late"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := s.MarkTimeout("agent-1"); err != nil {
		t.Fatalf("MarkTimeout: %v", err)
	}

	got, err := s.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.Error != "" {
		t.Errorf("error leaked onto terminal record: %q", got.Error)
	}
	if got.Result["summary"] != "done" {
		t.Errorf("result lost: %+v", got.Result)
	}
}

func TestProgressClamped(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("agent-1", StatusInProgress); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetProgress("agent-1", 1.7); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	got, _ := s.Get("agent-1")
	if got.Progress != 1 {
		t.Errorf("progress = %f, want 1", got.Progress)
	}
}

func TestListSkipsSubNamespaces(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("worker-1", StatusPending); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("worker-2", StatusPending); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := s.Sub("worker-1")
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if _, err := sub.Create("sub-1", StatusPending); err != nil {
		t.Fatalf("sub Create: %v", err)
	}

	records, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("parent List returned %d records, want 2", len(records))
	}

	subRecords, err := sub.List()
	if err != nil {
		t.Fatalf("sub List: %v", err)
	}
	if len(subRecords) != 1 || subRecords[0].AgentID != "sub-1" {
		t.Errorf("sub namespace records: %+v", subRecords)
	}
}

func TestWaitForAllSuccess(t *testing.T) {
	s := newTestStore(t)
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if _, err := s.Create(id, StatusPending); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(id string, delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			_ = s.MarkInProgress(id)
			_ = s.MarkCompleted(id, map[string]interface{}{"summary": id})
		}(id, time.Duration(i*20)*time.Millisecond)
	}

	var lastDone int
	ok := s.WaitForAll(context.Background(), ids, 5*time.Second, 10*time.Millisecond, func(done, total int) {
		lastDone = done
		if total != 3 {
			t.Errorf("total = %d, want 3", total)
		}
	})
	wg.Wait()

	if !ok {
		t.Fatal("WaitForAll = false, want true")
	}
	if lastDone != 3 {
		t.Errorf("final progress done = %d, want 3", lastDone)
	}
}

func TestWaitForAllFailureIsNotSuccess(t *testing.T) {
	s := newTestStore(t)
	ids := []string{"a", "b"}
	for _, id := range ids {
		if _, err := s.Create(id, StatusPending); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	_ = s.MarkCompleted("a", nil)
	_ = s.MarkFailed("b", "boom")

	ok := s.WaitForAll(context.Background(), ids, time.Second, 10*time.Millisecond, nil)
	if ok {
		t.Fatal("WaitForAll = true with a failed agent")
	}
	rec, _ := s.Get("b")
	if rec.Status != StatusFailed {
		t.Errorf("failed agent rewritten to %s", rec.Status)
	}
}

func TestWaitForAllForcesTimeout(t *testing.T) {
	s := newTestStore(t)
	ids := []string{"slow-1", "slow-2"}
	for _, id := range ids {
		if _, err := s.Create(id, StatusInProgress); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	start := time.Now()
	ok := s.WaitForAll(context.Background(), ids, 80*time.Millisecond, 20*time.Millisecond, nil)
	if ok {
		t.Fatal("WaitForAll = true, want false on timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline not respected, took %v", elapsed)
	}

	for _, id := range ids {
		rec, err := s.Get(id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if rec.Status != StatusTimeout {
			t.Errorf("%s status = %s, want TIMEOUT", id, rec.Status)
		}
	}
}

func TestWaitForAllSynthesizesMissingRecord(t *testing.T) {
	s := newTestStore(t)
	// "ghost" is waited on but its agent never publishes a record.
	ids := []string{"ghost"}

	ok := s.WaitForAll(context.Background(), ids, 50*time.Millisecond, 10*time.Millisecond, nil)
	if ok {
		t.Fatal("WaitForAll = true for missing agent")
	}
	rec, err := s.Get("ghost")
	if err != nil {
		t.Fatalf("expected synthesized record: %v", err)
	}
	if rec.Status != StatusTimeout {
		t.Errorf("status = %s, want TIMEOUT", rec.Status)
	}
}

func TestWaitForAllCanceledContext(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("a", StatusInProgress); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	ok := s.WaitForAll(ctx, []string{"a"}, 10*time.Second, 10*time.Millisecond, nil)
	if ok {
		t.Fatal("WaitForAll = true after cancellation")
	}
	rec, _ := s.Get("a")
	if rec.Status != StatusTimeout {
		t.Errorf("status = %s, want TIMEOUT after cancel", rec.Status)
	}
}

func TestConcurrentUpdatesKeepValidJSON(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("agent-1", StatusInProgress); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.SetProgress("agent-1", float64(n)/10)
		}(i)
	}
	// Readers poll while writers publish; every read must be a full record.
	for i := 0; i < 20; i++ {
		rec, err := s.Get("agent-1")
		if err != nil {
			t.Fatalf("Get during churn: %v", err)
		}
		if rec.AgentID != "agent-1" {
			t.Fatalf("partial read: %+v", rec)
		}
	}
	wg.Wait()
}
