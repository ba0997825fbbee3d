package executor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"overseer/internal/checkpoint"
	"overseer/internal/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(missionID string) Config {
	return Config{
		MissionID:            missionID,
		TotalTimeout:         5 * time.Second,
		MaxAgents:            2,
		MaxSubagentsPerAgent: 3,
		WorkerModel:          "sonnet",
		SubagentModel:        "haiku",
		PollInterval:         20 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, cfg Config, invoker llm.Invoker) (*Executor, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir(), cfg.MissionID)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(cfg, invoker, store), store
}

func TestRunAllAgentsComplete(t *testing.T) {
	invoker := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			// Each worker claims a file named after a path in its prompt.
			for _, unit := range []string{"u1", "u2", "u3"} {
				if strings.Contains(req.Prompt, "task for "+unit) {
					return respondJSON(fmt.Sprintf(`{"files_created": ["%s.go"], "summary": "did %s"}`, unit, unit)), nil
				}
			}
			return respondJSON(`{"summary": "unknown unit"}`), nil
		},
	}
	exec, store := newTestExecutor(t, testConfig("m-ok"), invoker)

	units := []WorkUnit{
		{ID: "u1", Description: "task for u1"},
		{ID: "u2", Description: "task for u2"},
		{ID: "u3", Description: "task for u3"},
	}

	var sawProgress atomic.Bool
	merged, err := exec.Run(context.Background(), units, func(done, total int) {
		if total == 3 {
			sawProgress.Store(true)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !merged.Success {
		t.Errorf("Success = false: %+v", merged.Conflicts)
	}
	if merged.CompletedCount != 3 {
		t.Errorf("CompletedCount = %d, want 3", merged.CompletedCount)
	}
	if len(merged.FilesCreated) != 3 {
		t.Errorf("FilesCreated = %v", merged.FilesCreated)
	}
	if !sawProgress.Load() {
		t.Error("progress callback never fired")
	}

	for _, id := range []string{"u1", "u2", "u3"} {
		rec, err := store.Get(id)
		if err != nil {
			t.Fatalf("checkpoint %s: %v", id, err)
		}
		if rec.Status != checkpoint.StatusCompleted {
			t.Errorf("checkpoint %s = %s", id, rec.Status)
		}
	}
}

func TestRunErrorEnvelopeBecomesFailure(t *testing.T) {
	invoker := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			if strings.Contains(req.Prompt, "bad unit") {
				return &llm.Response{Text: "ERROR: exit status 1\ncompile failed"}, nil
			}
			return respondJSON(`{"summary": "fine"}`), nil
		},
	}
	exec, store := newTestExecutor(t, testConfig("m-err"), invoker)

	merged, err := exec.Run(context.Background(), []WorkUnit{
		{ID: "good", Description: "good unit"},
		{ID: "bad", Description: "bad unit"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if merged.Success {
		t.Error("Success = true with a failed agent")
	}
	if merged.FailedCount != 1 || merged.CompletedCount != 1 {
		t.Errorf("counts = completed %d, failed %d", merged.CompletedCount, merged.FailedCount)
	}
	// Minority failure auto-resolves without review.
	if merged.RequiresHumanReview {
		t.Error("RequiresHumanReview = true, want auto-resolution")
	}
	rec, _ := store.Get("bad")
	if rec.Status != checkpoint.StatusFailed {
		t.Errorf("bad checkpoint = %s", rec.Status)
	}
}

func TestRunDeadlineForcesTimeout(t *testing.T) {
	invoker := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			<-ctx.Done() // hang until the run is torn down
			return nil, ctx.Err()
		},
	}
	cfg := testConfig("m-slow")
	cfg.TotalTimeout = 200 * time.Millisecond
	exec, store := newTestExecutor(t, cfg, invoker)

	merged, err := exec.Run(context.Background(), []WorkUnit{{ID: "hung", Description: "never returns"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if merged.Success {
		t.Error("Success = true after deadline")
	}
	if merged.TimeoutCount != 1 {
		t.Errorf("TimeoutCount = %d, want 1", merged.TimeoutCount)
	}
	rec, err := store.Get("hung")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if rec.Status != checkpoint.StatusTimeout {
		t.Errorf("checkpoint = %s, want TIMEOUT", rec.Status)
	}
}

func TestRunSpawnsSubAgents(t *testing.T) {
	var subCalls atomic.Int32
	invoker := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			if req.Model == "haiku" {
				n := subCalls.Add(1)
				return respondJSON(fmt.Sprintf(`{"files_created": ["sub%d.go"], "summary": "sub work %d"}`, n, n)), nil
			}
			return respondJSON(`{
				"summary": "delegating the halves",
				"subagents": [
					{"description": "first half"},
					{"description": "second half"}
				]
			}`), nil
		},
	}
	exec, store := newTestExecutor(t, testConfig("m-sub"), invoker)

	merged, err := exec.Run(context.Background(), []WorkUnit{{ID: "parent", Description: "splittable"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := subCalls.Load(); got != 2 {
		t.Errorf("sub-agent invocations = %d, want 2", got)
	}
	if !merged.Success {
		t.Errorf("Success = false: %+v", merged)
	}
	if len(merged.FilesCreated) != 2 {
		t.Errorf("FilesCreated = %v, want sub-agent files folded in", merged.FilesCreated)
	}
	if merged.Results[0].SubAgentCount != 2 {
		t.Errorf("SubAgentCount = %d", merged.Results[0].SubAgentCount)
	}

	sub, err := store.Sub("parent")
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	records, err := sub.List()
	if err != nil {
		t.Fatalf("sub List: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("sub-namespace records = %d, want 2", len(records))
	}
	for _, r := range records {
		if r.Status != checkpoint.StatusCompleted {
			t.Errorf("sub record %s = %s", r.AgentID, r.Status)
		}
	}
}

func TestRunCapsSubAgentRequests(t *testing.T) {
	var subCalls atomic.Int32
	invoker := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			if req.Model == "haiku" {
				subCalls.Add(1)
				return respondJSON(`{"summary": "sub"}`), nil
			}
			return respondJSON(`{
				"summary": "over-eager delegation",
				"subagents": [
					{"description": "one"}, {"description": "two"},
					{"description": "three"}, {"description": "four"}
				]
			}`), nil
		},
	}
	cfg := testConfig("m-cap")
	cfg.MaxSubagentsPerAgent = 2
	exec, _ := newTestExecutor(t, cfg, invoker)

	if _, err := exec.Run(context.Background(), []WorkUnit{{ID: "p", Description: "d"}}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := subCalls.Load(); got != 2 {
		t.Errorf("sub-agent invocations = %d, want capped at 2", got)
	}
}

func TestRunNoUnitsIsAnError(t *testing.T) {
	exec, _ := newTestExecutor(t, testConfig("m-empty"), &MockInvoker{})
	if _, err := exec.Run(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for empty unit list")
	}
}

func TestRunHardInvokerErrorBecomesFailed(t *testing.T) {
	invoker := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			return nil, fmt.Errorf("binary not found")
		},
	}
	exec, store := newTestExecutor(t, testConfig("m-hard"), invoker)

	merged, err := exec.Run(context.Background(), []WorkUnit{{ID: "u", Description: "d"}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if merged.FailedCount != 1 {
		t.Errorf("FailedCount = %d", merged.FailedCount)
	}
	rec, _ := store.Get("u")
	if rec.Status != checkpoint.StatusFailed {
		t.Errorf("checkpoint = %s", rec.Status)
	}
	if rec.Error == "" {
		t.Error("checkpoint error text missing")
	}
}
