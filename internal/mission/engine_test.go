package mission

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"overseer/internal/config"
	"overseer/internal/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, invoker llm.Invoker) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Home = t.TempDir()
	cfg.Executor.MaxAgents = 2
	cfg.Executor.TotalTimeout = "5s"
	cfg.Executor.PollInterval = "10ms"
	cfg.LLM.Timeout = "2s"
	if err := cfg.EnsureHome(); err != nil {
		t.Fatalf("ensure home: %v", err)
	}
	return NewEngine(cfg, invoker, nil)
}

// happyRoutes scripts a clean single-cycle mission that the analysis
// declares complete.
func happyRoutes() map[string]string {
	return map[string]string{
		"- PLANNING (":    "1. Write the parser\n2. Write the printer",
		"stage BUILDING.": completedJSON("built the slice"),
		"stage TESTING.":  completedJSON("all criteria passed"),
		"- ANALYZING (":   "The goal is achieved.\n\nVERDICT: COMPLETE",
		"- CYCLE_END (":   "## Summary\nSolid cycle.\n## Achievements\n- parser\n## Issues\n",
	}
}

func TestStartMissionCreatesRecordAndWorkspace(t *testing.T) {
	e := newTestEngine(t, &MockInvoker{})

	m, err := e.StartMission("Build a tiny calculator", 2)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if m.CurrentStage != StagePlanning || m.CycleBudget != 2 {
		t.Errorf("unexpected mission: stage=%s budget=%d", m.CurrentStage, m.CycleBudget)
	}
	for _, dir := range []string{"artifacts", "artifacts/cycle_reports", "research", "reports/analysis", "prompts"} {
		if _, err := os.Stat(filepath.Join(m.MissionWorkspace, dir)); err != nil {
			t.Errorf("workspace dir %s missing: %v", dir, err)
		}
	}

	// The record must be reloadable from the state file.
	loaded, err := e.LoadMission()
	if err != nil {
		t.Fatalf("LoadMission: %v", err)
	}
	if loaded.MissionID != m.MissionID || loaded.OriginalMission != "Build a tiny calculator" {
		t.Errorf("state round trip mismatch: %+v", loaded)
	}
}

func TestStartMissionGuards(t *testing.T) {
	e := newTestEngine(t, &MockInvoker{})

	if _, err := e.StartMission("   ", 1); err == nil {
		t.Error("blank problem statement must be rejected")
	}

	m, err := e.StartMission("first mission", 0)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if m.CycleBudget != e.cfg.Mission.DefaultCycleBudget {
		t.Errorf("zero budget should take the default, got %d", m.CycleBudget)
	}

	if _, err := e.StartMission("second mission", 1); err == nil {
		t.Error("a live mission must block a new one")
	}
}

func TestStartMissionClampsBudget(t *testing.T) {
	e := newTestEngine(t, &MockInvoker{})
	m, err := e.StartMission("x", 99)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if m.CycleBudget != e.cfg.Mission.MaxCycleBudget {
		t.Errorf("budget should clamp to %d, got %d", e.cfg.Mission.MaxCycleBudget, m.CycleBudget)
	}
}

func TestFullMissionCompleteVerdict(t *testing.T) {
	inv := scriptedInvoker(happyRoutes())
	e := newTestEngine(t, inv)
	handler := &recordingHandler{name: "observer", priority: 1}
	e.Registry().Register(handler)

	m, err := e.StartMission("Build a tiny calculator", 3)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := e.Mission()
	if !final.Completed() {
		t.Fatalf("mission should be COMPLETE, is %s", final.CurrentStage)
	}
	if final.CurrentCycle != 1 || len(final.Cycles) != 1 {
		t.Errorf("COMPLETE verdict should stop after cycle 1: cycle=%d summaries=%d",
			final.CurrentCycle, len(final.Cycles))
	}
	if final.HaltReason != "" {
		t.Errorf("clean completion must not set a halt reason: %q", final.HaltReason)
	}
	if final.FinalSummary == "" {
		t.Error("final summary missing")
	}

	// Every stage artifact lands where its write guard allows.
	for _, rel := range []string{
		"artifacts/implementation_plan.md",
		"reports/building_cycle1_iter0.md",
		"reports/testing_cycle1_iter0.md",
		"reports/analysis/cycle_1.md",
		"artifacts/cycle_reports/cycle_1.md",
		"prompts/continuation_cycle_1.md",
		"artifacts/mission_report.json",
	} {
		if _, err := os.Stat(filepath.Join(m.MissionWorkspace, rel)); err != nil {
			t.Errorf("missing artifact %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(e.cfg.MissionLogsDir(), m.MissionID+"_report.json")); err != nil {
		t.Errorf("mission log copy missing: %v", err)
	}

	events := handler.Events()
	var starts, ends, completed int
	for _, ev := range events {
		switch {
		case strings.HasPrefix(ev, "started:"):
			starts++
		case strings.HasPrefix(ev, "ended:"):
			ends++
		case strings.HasPrefix(ev, "completed:"):
			completed++
		}
	}
	if starts != 5 || ends != 5 {
		t.Errorf("expected 5 stage started/ended events, got %d/%d: %v", starts, ends, events)
	}
	if completed != 1 {
		t.Errorf("expected exactly one mission-completed event, got %d", completed)
	}
}

func TestCycleBudgetExhaustionLoopsThenCompletes(t *testing.T) {
	routes := happyRoutes()
	routes["- ANALYZING ("] = "More to do.\n\nVERDICT: CONTINUE"
	e := newTestEngine(t, scriptedInvoker(routes))

	if _, err := e.StartMission("Build a tiny calculator", 2); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := e.Mission()
	if !final.Completed() {
		t.Fatalf("mission should complete when the budget runs out, is %s", final.CurrentStage)
	}
	if final.CurrentCycle != 2 || len(final.Cycles) != 2 {
		t.Errorf("budget 2 should run exactly 2 cycles: cycle=%d summaries=%d",
			final.CurrentCycle, len(final.Cycles))
	}

	var sawExhaustion bool
	for _, h := range final.History {
		if strings.Contains(h.Details, "budget of 2 exhausted") {
			sawExhaustion = true
		}
	}
	if !sawExhaustion {
		t.Error("history should record the budget exhaustion")
	}
}

func TestTestingFailureLoopsToBuilding(t *testing.T) {
	routes := happyRoutes()
	routes["stage TESTING."] = "ERROR: two criteria failed"
	inv := scriptedInvoker(routes)
	e := newTestEngine(t, inv)

	if _, err := e.StartMission("Build a tiny calculator", 1); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	for _, want := range []Stage{StageBuilding, StageTesting, StageBuilding} {
		if err := e.Advance(context.Background()); err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if got := e.Mission().CurrentStage; got != want {
			t.Fatalf("expected stage %s, got %s", want, got)
		}
	}
	if it := e.Mission().Iteration; it != 1 {
		t.Errorf("failed verification should bump the iteration, got %d", it)
	}

	// The rebuild prompt carries the failure context.
	if err := e.Advance(context.Background()); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	var sawFailureContext bool
	for _, call := range inv.Calls() {
		if strings.Contains(call.Prompt, "stage BUILDING.") &&
			strings.Contains(call.Prompt, "PREVIOUS FAILURE CONTEXT") {
			sawFailureContext = true
		}
	}
	if !sawFailureContext {
		t.Error("rebuild workers should see the previous failure context")
	}
}

func TestBuildingTotalFailureEscapesToAnalyzing(t *testing.T) {
	routes := happyRoutes()
	routes["stage BUILDING."] = "ERROR: cannot comply"
	e := newTestEngine(t, scriptedInvoker(routes))

	if _, err := e.StartMission("Build a tiny calculator", 1); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := e.Advance(context.Background()); err != nil {
			t.Fatalf("Advance %d: %v", i, err)
		}
	}
	if got := e.Mission().CurrentStage; got != StageAnalyzing {
		t.Fatalf("total build failure should escape to ANALYZING, got %s", got)
	}
	e.mu.RLock()
	fc := e.failureContext
	e.mu.RUnlock()
	if !strings.Contains(fc, "agents completed") {
		t.Errorf("failure context should summarize agent outcomes: %q", fc)
	}
}

func TestAnalyzingRegressionReturnsToBuilding(t *testing.T) {
	routes := happyRoutes()
	routes["- ANALYZING ("] = "The printer broke the parser.\n\nVERDICT: REGRESSION - printer clobbered parser output"
	e := newTestEngine(t, scriptedInvoker(routes))

	if _, err := e.StartMission("Build a tiny calculator", 2); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	for _, want := range []Stage{StageBuilding, StageTesting, StageAnalyzing, StageBuilding} {
		if err := e.Advance(context.Background()); err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if got := e.Mission().CurrentStage; got != want {
			t.Fatalf("expected stage %s, got %s", want, got)
		}
	}
	final := e.Mission()
	if final.CurrentCycle != 1 {
		t.Errorf("regression stays in the same cycle, got cycle %d", final.CurrentCycle)
	}
	if final.Iteration != 1 {
		t.Errorf("regression should bump the iteration, got %d", final.Iteration)
	}
}

func TestHaltVerdictSetsHaltReason(t *testing.T) {
	routes := happyRoutes()
	routes["- ANALYZING ("] = "This has wandered off.\n\nVERDICT: HALT - mission drifted beyond scope"
	e := newTestEngine(t, scriptedInvoker(routes))

	if _, err := e.StartMission("Build a tiny calculator", 3); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := e.Mission()
	if !final.Completed() {
		t.Fatalf("halted mission should be COMPLETE, is %s", final.CurrentStage)
	}
	if !strings.Contains(final.HaltReason, "drifted beyond scope") {
		t.Errorf("halt reason lost: %q", final.HaltReason)
	}
	if len(final.Cycles) != 1 {
		t.Errorf("halt must not start another cycle, got %d summaries", len(final.Cycles))
	}
	if !strings.Contains(final.FinalSummary, "halted") {
		t.Errorf("final summary should mention the halt: %q", final.FinalSummary)
	}
}

func TestInterruptedStageKeepsRecoveryCheckpoint(t *testing.T) {
	inv := &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			return nil, errors.New("provider unreachable")
		},
	}
	e := newTestEngine(t, inv)

	m, err := e.StartMission("Build a tiny calculator", 1)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}

	err = e.Advance(context.Background())
	if err == nil {
		t.Fatal("Advance should surface the provider failure")
	}
	if !strings.Contains(err.Error(), "stage PLANNING") {
		t.Errorf("error should name the stage: %v", err)
	}
	if e.LastError() == nil {
		t.Error("LastError should be set after an interrupt")
	}
	if got := e.Mission().CurrentStage; got != StagePlanning {
		t.Errorf("an interrupted stage must not advance, got %s", got)
	}

	cp, loadErr := e.recovery.Load(m.MissionID, StagePlanning)
	if loadErr != nil {
		t.Fatalf("recovery checkpoint should survive: %v", loadErr)
	}
	if cp.Progress != "stage interrupted" || cp.RecoveryHint == "" {
		t.Errorf("checkpoint should carry the interrupt: %+v", cp)
	}

	// A restart detects the checkpoint and replans with recovery context.
	recovered, err := e.PrepareRecovery()
	if err != nil {
		t.Fatalf("PrepareRecovery: %v", err)
	}
	if !strings.Contains(recovered, "RECOVERY CONTEXT") {
		t.Errorf("recovery context missing: %q", recovered)
	}

	inv.mu.Lock()
	inv.InvokeFunc = scriptedInvoker(happyRoutes()).InvokeFunc
	inv.mu.Unlock()
	if err := e.Advance(context.Background()); err != nil {
		t.Fatalf("retry Advance: %v", err)
	}

	var sawRecovery bool
	for _, call := range inv.Calls() {
		if strings.Contains(call.Prompt, "- PLANNING (") && strings.Contains(call.Prompt, "## RECOVERY CONTEXT") {
			sawRecovery = true
		}
	}
	if !sawRecovery {
		t.Error("the replanning prompt should carry the recovery context")
	}
	if _, err := e.recovery.Load(m.MissionID, StagePlanning); !os.IsNotExist(err) {
		t.Errorf("checkpoint should be cleared after the clean retry, got %v", err)
	}
}

func TestPlanBackupBeforeBuilding(t *testing.T) {
	routes := happyRoutes()
	routes["- PLANNING ("] = "1. Rewrite src/main.go from scratch\n2. Add src/util.go beside it"
	e := newTestEngine(t, scriptedInvoker(routes))

	m, err := e.StartMission("Build a tiny calculator", 1)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}

	// A file named by the plan exists before BUILDING touches it.
	pre := filepath.Join(m.MissionWorkspace, "src", "main.go")
	if err := os.MkdirAll(filepath.Dir(pre), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pre, []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.Advance(context.Background()); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	backup := filepath.Join(e.cfg.CheckpointsDir(), m.MissionID, string(StageBuilding), "file_backups", "src", "main.go")
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("plan backup missing: %v", err)
	}
	if string(data) != "package main" {
		t.Errorf("backup content mismatch: %q", data)
	}
}

func TestAdvanceOnCompleteMissionIsNoop(t *testing.T) {
	e := newTestEngine(t, scriptedInvoker(happyRoutes()))
	if _, err := e.StartMission("Build a tiny calculator", 1); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	before := len(e.Mission().History)
	if err := e.Advance(context.Background()); err != nil {
		t.Fatalf("Advance on COMPLETE: %v", err)
	}
	if after := len(e.Mission().History); after != before {
		t.Errorf("COMPLETE mission must not mutate: history %d -> %d", before, after)
	}
}

func TestAbortMarksMissionAborted(t *testing.T) {
	e := newTestEngine(t, &MockInvoker{})
	handler := &recordingHandler{name: "observer", priority: 1}
	e.Registry().Register(handler)

	m, err := e.StartMission("Build a tiny calculator", 2)
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if err := e.Abort(context.Background(), "operator changed direction"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if !m.Completed() || m.HaltReason != "operator changed direction" {
		t.Errorf("abort state wrong: stage=%s halt=%q", m.CurrentStage, m.HaltReason)
	}

	// The queue resolves dependencies from the mission-logs copy, so an
	// aborted dependency must read ABORTED there and not satisfy anyone.
	logPath := filepath.Join(e.cfg.MissionLogsDir(), m.MissionID+"_report.json")
	report := readReport(t, logPath)
	if report.FinalStatus != StatusAborted {
		t.Errorf("log report status = %q, want %q", report.FinalStatus, StatusAborted)
	}
	if report.Satisfied() {
		t.Error("aborted report must not satisfy dependents")
	}
	workspace := readReport(t, ReportPath(m.MissionWorkspace))
	if workspace.FinalStatus != StatusAborted {
		t.Errorf("workspace report status = %q, want %q", workspace.FinalStatus, StatusAborted)
	}

	events := handler.Events()
	if len(events) == 0 || events[len(events)-1] != "completed:"+m.MissionID {
		t.Errorf("abort must fire the completion callbacks, got %v", events)
	}
}

func TestAbortGuards(t *testing.T) {
	e := newTestEngine(t, scriptedInvoker(happyRoutes()))
	if err := e.Abort(context.Background(), ""); err == nil {
		t.Error("abort with no mission loaded must fail")
	}

	if _, err := e.StartMission("Build a tiny calculator", 1); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := e.Abort(context.Background(), ""); err == nil {
		t.Error("abort after completion must fail")
	}
}

func readReport(t *testing.T, path string) *Report {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report %s: %v", path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode report %s: %v", path, err)
	}
	return &r
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantV      string
		wantReason string
	}{
		{"continue", "looks good\nVERDICT: CONTINUE", VerdictContinue, ""},
		{"complete lowercase", "done\nverdict: complete", VerdictComplete, ""},
		{"halt with reason", "VERDICT: HALT - drifted badly", VerdictHalt, "drifted badly"},
		{"regression with colon", "VERDICT: REGRESSION: parser broke", VerdictRegression, "parser broke"},
		{"missing defaults to continue", "no verdict anywhere", VerdictContinue, ""},
		{"last verdict wins", "VERDICT: COMPLETE\nreconsidering\nVERDICT: CONTINUE", VerdictContinue, ""},
		{"indented", "  VERDICT: COMPLETE", VerdictComplete, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, reason := ParseVerdict(tt.text)
			if v != tt.wantV || reason != tt.wantReason {
				t.Errorf("ParseVerdict(%q) = (%q, %q), want (%q, %q)",
					tt.text, v, reason, tt.wantV, tt.wantReason)
			}
		})
	}
}

func TestComposeStagePromptSections(t *testing.T) {
	m := NewMission("Solve the puzzle", 3, "/ws")
	m.Cycles = append(m.Cycles, CycleSummary{Cycle: 1, Summary: "laid groundwork"})

	prompt := composeStagePrompt(m, StagePlanning, "## RECOVERY CONTEXT\ncrashed", "things failed", []string{"## EXTRA\ninjected"})
	for _, want := range []string{
		"PROBLEM STATEMENT",
		"Solve the puzzle",
		"RECOVERY CONTEXT",
		"PREVIOUS FAILURE CONTEXT",
		"STAGE INSTRUCTIONS",
		"GROUND RULES",
		"WRITE RESTRICTIONS",
		"COMPLETED CYCLES",
		"laid groundwork",
		"injected",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("planning prompt missing %q", want)
		}
	}

	// Recovery context is only for PLANNING and BUILDING.
	analyzing := composeStagePrompt(m, StageAnalyzing, "## RECOVERY CONTEXT\ncrashed", "", nil)
	if strings.Contains(analyzing, "RECOVERY CONTEXT") {
		t.Error("ANALYZING prompt must not carry recovery context")
	}
}
