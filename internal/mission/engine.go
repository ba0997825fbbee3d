package mission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"overseer/internal/atomicfile"
	"overseer/internal/checkpoint"
	"overseer/internal/config"
	"overseer/internal/executor"
	"overseer/internal/llm"
	"overseer/internal/logging"
)

// Verdicts the ANALYZING stage may hand back.
const (
	VerdictContinue   = "CONTINUE"
	VerdictComplete   = "COMPLETE"
	VerdictRegression = "REGRESSION"
	VerdictHalt       = "HALT"
)

var verdictRe = regexp.MustCompile(`(?mi)^\s*VERDICT:\s*(CONTINUE|COMPLETE|REGRESSION|HALT)\b[\s:-]*(.*)$`)

// ParseVerdict extracts the verdict line from an analysis response.
// The last verdict line wins; a response with none defaults to CONTINUE
// so a sloppy analysis never terminates a mission by accident.
func ParseVerdict(text string) (verdict, reason string) {
	matches := verdictRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return VerdictContinue, ""
	}
	last := matches[len(matches)-1]
	return strings.ToUpper(last[1]), strings.TrimSpace(last[2])
}

// Engine drives one mission through the stage state machine. It is the
// single writer of the mission state file; the queue watcher, dashboard,
// and CLI only ever read it. Advance is not safe for concurrent use;
// Run drives it from a single goroutine.
type Engine struct {
	mu       sync.RWMutex
	cfg      *config.Config
	invoker  llm.Invoker
	registry *Registry
	recovery *RecoveryStore

	mission         *Mission
	recoveryContext string
	failureContext  string
	lastVerdict     string
	haltReason      string

	isRunning  bool
	cancelFunc context.CancelFunc
	lastError  error
}

// NewEngine builds an engine from the loaded configuration. A nil
// registry gets an empty one so handler wiring stays optional.
func NewEngine(cfg *config.Config, invoker llm.Invoker, registry *Registry) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		cfg:      cfg,
		invoker:  invoker,
		registry: registry,
		recovery: NewRecoveryStore(cfg.CheckpointsDir()),
	}
}

// Registry exposes the integration registry for handler registration.
func (e *Engine) Registry() *Registry { return e.registry }

// StartMission creates a fresh mission record and persists it. It
// refuses to clobber a live mission that has not reached COMPLETE.
func (e *Engine) StartMission(problemStatement string, cycleBudget int) (*Mission, error) {
	problemStatement = strings.TrimSpace(problemStatement)
	if problemStatement == "" {
		return nil, fmt.Errorf("problem statement is empty")
	}
	if cycleBudget <= 0 {
		cycleBudget = e.cfg.Mission.DefaultCycleBudget
	}
	if cycleBudget > e.cfg.Mission.MaxCycleBudget {
		logging.MissionWarn("cycle budget %d exceeds maximum, clamping to %d", cycleBudget, e.cfg.Mission.MaxCycleBudget)
		cycleBudget = e.cfg.Mission.MaxCycleBudget
	}

	if existing, err := e.LoadMission(); err == nil && !existing.Completed() {
		return nil, fmt.Errorf("mission %s is still at %s; resume or complete it first",
			existing.MissionID, existing.CurrentStage)
	}

	m := NewMission(problemStatement, cycleBudget, "")
	m.MissionWorkspace = filepath.Join(e.cfg.WorkspacesDir(), "mission_"+m.MissionID)
	if err := ensureWorkspace(m.MissionWorkspace); err != nil {
		return nil, err
	}
	m.AddHistory(StagePlanning, "mission created", firstNonEmptyLine(problemStatement))
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := e.saveState(m); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.mission = m
	e.recoveryContext = ""
	e.failureContext = ""
	e.lastVerdict = ""
	e.haltReason = ""
	e.mu.Unlock()

	logging.Mission("=== Mission %s created: budget=%d cycles, workspace=%s ===",
		m.MissionID, m.CycleBudget, m.MissionWorkspace)
	logging.AuditWithMission(m.MissionID).MissionStart(m.MissionID, firstNonEmptyLine(problemStatement))
	return m, nil
}

// LoadMission reads the live mission record from the state file.
func (e *Engine) LoadMission() (*Mission, error) {
	var m Mission
	if err := atomicfile.ReadJSON(e.cfg.MissionStatePath(), &m); err != nil {
		return nil, fmt.Errorf("load mission state: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("mission state invalid: %w", err)
	}
	e.mu.Lock()
	e.mission = &m
	e.mu.Unlock()
	return &m, nil
}

// Mission returns a copy of the current mission record, or nil when
// none is loaded.
func (e *Engine) Mission() *Mission {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.mission == nil {
		return nil
	}
	cp := *e.mission
	cp.History = append([]HistoryEntry(nil), e.mission.History...)
	cp.Cycles = append([]CycleSummary(nil), e.mission.Cycles...)
	cp.Deliverables = append([]string(nil), e.mission.Deliverables...)
	return &cp
}

// IsRunning reports whether Run is active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// LastError returns the error from the most recent failed stage.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Stop cancels a running mission loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
}

// Abort terminates the loaded mission without running further stages.
// The report carries status ABORTED so dependent queue items stay
// blocked instead of building on a half-finished result.
func (e *Engine) Abort(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine is running; stop it before aborting")
	}
	m := e.mission
	if m == nil {
		e.mu.Unlock()
		return fmt.Errorf("no mission loaded")
	}
	if m.Completed() {
		e.mu.Unlock()
		return fmt.Errorf("mission %s already completed", m.MissionID)
	}
	if reason == "" {
		reason = "aborted by operator"
	}
	m.HaltReason = reason
	m.CurrentStage = StageComplete
	if m.FinalSummary == "" {
		m.FinalSummary = finalSummary(m)
	}
	m.AddHistory(StageComplete, "mission aborted", reason)
	e.mu.Unlock()

	if err := e.saveState(m); err != nil {
		return err
	}

	report := BuildReport(m)
	report.FinalStatus = StatusAborted
	if _, err := PersistReport(m.MissionWorkspace, report); err != nil {
		logging.MissionError("abort report write failed: %v", err)
	}
	logPath := filepath.Join(e.cfg.MissionLogsDir(), m.MissionID+"_report.json")
	if err := atomicfile.WriteJSON(logPath, report); err != nil {
		logging.MissionWarn("mission log copy failed: %v", err)
	}

	e.registry.fireMissionCompleted(ctx, m, report)

	if err := e.recovery.ClearMission(m.MissionID); err != nil {
		logging.MissionWarn("checkpoint cleanup failed: %v", err)
	}

	logging.AuditWithMission(m.MissionID).MissionHalt(m.MissionID, reason)
	logging.Mission("=== Mission %s aborted: %s ===", m.MissionID, reason)
	return nil
}

// PrepareRecovery looks for a stage checkpoint left behind by a crash
// of the loaded mission. When one exists, the generated recovery
// context is injected into the next PLANNING or BUILDING prompt.
func (e *Engine) PrepareRecovery() (string, error) {
	m := e.Mission()
	if m == nil {
		return "", fmt.Errorf("no mission loaded")
	}
	if m.Completed() {
		return "", nil
	}
	// Checkpoints for missions other than the live one are orphans and
	// count as complete so detection only surfaces the live mission.
	cp, err := e.recovery.DetectIncompleteMission(func(id string) bool {
		return id != m.MissionID
	})
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", nil
	}

	recovered := GenerateRecoveryContext(cp)
	e.mu.Lock()
	e.recoveryContext = recovered
	e.mu.Unlock()

	logging.Mission("Recovery context prepared for mission %s (interrupted at %s, cycle %d)",
		cp.MissionID, cp.Stage, cp.Cycle)
	logging.AuditWithMission(m.MissionID).Log(logging.AuditEvent{
		EventType: logging.AuditMissionRecover,
		MissionID: m.MissionID,
		Stage:     string(cp.Stage),
		Success:   true,
		Message:   fmt.Sprintf("Recovery prepared: mission=%s stage=%s", m.MissionID, cp.Stage),
	})
	return recovered, nil
}

// Run advances the mission until COMPLETE or the first stage error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	if e.mission == nil {
		e.mu.Unlock()
		return fmt.Errorf("no mission loaded")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.isRunning = true
	e.cancelFunc = cancel
	m := e.mission
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.isRunning = false
		e.cancelFunc = nil
		e.mu.Unlock()
	}()

	logging.Mission("=== Mission %s run started: stage=%s, cycle=%d/%d ===",
		m.MissionID, m.CurrentStage, m.CurrentCycle, m.CycleBudget)

	for {
		e.mu.RLock()
		done := e.mission.Completed()
		e.mu.RUnlock()
		if done {
			return nil
		}
		if err := runCtx.Err(); err != nil {
			return err
		}
		if err := e.Advance(runCtx); err != nil {
			return err
		}
	}
}

// Advance executes exactly one stage and transitions the mission.
// A completed mission is a no-op.
func (e *Engine) Advance(ctx context.Context) error {
	e.mu.RLock()
	m := e.mission
	e.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("no mission loaded")
	}
	if m.Completed() {
		return nil
	}

	stage := m.CurrentStage
	timer := logging.StartTimer(logging.CategoryMission, "stage_"+string(stage))
	audit := logging.AuditWithMission(m.MissionID)
	audit.StageStart(m.MissionID, string(stage), m.CurrentCycle)
	logging.Mission("=== Stage %s (mission %s, cycle %d/%d, iteration %d) ===",
		stage, m.MissionID, m.CurrentCycle, m.CycleBudget, m.Iteration)

	// The checkpoint goes down before any stage work so a crash at any
	// point inside the stage leaves evidence behind.
	cp := &StageCheckpoint{
		MissionID: m.MissionID,
		Stage:     stage,
		Progress:  "stage started",
		Iteration: m.Iteration,
		Cycle:     m.CurrentCycle,
	}
	if err := e.recovery.Save(cp); err != nil {
		logging.MissionWarn("stage checkpoint save failed: %v", err)
	}

	e.registry.fireStageStarted(ctx, m, stage)

	started := time.Now()
	outcome, err := e.runStage(ctx, m, stage, cp)
	elapsed := time.Since(started)
	timer.StopWithInfo()

	if err != nil {
		// The checkpoint survives with a hint; the next Advance (or a
		// restart) retries the same stage with recovery context.
		cp.Progress = "stage interrupted"
		cp.RecoveryHint = err.Error()
		cp.Timestamp = time.Now().UTC()
		if saveErr := e.recovery.Save(cp); saveErr != nil {
			logging.MissionError("interrupt checkpoint save failed: %v", saveErr)
		}
		e.mu.Lock()
		e.lastError = err
		m.AddHistory(stage, "stage interrupted", err.Error())
		e.mu.Unlock()
		if saveErr := e.saveState(m); saveErr != nil {
			logging.MissionError("state save after interrupt failed: %v", saveErr)
		}
		audit.StageEnd(m.MissionID, string(stage), elapsed.Milliseconds(), false)
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	outcome.Duration = elapsed
	e.registry.fireStageEnded(ctx, m, outcome)
	if err := e.recovery.Clear(m.MissionID, stage); err != nil {
		logging.MissionWarn("clear stage checkpoint: %v", err)
	}
	audit.StageEnd(m.MissionID, string(stage), elapsed.Milliseconds(), outcome.Success)

	e.mu.Lock()
	e.recoveryContext = ""
	if outcome.Success {
		e.failureContext = ""
	}
	e.lastError = nil
	e.mu.Unlock()

	if err := e.transition(ctx, m, stage, outcome); err != nil {
		return err
	}
	return e.saveState(m)
}

// runStage dispatches one stage's work.
func (e *Engine) runStage(ctx context.Context, m *Mission, stage Stage, cp *StageCheckpoint) (*StageOutcome, error) {
	switch stage {
	case StagePlanning:
		return e.runPlanning(ctx, m)
	case StageBuilding, StageTesting:
		return e.runExecutorStage(ctx, m, stage, cp)
	case StageAnalyzing:
		return e.runAnalyzing(ctx, m)
	case StageCycleEnd:
		return e.runCycleEnd(ctx, m)
	}
	return nil, fmt.Errorf("stage %s is not executable", stage)
}

// runPlanning asks the worker model for an implementation plan and
// stores it as the BUILDING stage's input artifact.
func (e *Engine) runPlanning(ctx context.Context, m *Mission) (*StageOutcome, error) {
	guard := NewWriteGuard(m.MissionID, StagePlanning, m.MissionWorkspace)
	if err := guard.Save(); err != nil {
		return nil, err
	}

	resp, err := e.invoke(ctx, e.composePrompt(ctx, m, StagePlanning), e.cfg.LLM.WorkerModel, m)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}

	planPath := filepath.Join(m.MissionWorkspace, "artifacts", "implementation_plan.md")
	if err := guard.Write(planPath, []byte(resp.Text)); err != nil {
		return nil, err
	}

	e.mu.Lock()
	m.AddHistory(StagePlanning, "implementation plan written", planPath)
	e.mu.Unlock()

	return &StageOutcome{
		Stage:        StagePlanning,
		Cycle:        m.CurrentCycle,
		Iteration:    m.Iteration,
		Success:      true,
		Summary:      firstNonEmptyLine(resp.Text),
		FilesCreated: []string{planPath},
	}, nil
}

// runExecutorStage fans the plan out to parallel worker agents for
// BUILDING, or runs the single verification unit for TESTING.
func (e *Engine) runExecutorStage(ctx context.Context, m *Mission, stage Stage, cp *StageCheckpoint) (*StageOutcome, error) {
	guard := NewWriteGuard(m.MissionID, stage, m.MissionWorkspace)
	if err := guard.Save(); err != nil {
		return nil, err
	}

	units := e.stageUnits(m, stage)
	store, err := checkpoint.NewStore(e.cfg.CheckpointsDir(), m.MissionID)
	if err != nil {
		return nil, err
	}

	exec := executor.New(executor.Config{
		MissionID:            m.MissionID,
		WorkDir:              m.MissionWorkspace,
		TotalTimeout:         e.cfg.Executor.GetTotalTimeout(),
		MaxAgents:            e.cfg.Executor.MaxAgents,
		MaxSubagentsPerAgent: e.cfg.Executor.MaxSubagentsPerAgent,
		WorkerModel:          e.cfg.LLM.WorkerModel,
		SubagentModel:        e.cfg.LLM.SubagentModel,
		ReserveRatio:         e.cfg.Executor.ReserveRatio,
		PollInterval:         e.cfg.Executor.GetPollInterval(),
	}, e.invoker, store)

	lastDone := -1
	merged, err := exec.Run(ctx, units, func(done, total int) {
		if done == lastDone {
			return
		}
		lastDone = done
		cp.Progress = fmt.Sprintf("%d/%d agents finished", done, total)
		cp.Timestamp = time.Now().UTC()
		if saveErr := e.recovery.Save(cp); saveErr != nil {
			logging.MissionWarn("progress checkpoint save failed: %v", saveErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s executor: %w", strings.ToLower(string(stage)), err)
	}

	// BUILDING tolerates partial failure and proceeds with whatever the
	// successful agents produced; TESTING demands a clean merge.
	success := merged.Success
	if stage == StageBuilding {
		success = merged.CompletedCount > 0
	}
	if !success {
		e.mu.Lock()
		e.failureContext = summarizeFailures(merged)
		e.mu.Unlock()
	}

	reportPath := filepath.Join(m.MissionWorkspace, "reports",
		fmt.Sprintf("%s_cycle%d_iter%d.md", strings.ToLower(string(stage)), m.CurrentCycle, m.Iteration))
	if err := guard.Write(reportPath, []byte(merged.CombinedSummary)); err != nil {
		logging.MissionWarn("stage report write failed: %v", err)
	}

	e.mu.Lock()
	m.AddHistory(stage,
		fmt.Sprintf("%d/%d units completed", merged.CompletedCount, len(units)),
		fmt.Sprintf("failed=%d timeout=%d conflicts=%d", merged.FailedCount, merged.TimeoutCount, len(merged.Conflicts)))
	e.mu.Unlock()

	return &StageOutcome{
		Stage:         stage,
		Cycle:         m.CurrentCycle,
		Iteration:     m.Iteration,
		Success:       success,
		Summary:       merged.CombinedSummary,
		FilesCreated:  merged.FilesCreated,
		FilesModified: merged.FilesModified,
	}, nil
}

// runAnalyzing reviews the cycle and parses the verdict that steers
// the state machine.
func (e *Engine) runAnalyzing(ctx context.Context, m *Mission) (*StageOutcome, error) {
	guard := NewWriteGuard(m.MissionID, StageAnalyzing, m.MissionWorkspace)
	if err := guard.Save(); err != nil {
		return nil, err
	}

	resp, err := e.invoke(ctx, e.composePrompt(ctx, m, StageAnalyzing), e.cfg.LLM.WorkerModel, m)
	if err != nil {
		return nil, fmt.Errorf("analyzing: %w", err)
	}

	verdict, reason := ParseVerdict(resp.Text)
	analysisPath := filepath.Join(m.MissionWorkspace, "reports", "analysis",
		fmt.Sprintf("cycle_%d.md", m.CurrentCycle))
	if err := guard.Write(analysisPath, []byte(resp.Text)); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastVerdict = verdict
	if verdict == VerdictHalt {
		e.haltReason = reason
		if e.haltReason == "" {
			e.haltReason = "analysis requested halt"
		}
	}
	if verdict == VerdictRegression {
		e.failureContext = "The analysis found a regression: " + reason +
			"\nSee " + analysisPath + " for the full review."
	}
	m.AddHistory(StageAnalyzing, "verdict "+verdict, reason)
	e.mu.Unlock()

	logging.Mission("Analysis verdict for mission %s cycle %d: %s %s", m.MissionID, m.CurrentCycle, verdict, reason)

	return &StageOutcome{
		Stage:        StageAnalyzing,
		Cycle:        m.CurrentCycle,
		Iteration:    m.Iteration,
		Success:      true,
		Summary:      "VERDICT: " + verdict,
		FilesCreated: []string{analysisPath},
	}, nil
}

// runCycleEnd writes the cycle report and continuation prompt. The
// stage always finishes: a failed summary invocation falls back to a
// history digest rather than stalling the mission.
func (e *Engine) runCycleEnd(ctx context.Context, m *Mission) (*StageOutcome, error) {
	guard := NewWriteGuard(m.MissionID, StageCycleEnd, m.MissionWorkspace)
	if err := guard.Save(); err != nil {
		return nil, err
	}

	summary := ""
	if resp, err := e.invoke(ctx, e.composePrompt(ctx, m, StageCycleEnd), e.cfg.LLM.WorkerModel, m); err != nil {
		logging.MissionWarn("cycle summary invocation failed, using history digest: %v", err)
	} else {
		summary = resp.Text
	}
	if strings.TrimSpace(summary) == "" {
		summary = historyDigest(m)
	}

	reportPath := filepath.Join(m.MissionWorkspace, "artifacts", "cycle_reports",
		fmt.Sprintf("cycle_%d.md", m.CurrentCycle))
	if err := guard.Write(reportPath, []byte(summary)); err != nil {
		return nil, err
	}

	continuation := buildContinuationPrompt(m, summary)
	contPath := filepath.Join(m.MissionWorkspace, "prompts",
		fmt.Sprintf("continuation_cycle_%d.md", m.CurrentCycle))
	if err := guard.Write(contPath, []byte(continuation)); err != nil {
		return nil, err
	}

	e.mu.Lock()
	m.Cycles = append(m.Cycles, CycleSummary{
		Cycle:              m.CurrentCycle,
		Summary:            summary,
		ContinuationPrompt: continuation,
	})
	m.AddHistory(StageCycleEnd, fmt.Sprintf("cycle %d closed", m.CurrentCycle), reportPath)
	e.mu.Unlock()

	logging.AuditWithMission(m.MissionID).Log(logging.AuditEvent{
		EventType: logging.AuditCycleEnd,
		MissionID: m.MissionID,
		Stage:     string(StageCycleEnd),
		Success:   true,
		Fields:    map[string]interface{}{"cycle": m.CurrentCycle},
		Message:   fmt.Sprintf("Cycle %d closed for mission %s", m.CurrentCycle, m.MissionID),
	})

	return &StageOutcome{
		Stage:        StageCycleEnd,
		Cycle:        m.CurrentCycle,
		Iteration:    m.Iteration,
		Success:      true,
		Summary:      firstNonEmptyLine(summary),
		FilesCreated: []string{reportPath, contPath},
	}, nil
}

// transition moves the mission to its next stage per the outcome.
func (e *Engine) transition(ctx context.Context, m *Mission, stage Stage, outcome *StageOutcome) error {
	next := stage
	note := ""

	switch stage {
	case StagePlanning:
		next = StageBuilding
		e.backupPlanFiles(m)
	case StageBuilding:
		if outcome.Success {
			next = StageTesting
		} else {
			next = StageAnalyzing
			note = "every build agent failed; analysis decides what happens next"
		}
	case StageTesting:
		if outcome.Success {
			next = StageAnalyzing
		} else {
			next = StageBuilding
			note = "verification failed, rebuilding"
			e.mu.Lock()
			m.Iteration++
			e.mu.Unlock()
		}
	case StageAnalyzing:
		if e.verdictForCycle(m) == VerdictRegression {
			next = StageBuilding
			note = "regression found, rebuilding within the same cycle"
			e.mu.Lock()
			m.Iteration++
			e.mu.Unlock()
		} else {
			next = StageCycleEnd
		}
	case StageCycleEnd:
		verdict := e.verdictForCycle(m)
		switch {
		case verdict == VerdictHalt:
			next = StageComplete
			e.mu.RLock()
			reason := e.haltReason
			e.mu.RUnlock()
			if reason == "" {
				reason = "analysis requested halt"
			}
			e.mu.Lock()
			m.HaltReason = reason
			e.mu.Unlock()
			note = "halted: " + reason
		case verdict == VerdictComplete:
			next = StageComplete
			note = "analysis declared the mission complete"
		case m.CurrentCycle < m.CycleBudget:
			next = StagePlanning
			note = fmt.Sprintf("starting cycle %d of %d", m.CurrentCycle+1, m.CycleBudget)
			e.mu.Lock()
			m.CurrentCycle++
			m.Iteration = 0
			e.mu.Unlock()
		default:
			next = StageComplete
			note = fmt.Sprintf("cycle budget of %d exhausted", m.CycleBudget)
		}
	case StageComplete:
		return nil
	}

	if !CanTransition(stage, next) {
		return fmt.Errorf("illegal transition %s -> %s", stage, next)
	}

	e.mu.Lock()
	m.CurrentStage = next
	m.AddHistory(next, "entered "+string(next), note)
	e.mu.Unlock()
	logging.Mission("Transition: %s -> %s (%s)", stage, next, note)

	if next == StageComplete {
		return e.finalize(ctx, m)
	}
	return nil
}

// verdictForCycle returns the analysis verdict steering the current
// transition. After a crash the in-memory verdict is gone, so the
// persisted analysis report is the fallback authority.
func (e *Engine) verdictForCycle(m *Mission) string {
	e.mu.RLock()
	verdict := e.lastVerdict
	e.mu.RUnlock()
	if verdict != "" {
		return verdict
	}

	path := filepath.Join(m.MissionWorkspace, "reports", "analysis",
		fmt.Sprintf("cycle_%d.md", m.CurrentCycle))
	data, err := os.ReadFile(path)
	if err != nil {
		return VerdictContinue
	}
	verdict, reason := ParseVerdict(string(data))
	e.mu.Lock()
	e.lastVerdict = verdict
	if verdict == VerdictHalt && e.haltReason == "" {
		e.haltReason = reason
	}
	e.mu.Unlock()
	return verdict
}

// finalize seals a COMPLETE mission: final summary, report artifact,
// mission log copy, integration fan-out, checkpoint cleanup.
func (e *Engine) finalize(ctx context.Context, m *Mission) error {
	e.mu.Lock()
	if m.FinalSummary == "" {
		m.FinalSummary = finalSummary(m)
	}
	m.AddHistory(StageComplete, "mission complete", m.HaltReason)
	e.mu.Unlock()

	report, err := WriteReport(m)
	if err != nil {
		logging.MissionError("final report write failed: %v", err)
		report = BuildReport(m)
	}

	logPath := filepath.Join(e.cfg.MissionLogsDir(), m.MissionID+"_report.json")
	if err := atomicfile.WriteJSON(logPath, report); err != nil {
		logging.MissionWarn("mission log copy failed: %v", err)
	}

	e.registry.fireMissionCompleted(ctx, m, report)

	if err := e.recovery.ClearMission(m.MissionID); err != nil {
		logging.MissionWarn("checkpoint cleanup failed: %v", err)
	}

	audit := logging.AuditWithMission(m.MissionID)
	if m.HaltReason != "" {
		audit.MissionHalt(m.MissionID, m.HaltReason)
	} else {
		audit.MissionComplete(m.MissionID, len(m.Cycles), time.Since(m.CreatedAt).Milliseconds())
	}
	logging.Mission("=== Mission %s finished: %d cycles, halt=%q ===", m.MissionID, len(m.Cycles), m.HaltReason)
	return nil
}

// invoke runs one prompt against the provider and normalizes the
// timeout and error envelopes into Go errors.
func (e *Engine) invoke(ctx context.Context, prompt, model string, m *Mission) (*llm.Response, error) {
	resp, err := e.invoker.Invoke(ctx, llm.Request{
		Prompt:  prompt,
		Model:   model,
		Timeout: e.cfg.LLM.GetTimeout(),
		WorkDir: m.MissionWorkspace,
	})
	if err != nil {
		return nil, err
	}
	if resp.TimedOut || llm.HasTimeoutMarker(resp.Text) {
		return nil, fmt.Errorf("provider timed out after %v", e.cfg.LLM.GetTimeout())
	}
	if llm.HasErrorMarker(resp.Text) {
		return nil, fmt.Errorf("provider error: %s", firstNonEmptyLine(resp.Text))
	}
	return resp, nil
}

// composePrompt builds the stage prompt, then lets handlers contribute
// extra context. Handlers see the base prompt, not each other's
// additions, so their contributions stay order-independent.
func (e *Engine) composePrompt(ctx context.Context, m *Mission, stage Stage) string {
	e.mu.RLock()
	rc, fc := e.recoveryContext, e.failureContext
	e.mu.RUnlock()

	base := composeStagePrompt(m, stage, rc, fc, nil)
	additions := e.registry.firePromptGenerated(ctx, m, stage, base)
	if len(additions) == 0 {
		return base
	}
	return composeStagePrompt(m, stage, rc, fc, additions)
}

// stageUnits derives the executor work units for BUILDING or TESTING.
// Unit ids carry the cycle and iteration so re-runs never resurrect a
// previous attempt's terminal checkpoint.
func (e *Engine) stageUnits(m *Mission, stage Stage) []executor.WorkUnit {
	var units []executor.WorkUnit
	if stage == StageTesting {
		desc := "Execute the success criteria from artifacts/implementation_plan.md " +
			"against the workspace and report each criterion as passed or failed."
		units = []executor.WorkUnit{{
			ID:                  "verify",
			Description:         desc,
			EstimatedComplexity: executor.EstimateComplexity(len(strings.Fields(desc))),
			Strategy:            executor.StrategySingle,
		}}
	} else {
		units = Split(e.readPlan(m), executor.StrategyAuto, e.cfg.Executor.MaxAgents)
	}

	e.mu.RLock()
	extra := contextBlock(e.recoveryContext, e.failureContext)
	e.mu.RUnlock()

	for i := range units {
		units[i].ID = fmt.Sprintf("c%d_i%d_%s", m.CurrentCycle, m.Iteration, units[i].ID)
		units[i].Prompt = buildUnitPrompt(m, stage, unitTask(units[i]), extra)
	}
	return units
}

func unitTask(u executor.WorkUnit) string {
	if u.Prompt != "" {
		return u.Prompt
	}
	return u.Description
}

// contextBlock joins the recovery and failure contexts for injection
// into worker prompts.
func contextBlock(recoveryContext, failureContext string) string {
	var parts []string
	if recoveryContext != "" {
		parts = append(parts, recoveryContext)
	}
	if failureContext != "" {
		parts = append(parts, "## PREVIOUS FAILURE CONTEXT\n\n"+failureContext)
	}
	return strings.Join(parts, "\n\n")
}

// buildUnitPrompt wraps one unit's task in the stage contract every
// worker must honor.
func buildUnitPrompt(m *Mission, stage Stage, task, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission %s, cycle %d, stage %s.\n\n", m.MissionID, m.CurrentCycle, stage)
	b.WriteString(stageInstructions[stage])
	b.WriteString("\n\n")
	b.WriteString(task)
	b.WriteString("\n\n")
	if extra != "" {
		b.WriteString(extra)
		b.WriteString("\n\n")
	}
	b.WriteString(groundRules)
	b.WriteString("\n\n## WRITE RESTRICTIONS\n\n")
	b.WriteString(DescribeRestrictions(stage, m.MissionWorkspace))
	return b.String()
}

// readPlan loads the BUILDING input artifact, falling back to the
// problem statement when PLANNING left nothing behind.
func (e *Engine) readPlan(m *Mission) string {
	data, err := os.ReadFile(filepath.Join(m.MissionWorkspace, "artifacts", "implementation_plan.md"))
	if err != nil {
		logging.MissionWarn("no implementation plan for mission %s, splitting the problem statement", m.MissionID)
		return m.ProblemStatement
	}
	return string(data)
}

// backupPlanFiles snapshots every file the plan names that already
// exists, so BUILDING failures can be rolled back.
func (e *Engine) backupPlanFiles(m *Mission) {
	planText := e.readPlan(m)
	var existing []string
	for _, rel := range uniqueMatches(filePathRe, planText) {
		if _, err := os.Stat(filepath.Join(m.MissionWorkspace, rel)); err == nil {
			existing = append(existing, rel)
		}
	}
	if len(existing) == 0 {
		return
	}
	if err := e.recovery.BackupFiles(m.MissionID, StageBuilding, m.MissionWorkspace, existing); err != nil {
		logging.MissionWarn("plan file backup failed: %v", err)
		return
	}
	logging.Mission("Backed up %d plan files before BUILDING", len(existing))
}

// saveState persists the mission record through the atomic store.
func (e *Engine) saveState(m *Mission) error {
	if err := atomicfile.WriteJSON(e.cfg.MissionStatePath(), m); err != nil {
		return fmt.Errorf("save mission state: %w", err)
	}
	return nil
}

// summarizeFailures renders the failed agents into prompt-ready text.
func summarizeFailures(merged *executor.MergedResult) string {
	var b strings.Builder
	b.WriteString("Previous attempt outcomes:\n")
	for _, r := range merged.Results {
		if r.Succeeded() {
			continue
		}
		fmt.Fprintf(&b, "- %s ended %s", r.AgentID, r.Status)
		if r.Error != "" {
			b.WriteString(": " + r.Error)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%d of %d agents completed.\n", merged.CompletedCount, len(merged.Results))
	return b.String()
}

// historyDigest is the LLM-free cycle summary fallback.
func historyDigest(m *Mission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\nCycle %d of mission %s.\n\n## Achievements\n\n", m.CurrentCycle, m.MissionID)
	for _, h := range m.History {
		if h.Stage == StageCycleEnd {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", h.Stage, h.Entry)
	}
	b.WriteString("\n## Issues\n\n(none recorded)\n")
	return b.String()
}

// buildContinuationPrompt composes the prompt a follow-up cycle or a
// human operator can use to pick the mission back up.
func buildContinuationPrompt(m *Mission, cycleSummary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# CONTINUATION: mission %s after cycle %d\n\n", m.MissionID, m.CurrentCycle)
	b.WriteString("## ORIGINAL MISSION\n\n")
	b.WriteString(m.OriginalMission)
	b.WriteString("\n\n## WHERE THE LAST CYCLE LEFT OFF\n\n")
	b.WriteString(strings.TrimSpace(cycleSummary))
	b.WriteString("\n\n## NEXT\n\nPlan the next cycle against the remaining gap between the workspace and the original mission.\n")
	return b.String()
}

// finalSummary assembles the mission's closing summary from its cycles.
func finalSummary(m *Mission) string {
	if m.HaltReason != "" {
		return "Mission halted: " + m.HaltReason
	}
	if len(m.Cycles) == 0 {
		return "Mission completed without a recorded cycle."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d cycle(s).\n", len(m.Cycles))
	for _, c := range m.Cycles {
		fmt.Fprintf(&b, "Cycle %d: %s\n", c.Cycle, firstNonEmptyLine(c.Summary))
	}
	return b.String()
}

// ensureWorkspace creates the stage-writable directory tree.
func ensureWorkspace(workspace string) error {
	for _, dir := range []string{
		workspace,
		filepath.Join(workspace, "artifacts"),
		filepath.Join(workspace, "artifacts", "cycle_reports"),
		filepath.Join(workspace, "research"),
		filepath.Join(workspace, "reports"),
		filepath.Join(workspace, "reports", "analysis"),
		filepath.Join(workspace, "prompts"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}
