package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"overseer/internal/checkpoint"
	"overseer/internal/llm"
	"overseer/internal/logging"
)

// responseProtocol is appended to every agent prompt. It defines the
// structured result contract the parser expects.
const responseProtocol = `
## RESPONSE PROTOCOL

When your work is done, end your response with a fenced JSON block:

` + "```json" + `
{
  "files_created": ["relative/path.ext"],
  "files_modified": ["relative/path.ext"],
  "summary": "One paragraph describing what was accomplished."
}
` + "```" + `
`

// spawnProtocolFmt is appended to worker prompts only. The verb takes
// the sub-agent limit.
const spawnProtocolFmt = `
## SUB-AGENT SPAWNING PROTOCOL

If the task decomposes into independent sub-tasks, you may delegate up
to %d of them instead of doing everything yourself. Add a "subagents"
array to the JSON block, one entry per sub-task:

` + "```json" + `
{
  "summary": "Delegated the schema and the migration as sub-tasks.",
  "subagents": [
    {"description": "Write the table schema in db/schema.sql", "files": ["db/schema.sql"]},
    {"description": "Write the migration runner", "files": ["db/migrate.go"]}
  ],
  "subagent_mode": "parallel"
}
` + "```" + `

Set "subagent_mode" to "sequential" only when later sub-tasks depend on
earlier ones. Requests beyond the limit are dropped.
`

// Executor fans work units out to LLM worker agents.
type Executor struct {
	config      Config
	invoker     llm.Invoker
	checkpoints *checkpoint.Store
}

// New builds an executor. The checkpoint store must be scoped to the
// mission the work units belong to.
func New(cfg Config, invoker llm.Invoker, checkpoints *checkpoint.Store) *Executor {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReserveRatio <= 0 || cfg.ReserveRatio >= 1 {
		cfg.ReserveRatio = DefaultReserveRatio
	}
	return &Executor{config: cfg, invoker: invoker, checkpoints: checkpoints}
}

// Run executes every work unit with bounded parallelism and merges the
// outcomes. The checkpoint store is the authority on each agent's
// terminal status: results arriving after the join are ignored.
func (e *Executor) Run(ctx context.Context, units []WorkUnit, onProgress ProgressFunc) (*MergedResult, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("no work units to execute")
	}

	timer := logging.StartTimer(logging.CategoryExecutor, "Run")
	defer timer.StopWithInfo()

	logging.Executor("=== Executing %d work units for mission %s ===", len(units), e.config.MissionID)
	logging.Executor("Limits: max_agents=%d, max_subagents=%d, total_timeout=%v",
		e.config.MaxAgents, e.config.MaxSubagentsPerAgent, e.config.TotalTimeout)

	budget := NewTimeoutBudget(e.config.TotalTimeout, PolicyParallel).
		WithReserveRatio(e.config.ReserveRatio)

	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	allocs := budget.AllocateChildren(ids, nil, 0)

	for _, u := range units {
		if _, err := e.checkpoints.Create(u.ID, checkpoint.StatusPending); err != nil {
			return nil, fmt.Errorf("create checkpoint for %s: %w", u.ID, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.config.TotalTimeout)
	defer cancel()

	var (
		resultsMu sync.Mutex
		results   = make(map[string]*AgentResult, len(units))
	)
	record := func(r *AgentResult) {
		resultsMu.Lock()
		results[r.UnitID] = r
		resultsMu.Unlock()
	}

	eg := &errgroup.Group{}
	eg.SetLimit(e.config.MaxAgents)
	for i := range units {
		unit := units[i]
		eg.Go(func() error {
			e.runWorker(runCtx, unit, budget, allocs[unit.ID], record)
			return nil
		})
	}

	// The join watches the checkpoint files, not the goroutines, so a
	// hung worker cannot stall the run past the deadline.
	e.checkpoints.WaitForAll(ctx, ids, e.config.TotalTimeout, e.config.PollInterval, checkpoint.ProgressFunc(onProgress))
	cancel()

	// Snapshot at the join; late workers write after this and are ignored.
	resultsMu.Lock()
	snapshot := make(map[string]*AgentResult, len(results))
	for k, v := range results {
		snapshot[k] = v
	}
	resultsMu.Unlock()

	final := make([]AgentResult, 0, len(units))
	for _, u := range units {
		rec, err := e.checkpoints.Get(u.ID)
		if err != nil {
			logging.ExecutorError("missing checkpoint for %s after join: %v", u.ID, err)
			final = append(final, AgentResult{
				AgentID: u.ID, UnitID: u.ID,
				Status: checkpoint.StatusFailed,
				Error:  "checkpoint lost",
			})
			continue
		}
		res, ok := snapshot[u.ID]
		if rec.Status == checkpoint.StatusTimeout || !ok {
			final = append(final, AgentResult{
				AgentID: u.ID, UnitID: u.ID,
				Status: checkpoint.StatusTimeout,
				Error:  "deadline exceeded",
				Model:  e.config.WorkerModel,
			})
			continue
		}
		final = append(final, *res)
	}

	// Join waits on goroutines after cancellation so none leak; workers
	// observe runCtx and exit promptly.
	_ = eg.Wait()

	merged := Merge(e.config.MissionID, final)
	logging.Executor("Run merged: success=%v, completed=%d, failed=%d, timeout=%d, conflicts=%d",
		merged.Success, merged.CompletedCount, merged.FailedCount, merged.TimeoutCount, len(merged.Conflicts))
	return merged, nil
}

// runWorker drives one unit: invoke, parse, optionally fan out
// sub-agents, publish the terminal checkpoint, record the result.
func (e *Executor) runWorker(ctx context.Context, unit WorkUnit, budget *TimeoutBudget, timeout time.Duration, record func(*AgentResult)) {
	audit := logging.AuditWithContext(e.config.MissionID, unit.ID, logging.CategoryExecutor)
	audit.AgentSpawn(unit.ID, unit.ID)
	started := time.Now()

	budget.StartChild(unit.ID)
	if err := e.checkpoints.MarkInProgress(unit.ID); err != nil {
		logging.ExecutorWarn("mark in-progress %s: %v", unit.ID, err)
	}

	resp, err := e.invoker.Invoke(ctx, llm.Request{
		Prompt:  e.buildWorkerPrompt(unit),
		Model:   e.config.WorkerModel,
		Timeout: timeout,
		WorkDir: e.config.WorkDir,
	})
	if err != nil {
		result := &AgentResult{
			AgentID: unit.ID, UnitID: unit.ID,
			Status: checkpoint.StatusFailed,
			Error:  err.Error(),
			Model:  e.config.WorkerModel, Duration: time.Since(started),
		}
		record(result)
		_ = e.checkpoints.MarkFailed(unit.ID, err.Error())
		audit.AgentEnd(unit.ID, string(result.Status), time.Since(started).Milliseconds(), err.Error())
		return
	}

	parsed := ParseAgentResponse(resp.Text)
	status := ClassifyStatus(resp, parsed)

	result := &AgentResult{
		AgentID: unit.ID, UnitID: unit.ID,
		Status:        status,
		FilesCreated:  parsed.FilesCreated,
		FilesModified: parsed.FilesModified,
		Summary:       parsed.Summary,
		Model:         e.config.WorkerModel,
	}
	if status != checkpoint.StatusCompleted {
		result.Error = firstLine(resp.Text)
	}

	if status == checkpoint.StatusCompleted && len(parsed.SubAgents) > 0 && e.config.MaxSubagentsPerAgent > 0 {
		e.runSubAgents(ctx, unit, parsed, budget, result)
	}

	result.Duration = time.Since(started)
	record(result)

	switch status {
	case checkpoint.StatusCompleted:
		_ = e.checkpoints.MarkCompleted(unit.ID, map[string]interface{}{
			"summary":        result.Summary,
			"files_created":  result.FilesCreated,
			"files_modified": result.FilesModified,
		})
	case checkpoint.StatusTimeout:
		_ = e.checkpoints.MarkTimeout(unit.ID)
	default:
		_ = e.checkpoints.MarkFailed(unit.ID, result.Error)
	}
	audit.AgentEnd(unit.ID, string(status), result.Duration.Milliseconds(), result.Error)
}

// runSubAgents executes the worker's delegated sub-tasks under a child
// budget and folds their contributions into the parent result.
func (e *Executor) runSubAgents(ctx context.Context, parent WorkUnit, parsed *ParsedResponse, budget *TimeoutBudget, result *AgentResult) {
	requests := parsed.SubAgents
	if len(requests) > e.config.MaxSubagentsPerAgent {
		logging.ExecutorWarn("agent %s requested %d sub-agents, capping to %d",
			parent.ID, len(requests), e.config.MaxSubagentsPerAgent)
		requests = requests[:e.config.MaxSubagentsPerAgent]
	}

	subStore, err := e.checkpoints.Sub(parent.ID)
	if err != nil {
		logging.ExecutorError("sub-namespace for %s: %v", parent.ID, err)
		return
	}

	childBudget, err := budget.CreateChildBudget(parent.ID)
	if err != nil {
		logging.ExecutorError("child budget for %s: %v", parent.ID, err)
		return
	}
	if parsed.Sequential() {
		childBudget.policy = PolicyFirstCome
	}

	subIDs := make([]string, len(requests))
	for i := range requests {
		subIDs[i] = fmt.Sprintf("%s.sub%d", parent.ID, i+1)
	}
	allocs := childBudget.AllocateChildren(subIDs, nil, 0)

	logging.Executor("Agent %s spawning %d sub-agents (sequential=%v)", parent.ID, len(requests), parsed.Sequential())

	var mu sync.Mutex
	runOne := func(i int) {
		subID := subIDs[i]
		sub := e.invokeSubAgent(ctx, subStore, subID, requests[i], allocs[subID])
		mu.Lock()
		defer mu.Unlock()
		result.SubAgentCount++
		result.FilesCreated = append(result.FilesCreated, sub.FilesCreated...)
		result.FilesModified = append(result.FilesModified, sub.FilesModified...)
		if sub.Summary != "" {
			result.Summary += "\nSub-agent " + subID + ": " + sub.Summary
		}
		if !sub.Succeeded() {
			result.Summary += fmt.Sprintf("\nSub-agent %s did not complete (%s).", subID, sub.Status)
		}
	}

	if parsed.Sequential() {
		for i := range requests {
			if ctx.Err() != nil {
				return
			}
			runOne(i)
		}
		return
	}

	eg := &errgroup.Group{}
	for i := range requests {
		i := i
		eg.Go(func() error {
			runOne(i)
			return nil
		})
	}
	_ = eg.Wait()
}

// invokeSubAgent runs a single sub-task with the cheaper model.
func (e *Executor) invokeSubAgent(ctx context.Context, store *checkpoint.Store, subID string, req SubAgentRequest, timeout time.Duration) *AgentResult {
	started := time.Now()
	if _, err := store.Create(subID, checkpoint.StatusInProgress); err != nil {
		logging.ExecutorWarn("sub-agent checkpoint %s: %v", subID, err)
	}

	prompt := fmt.Sprintf("You are a focused sub-agent. Complete exactly this task and nothing else:\n\n%s\n%s",
		req.Description, responseProtocol)
	resp, err := e.invoker.Invoke(ctx, llm.Request{
		Prompt:  prompt,
		Model:   e.config.SubagentModel,
		Timeout: timeout,
		WorkDir: e.config.WorkDir,
	})
	if err != nil {
		_ = store.MarkFailed(subID, err.Error())
		return &AgentResult{AgentID: subID, UnitID: subID, Status: checkpoint.StatusFailed, Error: err.Error()}
	}

	parsed := ParseAgentResponse(resp.Text)
	status := ClassifyStatus(resp, parsed)
	sub := &AgentResult{
		AgentID: subID, UnitID: subID,
		Status:        status,
		FilesCreated:  parsed.FilesCreated,
		FilesModified: parsed.FilesModified,
		Summary:       parsed.Summary,
		Model:         e.config.SubagentModel,
		Duration:      time.Since(started),
	}
	switch status {
	case checkpoint.StatusCompleted:
		_ = store.MarkCompleted(subID, map[string]interface{}{"summary": sub.Summary})
	case checkpoint.StatusTimeout:
		_ = store.MarkTimeout(subID)
	default:
		_ = store.MarkFailed(subID, firstLine(resp.Text))
	}
	return sub
}

// buildWorkerPrompt composes the unit prompt plus the response and
// spawning protocol appendix.
func (e *Executor) buildWorkerPrompt(unit WorkUnit) string {
	var b strings.Builder
	b.WriteString("## YOUR TASK\n\n")
	if unit.Prompt != "" {
		b.WriteString(unit.Prompt)
	} else {
		b.WriteString(unit.Description)
	}
	b.WriteString("\n")
	if len(unit.Files) > 0 {
		b.WriteString("\n## ASSIGNED FILES\n\nWork only within these paths:\n")
		for _, f := range unit.Files {
			b.WriteString("- " + f + "\n")
		}
	}
	b.WriteString(responseProtocol)
	if e.config.MaxSubagentsPerAgent > 0 {
		b.WriteString(fmt.Sprintf(spawnProtocolFmt, e.config.MaxSubagentsPerAgent))
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
