// Audit logging for orchestration events. Audit entries are JSON lines
// written to <home>/logs/<date>_audit.log so operators can reconstruct
// what the scheduler, engine, and executor did and when.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType identifies the kind of orchestration event
type AuditEventType string

const (
	// Mission lifecycle
	AuditMissionStart    AuditEventType = "mission_start"
	AuditMissionComplete AuditEventType = "mission_complete"
	AuditMissionHalt     AuditEventType = "mission_halt"
	AuditMissionRecover  AuditEventType = "mission_recover"

	// Stage transitions
	AuditStageStart AuditEventType = "stage_start"
	AuditStageEnd   AuditEventType = "stage_end"
	AuditCycleEnd   AuditEventType = "cycle_end"

	// Queue operations
	AuditQueueAdd     AuditEventType = "queue_add"
	AuditQueueRemove  AuditEventType = "queue_remove"
	AuditQueueAdvance AuditEventType = "queue_advance"
	AuditQueueBlocked AuditEventType = "queue_blocked"
	AuditQueuePause   AuditEventType = "queue_pause"
	AuditQueueResume  AuditEventType = "queue_resume"

	// Processing lock
	AuditLockAcquired   AuditEventType = "lock_acquired"
	AuditLockReleased   AuditEventType = "lock_released"
	AuditLockStaleBreak AuditEventType = "lock_stale_break"

	// Executor agents
	AuditAgentSpawn    AuditEventType = "agent_spawn"
	AuditAgentComplete AuditEventType = "agent_complete"
	AuditAgentFailed   AuditEventType = "agent_failed"
	AuditAgentTimeout  AuditEventType = "agent_timeout"

	// LLM invocations
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Snapshots
	AuditSnapshotCreated  AuditEventType = "snapshot_created"
	AuditSnapshotRestored AuditEventType = "snapshot_restored"
	AuditSnapshotEvicted  AuditEventType = "snapshot_evicted"
	AuditSnapshotStale    AuditEventType = "snapshot_stale"

	// Analytics and knowledge
	AuditTokenEvent       AuditEventType = "token_event"
	AuditLearningIngested AuditEventType = "learning_ingested"
	AuditSuggestionSaved  AuditEventType = "suggestion_saved"

	// Errors
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"

	// Performance
	AuditPerfMetric AuditEventType = "perf_metric"
	AuditPerfSlow   AuditEventType = "perf_slow"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is a structured audit log entry
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType         `json:"event"`   //
	Category   string                 `json:"cat"`     // Log category
	MissionID  string                 `json:"mission"` // Mission correlation
	Stage      string                 `json:"stage"`   // Stage if applicable
	AgentID    string                 `json:"agent"`   // Agent ID if applicable
	Target     string                 `json:"target"`  // Target of operation
	Action     string                 `json:"action"`  // Action being performed
	Success    bool                   `json:"success"` // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`  // Duration in milliseconds
	Error      string                 `json:"error"`   // Error message if failed
	Message    string                 `json:"msg"`     // Human-readable message
	Fields     map[string]interface{} `json:"fields"`  // Additional structured fields
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging
type AuditLogger struct {
	missionID string
	category  Category
	agentID   string
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: one JSON event per line\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithMission creates an audit logger scoped to a mission
func AuditWithMission(missionID string) *AuditLogger {
	return &AuditLogger{missionID: missionID}
}

// AuditWithAgent creates an audit logger scoped to an executor agent
func AuditWithAgent(agentID string) *AuditLogger {
	return &AuditLogger{agentID: agentID}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(missionID, agentID string, category Category) *AuditLogger {
	return &AuditLogger{
		missionID: missionID,
		agentID:   agentID,
		category:  category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.MissionID == "" && a.missionID != "" {
		event.MissionID = a.missionID
	}
	if event.AgentID == "" && a.agentID != "" {
		event.AgentID = a.agentID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// MissionStart logs the start of a mission
func (a *AuditLogger) MissionStart(missionID, title string) {
	a.Log(AuditEvent{
		EventType: AuditMissionStart,
		MissionID: missionID,
		Target:    title,
		Success:   true,
		Message:   fmt.Sprintf("Mission started: %s (%s)", missionID, title),
	})
}

// MissionComplete logs mission completion
func (a *AuditLogger) MissionComplete(missionID string, cycles int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditMissionComplete,
		MissionID:  missionID,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"cycles": cycles},
		Message:    fmt.Sprintf("Mission completed: %s (%d cycles, %dms)", missionID, cycles, durationMs),
	})
}

// MissionHalt logs a mission halt with its reason
func (a *AuditLogger) MissionHalt(missionID, reason string) {
	a.Log(AuditEvent{
		EventType: AuditMissionHalt,
		MissionID: missionID,
		Success:   false,
		Error:     reason,
		Message:   fmt.Sprintf("Mission halted: %s (%s)", missionID, reason),
	})
}

// StageStart logs a stage entry
func (a *AuditLogger) StageStart(missionID, stage string, cycle int) {
	a.Log(AuditEvent{
		EventType: AuditStageStart,
		MissionID: missionID,
		Stage:     stage,
		Success:   true,
		Fields:    map[string]interface{}{"cycle": cycle},
		Message:   fmt.Sprintf("Stage started: %s cycle=%d mission=%s", stage, cycle, missionID),
	})
}

// StageEnd logs a stage exit
func (a *AuditLogger) StageEnd(missionID, stage string, durationMs int64, success bool) {
	a.Log(AuditEvent{
		EventType:  AuditStageEnd,
		MissionID:  missionID,
		Stage:      stage,
		Success:    success,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Stage ended: %s mission=%s (%dms, success=%v)", stage, missionID, durationMs, success),
	})
}

// QueueAdvance logs a queue advancement
func (a *AuditLogger) QueueAdvance(itemID, missionID string) {
	a.Log(AuditEvent{
		EventType: AuditQueueAdvance,
		MissionID: missionID,
		Target:    itemID,
		Success:   true,
		Message:   fmt.Sprintf("Queue advanced: item=%s -> mission=%s", itemID, missionID),
	})
}

// QueueBlocked logs a dependency-blocked queue item
func (a *AuditLogger) QueueBlocked(itemID, dependsOn, status string) {
	a.Log(AuditEvent{
		EventType: AuditQueueBlocked,
		Target:    itemID,
		Success:   false,
		Fields:    map[string]interface{}{"depends_on": dependsOn, "dependency_status": status},
		Message:   fmt.Sprintf("Queue item blocked: %s depends_on=%s (%s)", itemID, dependsOn, status),
	})
}

// LockEvent logs a processing-lock acquire/release/stale-break
func (a *AuditLogger) LockEvent(eventType AuditEventType, source, missionID string, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		MissionID: missionID,
		Action:    source,
		Success:   success,
		Message:   fmt.Sprintf("Lock %s: source=%s mission=%s success=%v", eventType, source, missionID, success),
	})
}

// AgentSpawn logs an executor agent spawn
func (a *AuditLogger) AgentSpawn(agentID, unitID string) {
	a.Log(AuditEvent{
		EventType: AuditAgentSpawn,
		AgentID:   agentID,
		Target:    unitID,
		Success:   true,
		Message:   fmt.Sprintf("Agent spawned: %s -> %s", agentID, unitID),
	})
}

// AgentEnd logs an executor agent reaching a terminal status
func (a *AuditLogger) AgentEnd(agentID, status string, durationMs int64, errMsg string) {
	eventType := AuditAgentComplete
	success := true
	switch status {
	case "FAILED":
		eventType = AuditAgentFailed
		success = false
	case "TIMEOUT":
		eventType = AuditAgentTimeout
		success = false
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		AgentID:    agentID,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Agent ended: %s status=%s (%dms)", agentID, status, durationMs),
	})
}

// LLMCall logs an LLM invocation
func (a *AuditLogger) LLMCall(model string, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("LLM call: %s (%dms, success=%v)", model, durationMs, success),
	})
}

// SnapshotEvent logs snapshot create/restore/evict
func (a *AuditLogger) SnapshotEvent(eventType AuditEventType, missionID, snapshotID string, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		MissionID: missionID,
		Target:    snapshotID,
		Success:   success,
		Message:   fmt.Sprintf("Snapshot %s: %s mission=%s success=%v", eventType, snapshotID, missionID, success),
	})
}

// TokenEvent logs an analytics token-event ingest
func (a *AuditLogger) TokenEvent(missionID, stage, requestID string, inserted bool) {
	a.Log(AuditEvent{
		EventType: AuditTokenEvent,
		MissionID: missionID,
		Stage:     stage,
		Target:    requestID,
		Success:   inserted,
		Message:   fmt.Sprintf("Token event: mission=%s stage=%s req=%s inserted=%v", missionID, stage, requestID, inserted),
	})
}

// LearningIngested logs a knowledge-base learning ingest
func (a *AuditLogger) LearningIngested(missionID, learningID, learningType string) {
	a.Log(AuditEvent{
		EventType: AuditLearningIngested,
		MissionID: missionID,
		Target:    learningID,
		Success:   true,
		Fields:    map[string]interface{}{"learning_type": learningType},
		Message:   fmt.Sprintf("Learning ingested: %s type=%s mission=%s", learningID, learningType, missionID),
	})
}

// SuggestionSaved logs a suggestion-store write
func (a *AuditLogger) SuggestionSaved(suggestionID, sourceType string) {
	a.Log(AuditEvent{
		EventType: AuditSuggestionSaved,
		Target:    suggestionID,
		Success:   true,
		Fields:    map[string]interface{}{"source_type": sourceType},
		Message:   fmt.Sprintf("Suggestion saved: %s source=%s", suggestionID, sourceType),
	})
}

// Error logs an error event
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}

// PerfMetric logs a performance metric
func (a *AuditLogger) PerfMetric(operation string, durationMs int64, threshold int64) {
	eventType := AuditPerfMetric
	success := true
	if threshold > 0 && durationMs > threshold {
		eventType = AuditPerfSlow
		success = false
	}
	fields := map[string]interface{}{}
	if threshold > 0 {
		fields["threshold_ms"] = threshold
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     operation,
		DurationMs: durationMs,
		Success:    success,
		Fields:     fields,
		Message:    fmt.Sprintf("Perf: %s took %dms (threshold=%dms)", operation, durationMs, threshold),
	})
}
