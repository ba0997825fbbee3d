package mission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"overseer/internal/logging"
)

// Terminal statuses recorded in the mission log. Anything other than
// COMPLETE means dependent missions must not start.
const (
	StatusComplete = "COMPLETE"
	StatusHalted   = "HALTED"
	StatusFailed   = "FAILED"
	StatusAborted  = "ABORTED"
)

// Report is the final JSON artifact written when a mission ends. It is
// the queue's dependency record and the knowledge base's ingestion input.
type Report struct {
	MissionID        string         `json:"mission_id"`
	ProblemStatement string         `json:"problem_statement"`
	FinalSummary     string         `json:"final_summary"`
	ProblemDomain    string         `json:"problem_domain,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	FinalStage       Stage          `json:"final_stage"`
	FinalStatus      string         `json:"final_status"`
	TotalCycles      int            `json:"total_cycles"`
	Cycles           []CycleSummary `json:"cycles"`
	Deliverables     []string       `json:"deliverables,omitempty"`
	History          []HistoryEntry `json:"history,omitempty"`
	HaltReason       string         `json:"halt_reason,omitempty"`
}

// Satisfied reports whether the mission ended in a state a dependent
// mission can build on.
func (r *Report) Satisfied() bool {
	if r.FinalStatus != "" {
		return r.FinalStatus == StatusComplete
	}
	return r.FinalStage == StageComplete && r.HaltReason == ""
}

// BuildReport assembles the report from the mission record.
func BuildReport(m *Mission) *Report {
	status := StatusComplete
	if m.HaltReason != "" {
		status = StatusHalted
	}
	return &Report{
		MissionID:        m.MissionID,
		ProblemStatement: m.ProblemStatement,
		FinalSummary:     m.FinalSummary,
		StartedAt:        m.CreatedAt,
		CompletedAt:      time.Now().UTC(),
		FinalStage:       m.CurrentStage,
		FinalStatus:      status,
		TotalCycles:      len(m.Cycles),
		Cycles:           m.Cycles,
		Deliverables:     m.Deliverables,
		History:          m.History,
		HaltReason:       m.HaltReason,
	}
}

// ReportPath is where a mission's final report lives.
func ReportPath(workspace string) string {
	return filepath.Join(workspace, "artifacts", "mission_report.json")
}

// WriteReport builds and persists the final report.
func WriteReport(m *Mission) (*Report, error) {
	return PersistReport(m.MissionWorkspace, BuildReport(m))
}

// PersistReport writes an already-built report into the workspace
// artifacts directory. Callers that override the derived status
// (operator aborts) build the report themselves first.
func PersistReport(workspace string, report *Report) (*Report, error) {
	path := ReportPath(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	logging.Mission("final report written: %s (%d cycles)", path, report.TotalCycles)
	return report, nil
}

// LoadReport reads a previously written report.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
