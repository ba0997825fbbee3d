// Package mission owns the mission record and the stage state machine
// that advances it from PLANNING to COMPLETE. The engine is the single
// writer of mission state; everything else reads.
package mission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is one node of the mission state machine.
type Stage string

const (
	StagePlanning  Stage = "PLANNING"
	StageBuilding  Stage = "BUILDING"
	StageTesting   Stage = "TESTING"
	StageAnalyzing Stage = "ANALYZING"
	StageCycleEnd  Stage = "CYCLE_END"
	StageComplete  Stage = "COMPLETE"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePlanning, StageBuilding, StageTesting, StageAnalyzing, StageCycleEnd, StageComplete:
		return true
	}
	return false
}

// HistoryEntry is one line of the mission's append-only history.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
	Entry     string    `json:"entry"`
	Details   string    `json:"details,omitempty"`
}

// CycleSummary captures what one completed cycle accomplished.
type CycleSummary struct {
	Cycle              int      `json:"cycle"`
	Summary            string   `json:"summary"`
	Achievements       []string `json:"achievements,omitempty"`
	Issues             []string `json:"issues,omitempty"`
	ContinuationPrompt string   `json:"continuation_prompt,omitempty"`
}

// Mission is the persistent record the stage engine drives.
type Mission struct {
	MissionID        string         `json:"mission_id"`
	ProblemStatement string         `json:"problem_statement"`
	CurrentStage     Stage          `json:"current_stage"`
	CurrentCycle     int            `json:"current_cycle"`
	Iteration        int            `json:"iteration"`
	CycleBudget      int            `json:"cycle_budget"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdated      time.Time      `json:"last_updated"`
	MissionWorkspace string         `json:"mission_workspace"`
	History          []HistoryEntry `json:"history"`
	Cycles           []CycleSummary `json:"cycles"`
	OriginalMission  string         `json:"original_mission"`
	FinalSummary     string         `json:"final_summary,omitempty"`
	Deliverables     []string       `json:"deliverables,omitempty"`
	HaltReason       string         `json:"halt_reason,omitempty"`
}

// NewMission creates a mission at PLANNING, cycle 1. The problem
// statement is copied verbatim into the immutable original_mission.
func NewMission(problemStatement string, cycleBudget int, workspace string) *Mission {
	now := time.Now().UTC()
	return &Mission{
		MissionID:        uuid.New().String()[:8],
		ProblemStatement: problemStatement,
		CurrentStage:     StagePlanning,
		CurrentCycle:     1,
		Iteration:        0,
		CycleBudget:      cycleBudget,
		CreatedAt:        now,
		LastUpdated:      now,
		MissionWorkspace: workspace,
		OriginalMission:  problemStatement,
	}
}

// AddHistory appends one entry and refreshes last_updated.
func (m *Mission) AddHistory(stage Stage, entry, details string) {
	m.History = append(m.History, HistoryEntry{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Entry:     entry,
		Details:   details,
	})
	m.LastUpdated = time.Now().UTC()
}

// Completed reports whether the mission reached its terminal stage.
func (m *Mission) Completed() bool {
	return m.CurrentStage == StageComplete
}

// Validate checks the structural invariants of the record.
func (m *Mission) Validate() error {
	if m.MissionID == "" {
		return fmt.Errorf("mission_id is empty")
	}
	if !m.CurrentStage.Valid() {
		return fmt.Errorf("unknown stage %q", m.CurrentStage)
	}
	if m.CycleBudget < 1 || m.CycleBudget > 10 {
		return fmt.Errorf("cycle_budget %d outside 1..10", m.CycleBudget)
	}
	if m.CurrentCycle < 1 {
		return fmt.Errorf("current_cycle %d must be 1-indexed", m.CurrentCycle)
	}
	// One rollover cycle is allowed so CYCLE_END can finish its bookkeeping.
	if m.CurrentCycle > m.CycleBudget+1 {
		return fmt.Errorf("current_cycle %d exceeds cycle_budget %d + 1", m.CurrentCycle, m.CycleBudget)
	}
	if m.OriginalMission == "" {
		return fmt.Errorf("original_mission is empty")
	}
	return nil
}
