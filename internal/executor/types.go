// Package executor runs mission work units as a bounded pool of LLM
// worker agents, each of which may spawn a further layer of sub-agents.
// Checkpoint records on disk are the ground truth for agent state; the
// aggregator folds per-agent results into one merged report.
package executor

import (
	"time"

	"overseer/internal/checkpoint"
)

// SplitStrategy names how a mission was divided into work units.
type SplitStrategy string

const (
	StrategyAuto          SplitStrategy = "AUTO"
	StrategyTaskBased     SplitStrategy = "TASK_BASED"
	StrategyFileBased     SplitStrategy = "FILE_BASED"
	StrategySectionBased  SplitStrategy = "SECTION_BASED"
	StrategyApproachBased SplitStrategy = "APPROACH_BASED"
	StrategyPhaseBased    SplitStrategy = "PHASE_BASED"
	StrategySingle        SplitStrategy = "SINGLE"
)

// EstimateComplexity maps a word count onto the 1..10 scale. The steps
// are monotone: more words never yields a lower estimate.
func EstimateComplexity(wordCount int) int {
	switch {
	case wordCount <= 10:
		return 1
	case wordCount <= 25:
		return 2
	case wordCount <= 50:
		return 3
	case wordCount <= 80:
		return 4
	case wordCount <= 120:
		return 5
	case wordCount <= 180:
		return 6
	case wordCount <= 260:
		return 7
	case wordCount <= 360:
		return 8
	case wordCount <= 500:
		return 9
	default:
		return 10
	}
}

// WorkUnit is one independently executable slice of a mission.
type WorkUnit struct {
	ID                  string            `json:"id"`
	Description         string            `json:"description"`
	Prompt              string            `json:"prompt,omitempty"`
	Dependencies        []string          `json:"dependencies,omitempty"`
	EstimatedComplexity int               `json:"estimated_complexity"`
	Files               []string          `json:"files,omitempty"`
	Strategy            SplitStrategy     `json:"strategy,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Config carries everything one Run needs.
type Config struct {
	MissionID            string
	WorkDir              string
	TotalTimeout         time.Duration
	MaxAgents            int
	MaxSubagentsPerAgent int
	WorkerModel          string
	SubagentModel        string
	ReserveRatio         float64
	PollInterval         time.Duration
}

// AgentResult is the final outcome of one worker agent, with any
// sub-agent contributions already folded in.
type AgentResult struct {
	AgentID       string            `json:"agent_id"`
	UnitID        string            `json:"unit_id"`
	Status        checkpoint.Status `json:"status"`
	FilesCreated  []string          `json:"files_created,omitempty"`
	FilesModified []string          `json:"files_modified,omitempty"`
	Summary       string            `json:"summary"`
	Error         string            `json:"error,omitempty"`
	Model         string            `json:"model,omitempty"`
	Duration      time.Duration     `json:"duration_ns"`
	SubAgentCount int               `json:"subagent_count,omitempty"`
}

// Succeeded reports whether the agent finished cleanly.
func (r *AgentResult) Succeeded() bool {
	return r.Status == checkpoint.StatusCompleted
}

// ProgressFunc receives (terminal, total) agent counts during a run.
type ProgressFunc func(done, total int)
