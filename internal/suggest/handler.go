package suggest

import (
	"context"
	"fmt"
	"strings"

	"overseer/internal/logging"
	"overseer/internal/mission"
)

// Recommender turns mission endings into suggestion rows: a completed
// mission's continuation prompt becomes a follow-up recommendation, a
// drift halt becomes a drift_halt row carrying the halt context.
type Recommender struct {
	mission.BaseHandler
	store *Store
}

func NewRecommender(store *Store) *Recommender {
	return &Recommender{store: store}
}

func (r *Recommender) Name() string { return "suggestions" }

// Priority 40: after analytics closes the books, before KB ingestion
// reads the report.
func (r *Recommender) Priority() int { return 40 }

func (r *Recommender) OnMissionCompleted(ctx context.Context, m *mission.Mission, report *mission.Report) error {
	switch report.FinalStatus {
	case mission.StatusComplete:
		return r.saveCompletion(report)
	case mission.StatusHalted:
		if report.HaltReason == "" {
			return nil
		}
		return r.saveDriftHalt(report)
	default:
		return nil
	}
}

func (r *Recommender) saveCompletion(report *mission.Report) error {
	description := continuationFrom(report)
	if description == "" {
		logging.StoreDebug("mission %s left no continuation, skipping recommendation", report.MissionID)
		return nil
	}

	sg, err := r.store.Add(Suggestion{
		MissionTitle:         "Follow-up: " + headline(report.ProblemStatement),
		MissionDescription:   description,
		SourceMissionID:      report.MissionID,
		SourceMissionSummary: report.FinalSummary,
		Rationale:            fmt.Sprintf("Mission %s completed after %d cycle(s) and proposed this continuation.", report.MissionID, report.TotalCycles),
		SourceType:           SourceCompletion,
		AutoTags:             []string{"follow-up"},
	})
	if err != nil {
		return fmt.Errorf("save completion recommendation: %w", err)
	}
	logging.Store("recommendation %s saved from completed mission %s", sg.ID, report.MissionID)
	return nil
}

func (r *Recommender) saveDriftHalt(report *mission.Report) error {
	description := continuationFrom(report)
	if description == "" {
		description = report.ProblemStatement
	}

	sg, err := r.store.Add(Suggestion{
		MissionTitle:         "Resume after drift: " + headline(report.ProblemStatement),
		MissionDescription:   description,
		SourceMissionID:      report.MissionID,
		SourceMissionSummary: report.FinalSummary,
		Rationale:            fmt.Sprintf("Mission %s halted on drift after %d cycle(s); the remaining scope needs a fresh mission.", report.MissionID, report.TotalCycles),
		SourceType:           SourceDriftHalt,
		HealthStatus:         HealthNeedsReview,
		DriftContext:         report.HaltReason,
		AutoTags:             []string{"drift", "recovery"},
	})
	if err != nil {
		return fmt.Errorf("save drift_halt suggestion: %w", err)
	}
	logging.Store("drift_halt suggestion %s saved for halted mission %s", sg.ID, report.MissionID)
	return nil
}

// continuationFrom prefers the last cycle's continuation prompt, then
// the final summary.
func continuationFrom(report *mission.Report) string {
	for i := len(report.Cycles) - 1; i >= 0; i-- {
		if p := strings.TrimSpace(report.Cycles[i].ContinuationPrompt); p != "" {
			return p
		}
	}
	return strings.TrimSpace(report.FinalSummary)
}

// headline reduces a problem statement to a title-sized first line.
func headline(statement string) string {
	line := strings.TrimSpace(statement)
	if idx := strings.IndexAny(line, "\n."); idx > 0 {
		line = line[:idx]
	}
	if len(line) > 80 {
		line = strings.TrimSpace(line[:77]) + "..."
	}
	if line == "" {
		line = "previous mission"
	}
	return line
}
