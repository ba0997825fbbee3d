package analytics

import (
	"context"

	"overseer/internal/logging"
	"overseer/internal/mission"
)

// StageTracker mirrors the engine's stage lifecycle into the analytics
// store: a mission row on first sight, one stage row per attempt, and
// the final totals at completion.
type StageTracker struct {
	mission.BaseHandler
	store *Store
	model string
}

// NewStageTracker wires the analytics store into the stage engine.
// model is recorded on stage rows so cost estimates survive even when
// no token event ever names the model.
func NewStageTracker(store *Store, model string) *StageTracker {
	return &StageTracker{store: store, model: model}
}

func (t *StageTracker) Name() string { return "analytics" }

// Priority 10: analytics rows must exist before later handlers (and
// the transcript watcher) start attributing usage to them.
func (t *StageTracker) Priority() int { return 10 }

func (t *StageTracker) OnStageStarted(ctx context.Context, m *mission.Mission, stage mission.Stage) error {
	if err := t.store.StartMission(m.MissionID, m.ProblemStatement, m.CreatedAt); err != nil {
		return err
	}
	_, err := t.store.StartStage(m.MissionID, string(stage), m.Iteration, m.CurrentCycle, t.model)
	return err
}

func (t *StageTracker) OnStageEnded(ctx context.Context, m *mission.Mission, outcome *mission.StageOutcome) error {
	return t.store.EndStage(m.MissionID, string(outcome.Stage))
}

func (t *StageTracker) OnMissionCompleted(ctx context.Context, m *mission.Mission, report *mission.Report) error {
	if err := t.store.EndMission(m.MissionID, report.FinalStatus); err != nil {
		return err
	}
	if totals, err := t.store.MissionTotals(m.MissionID); err == nil {
		logging.Analytics("mission %s final: %d tokens, $%.4f across %d cycles",
			m.MissionID, totals.Usage.Total(), totals.CostUSD, report.TotalCycles)
	}
	return nil
}
