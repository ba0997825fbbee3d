package knowledge

import (
	"context"

	"overseer/internal/logging"
	"overseer/internal/mission"
)

// Handler wires the knowledge base into the mission engine: planning
// prompts get past-mission context, completed missions get ingested.
type Handler struct {
	mission.BaseHandler
	kb              *KnowledgeBase
	planningContext bool
}

// NewHandler builds the integration. planningContext controls whether
// PLANNING prompts are enriched; ingestion always runs.
func NewHandler(kb *KnowledgeBase, planningContext bool) *Handler {
	return &Handler{kb: kb, planningContext: planningContext}
}

func (h *Handler) Name() string { return "knowledge" }

// Priority runs after the suggestion recorder so a mission's own
// follow-up exists before its learnings do.
func (h *Handler) Priority() int { return 50 }

func (h *Handler) OnPromptGenerated(ctx context.Context, m *mission.Mission, stage mission.Stage, prompt string) (string, error) {
	if stage != mission.StagePlanning || !h.planningContext {
		return "", nil
	}
	block, err := h.kb.GeneratePlanningContext(m.ProblemStatement)
	if err != nil {
		return "", err
	}
	if block != "" {
		logging.Knowledge("planning context injected for %s (%d bytes)", m.MissionID, len(block))
	}
	return block, nil
}

func (h *Handler) OnMissionCompleted(ctx context.Context, m *mission.Mission, report *mission.Report) error {
	n, err := h.kb.IngestCompletedMission(mission.ReportPath(m.MissionWorkspace))
	if err != nil {
		return err
	}
	logging.KnowledgeDebug("mission %s yielded %d learnings", m.MissionID, n)
	return nil
}
