package snapshot

import (
	"context"
	"strings"

	"overseer/internal/mission"
)

// Handler snapshots the mission state at stage boundaries, so every
// hourly snapshot has a recent stage-aligned sibling to restore to.
type Handler struct {
	mission.BaseHandler
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) Name() string { return "snapshots" }

// Priority runs right after analytics so the snapshot captures the
// stage bookkeeping the earlier handlers just wrote.
func (h *Handler) Priority() int { return 20 }

func (h *Handler) OnStageEnded(ctx context.Context, m *mission.Mission, outcome *mission.StageOutcome) error {
	_, err := h.manager.Create("stage_" + strings.ToLower(string(outcome.Stage)) + "_end")
	return err
}

func (h *Handler) OnMissionCompleted(ctx context.Context, m *mission.Mission, report *mission.Report) error {
	_, err := h.manager.Create("mission_complete")
	return err
}
