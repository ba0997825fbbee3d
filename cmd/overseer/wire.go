package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"overseer/internal/analytics"
	"overseer/internal/knowledge"
	"overseer/internal/llm"
	"overseer/internal/mission"
	"overseer/internal/snapshot"
	"overseer/internal/suggest"
	"overseer/internal/transcript"
)

// missionStack is the fully wired engine: stage loop plus the
// integrations that ride along with it. Optional subsystems that fail
// to open degrade to a warning; the mission itself never depends on
// them.
type missionStack struct {
	engine    *mission.Engine
	analytics *analytics.Store
	kb        *knowledge.KnowledgeBase
	recs      *suggest.Store
	snaps     *snapshot.Manager
	snapRun   *snapshot.Runner
}

// buildStack assembles the engine and registers every integration
// handler. Dispatch order: analytics (10), snapshots (20), suggestions
// (40), knowledge (50).
func buildStack() *missionStack {
	s := &missionStack{}

	registry := mission.NewRegistry()
	invoker := llm.NewCommandInvoker(cfg.LLM)
	s.engine = mission.NewEngine(cfg, invoker, registry)

	if store, err := analytics.NewStore(cfg.AnalyticsDBPath()); err == nil {
		s.analytics = store
		registry.Register(analytics.NewStageTracker(store, cfg.LLM.WorkerModel))
	} else {
		fmt.Fprintf(os.Stderr, "Warning: analytics store unavailable: %v\n", err)
	}

	s.snaps = snapshot.NewManager(cfg.MissionStatePath(), cfg.SnapshotsDir(), cfg.Snapshot)
	registry.Register(snapshot.NewHandler(s.snaps))
	s.snapRun = snapshot.NewRunner(s.snaps, cfg.Snapshot, func() bool {
		m := s.engine.Mission()
		return m != nil && !m.Completed()
	})

	if store, err := suggest.NewStore(cfg.SuggestionsDBPath()); err == nil {
		s.recs = store
		registry.Register(suggest.NewRecommender(store))
	} else {
		fmt.Fprintf(os.Stderr, "Warning: suggestion store unavailable: %v\n", err)
	}

	if kb, err := knowledge.New(cfg, nil); err == nil {
		s.kb = kb
		registry.Register(knowledge.NewHandler(kb, cfg.Knowledge.PlanningContextEnabled))
	} else {
		fmt.Fprintf(os.Stderr, "Warning: knowledge base unavailable: %v\n", err)
	}

	return s
}

// startSnapshots launches the snapshot schedule for the lifetime of
// the command. The runner is idle whenever no mission is active, so
// one instance covers any number of queued missions.
func (s *missionStack) startSnapshots(ctx context.Context) {
	if err := s.snapRun.Start(ctx); err != nil {
		logger.Warn("snapshot runner not started", zap.Error(err))
	}
}

func (s *missionStack) stopSnapshots() {
	s.snapRun.Stop()
}

// startTranscripts tails the provider transcripts for one mission,
// feeding token usage into analytics. Returns nil when the watcher is
// disabled or analytics is unavailable.
func (s *missionStack) startTranscripts(ctx context.Context, missionID string) *transcript.Watcher {
	if !cfg.Analytics.TokenWatcherEnabled || s.analytics == nil {
		return nil
	}
	dir := filepath.Join(cfg.TranscriptsDir(), missionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("transcript dir", zap.Error(err))
		return nil
	}
	w := transcript.NewWatcher(dir, missionID, s.analytics, func() string {
		if m := s.engine.Mission(); m != nil {
			return string(m.CurrentStage)
		}
		return ""
	})
	w.SetPollInterval(cfg.Analytics.GetWatcherPollInterval())
	if err := w.Start(ctx); err != nil {
		logger.Warn("transcript watcher not started", zap.Error(err))
		return nil
	}
	return w
}

func (s *missionStack) stopTranscripts(w *transcript.Watcher) {
	if w != nil {
		w.Stop()
	}
}

// Close releases every store the stack opened.
func (s *missionStack) Close() {
	if s.kb != nil {
		_ = s.kb.Close()
	}
	if s.recs != nil {
		_ = s.recs.Close()
	}
	if s.analytics != nil {
		_ = s.analytics.Close()
	}
}
