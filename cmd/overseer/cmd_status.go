package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"overseer/internal/analytics"
	"overseer/internal/atomicfile"
	"overseer/internal/knowledge"
	"overseer/internal/mission"
	"overseer/internal/queue"
	"overseer/internal/snapshot"
	"overseer/internal/suggest"
)

// statusCmd shows system status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show overseer system status",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("overseer System Status")
	fmt.Println("======================")
	fmt.Printf("Version: %s\n", cfg.Version)
	fmt.Printf("Home:    %s\n", cfg.Home)
	fmt.Printf("Provider: %s (worker=%s, subagent=%s)\n",
		cfg.LLM.Provider, cfg.LLM.WorkerModel, cfg.LLM.SubagentModel)
	fmt.Println()

	showMissionStatus()
	showQueueStatus()
	showSnapshotStatus()
	showDataStatus()
	return nil
}

func showMissionStatus() {
	var m mission.Mission
	if err := atomicfile.ReadJSON(cfg.MissionStatePath(), &m); err != nil || m.MissionID == "" {
		fmt.Println("✗ No active mission")
		fmt.Println()
		return
	}

	if m.Completed() {
		fmt.Printf("✓ Mission %s: COMPLETE (%d cycles)\n", m.MissionID, len(m.Cycles))
	} else {
		fmt.Printf("✓ Mission %s: %s, cycle %d/%d, iteration %d\n",
			m.MissionID, m.CurrentStage, m.CurrentCycle, m.CycleBudget, m.Iteration)
	}
	fmt.Printf("  Problem:  %s\n", truncateLine(m.ProblemStatement, 70))
	fmt.Printf("  Updated:  %s (%s ago)\n",
		m.LastUpdated.Format(time.RFC3339), time.Since(m.LastUpdated).Round(time.Second))
	if m.HaltReason != "" {
		fmt.Printf("  Halted:   %s\n", m.HaltReason)
	}

	// Token usage for the live mission, when analytics has it.
	if store, err := analytics.NewStore(cfg.AnalyticsDBPath()); err == nil {
		defer store.Close()
		if totals, err := store.MissionTotals(m.MissionID); err == nil {
			fmt.Printf("  Usage:    %d tokens, $%.4f\n", totals.Usage.Total(), totals.CostUSD)
		}
	}
	fmt.Println()
}

func showQueueStatus() {
	sched := queue.NewScheduler(cfg, queue.NewDependencyStore(cfg))
	stats, err := sched.Statistics()
	if err != nil {
		fmt.Printf("✗ Queue unreadable: %v\n\n", err)
		return
	}

	state := "enabled"
	if !stats.Enabled {
		state = "disabled"
	}
	if stats.Paused {
		state = "paused"
		if stats.PauseReason != "" {
			state += " (" + stats.PauseReason + ")"
		}
	}
	fmt.Printf("✓ Queue: %d items, %s\n", stats.TotalItems, state)
	if stats.TotalItems > 0 {
		fmt.Printf("  Ready now: %d, blocked: %d, backlog ~%s\n",
			stats.ReadyNow, stats.Blocked,
			(time.Duration(stats.EstimatedBacklogMinutes) * time.Minute).String())
	}
	if stats.NextItemID != "" {
		fmt.Printf("  Next: %s\n", stats.NextItemID)
	}
	fmt.Println()
}

func showSnapshotStatus() {
	mgr := snapshot.NewManager(cfg.MissionStatePath(), cfg.SnapshotsDir(), cfg.Snapshot)
	all, err := mgr.List()
	if err != nil {
		fmt.Printf("✗ Snapshots unreadable: %v\n\n", err)
		return
	}
	if len(all) == 0 {
		fmt.Println("✗ No snapshots")
		fmt.Println()
		return
	}
	newest := all[0]
	age := time.Since(newest.Timestamp).Round(time.Second)
	marker := "✓"
	if age > cfg.Snapshot.GetStaleAfter() {
		marker = "✗"
	}
	fmt.Printf("%s Snapshots: %d stored, newest %s ago (%s)\n", marker, len(all), age, newest.SnapshotID)
	fmt.Println()
}

func showDataStatus() {
	if kb, err := knowledge.New(cfg, nil); err == nil {
		learnings, _ := kb.Store().CountLearnings()
		missions, _ := kb.Store().CountMissions()
		fmt.Printf("✓ Knowledge base: %d learnings from %d missions\n", learnings, missions)
		kb.Close()
	} else {
		fmt.Fprintf(os.Stderr, "✗ Knowledge base: %v\n", err)
	}

	if recs, err := suggest.NewStore(cfg.SuggestionsDBPath()); err == nil {
		if n, err := recs.Count(); err == nil {
			fmt.Printf("✓ Suggestions: %d pending\n", n)
		}
		recs.Close()
	} else {
		fmt.Fprintf(os.Stderr, "✗ Suggestion store: %v\n", err)
	}
}
