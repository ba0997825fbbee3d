package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"overseer/internal/queue"
	"overseer/internal/suggest"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Review and promote mission suggestions",
	Long: `Work the recommendation backlog.

Completed missions leave follow-up suggestions behind, and drift halts
leave continuation suggestions carrying the halt context. Listing shows
the backlog ordered by priority score; promote turns a suggestion into a
queued mission and removes the row.`,
	Example: `  overseer suggest list
  overseer suggest list --source drift_halt
  overseer suggest promote rec_1a2b3c4d
  overseer suggest drop rec_1a2b3c4d rec_5e6f7a8b`,
}

var suggestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored suggestions by priority",
	Args:  cobra.NoArgs,
	RunE:  runSuggestList,
}

var suggestPromoteCmd = &cobra.Command{
	Use:   "promote [suggestion-id]",
	Short: "Queue a suggestion as a mission",
	Long: `Promote moves a suggestion onto the mission queue and deletes the
suggestion row. The queued item inherits the suggested cycle budget, and
drift continuations are queued HIGH so interrupted work resumes ahead of
the routine backlog.`,
	Args: cobra.ExactArgs(1),
	RunE: runSuggestPromote,
}

var suggestDropCmd = &cobra.Command{
	Use:   "drop [suggestion-id...]",
	Short: "Delete suggestions without queueing them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSuggestDrop,
}

var (
	suggestSource string
	suggestHealth string
	suggestLimit  int
)

func init() {
	suggestListCmd.Flags().StringVar(&suggestSource, "source", "", "filter by source type (drift_halt, successful_completion, merged, manual)")
	suggestListCmd.Flags().StringVar(&suggestHealth, "health", "", "filter by health status (healthy, stale, orphaned, needs_review, hot)")
	suggestListCmd.Flags().IntVar(&suggestLimit, "limit", 20, "maximum suggestions to show")

	suggestCmd.AddCommand(suggestListCmd)
	suggestCmd.AddCommand(suggestPromoteCmd)
	suggestCmd.AddCommand(suggestDropCmd)
}

func openSuggestions() (*suggest.Store, error) {
	return suggest.NewStore(cfg.SuggestionsDBPath())
}

func runSuggestList(cmd *cobra.Command, args []string) error {
	store, err := openSuggestions()
	if err != nil {
		return opFailed("open suggestion store: %v", err)
	}
	defer store.Close()

	rows, err := store.GetFiltered(suggest.Filter{
		SourceType:   suggestSource,
		HealthStatus: suggestHealth,
		Limit:        suggestLimit,
	})
	if err != nil {
		return opFailed("list suggestions: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("No suggestions stored.")
		return nil
	}

	fmt.Printf("Suggestions (%d):\n", len(rows))
	for _, sg := range rows {
		fmt.Printf("  %s  [%5.1f] %-12s %s\n", sg.ID, sg.PriorityScore, sg.HealthStatus, sg.MissionTitle)
		fmt.Printf("      %s\n", truncateLine(sg.MissionDescription, 100))
		detail := fmt.Sprintf("source: %s, cycles: %d", sg.SourceType, sg.SuggestedCycles)
		if sg.SourceMissionID != "" {
			detail += ", from mission " + sg.SourceMissionID
		}
		if len(sg.MergedFrom) > 0 {
			detail += fmt.Sprintf(", merged from %d", len(sg.MergedFrom))
		}
		fmt.Printf("      %s\n", detail)
	}
	return nil
}

func runSuggestPromote(cmd *cobra.Command, args []string) error {
	store, err := openSuggestions()
	if err != nil {
		return opFailed("open suggestion store: %v", err)
	}
	defer store.Close()

	sg, err := store.Get(args[0])
	if err != nil {
		return opFailed("load suggestion: %v", err)
	}

	priority := queue.PriorityNormal
	if sg.SourceType == suggest.SourceDriftHalt {
		priority = queue.PriorityHigh
	}
	description := sg.MissionDescription
	if sg.DriftContext != "" {
		description += "\n\nContext from the halted mission:\n" + sg.DriftContext
	}

	// The source mission is deliberately not a depends_on link: a drift
	// continuation's source ended HALTED, which the dependency check
	// would treat as permanently blocked.
	item, err := newScheduler().Add(queue.QueueItem{
		MissionTitle:       sg.MissionTitle,
		MissionDescription: description,
		CycleBudget:        sg.SuggestedCycles,
		Priority:           priority,
		Tags:               sg.AutoTags,
	})
	if err != nil {
		return opFailed("queue suggestion: %v", err)
	}
	if err := store.Delete(sg.ID); err != nil {
		fmt.Printf("⚠ Queued as %s but could not delete suggestion: %v\n", item.ID, err)
		return nil
	}

	fmt.Printf("✓ Promoted %s -> queue item %s (%s)\n", sg.ID, item.ID, item.Priority)
	fmt.Printf("  %s\n", item.MissionTitle)
	return nil
}

func runSuggestDrop(cmd *cobra.Command, args []string) error {
	store, err := openSuggestions()
	if err != nil {
		return opFailed("open suggestion store: %v", err)
	}
	defer store.Close()

	n, err := store.DeleteMany(args)
	if err != nil {
		return opFailed("delete suggestions: %v", err)
	}
	fmt.Printf("✓ Deleted %d suggestion(s): %s\n", n, strings.Join(args, ", "))
	return nil
}
