package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"overseer/internal/knowledge"
)

// kbCmd is the parent command for knowledge base operations
var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Query and maintain the knowledge base",
	Long: `The knowledge base stores learnings distilled from completed missions
and investigation artifacts. Retrieval blends TF-IDF similarity with
domain match, outcome, and recency; PLANNING prompts consume the same
ranking.

Examples:
  overseer kb query "speed up sqlite bulk ingestion"
  overseer kb query "flaky tests" --type gotcha --top 10
  overseer kb ingest ~/.overseer/workspaces/mission_ab12cd34/artifacts/mission_report.json
  overseer kb stats`,
}

var kbQueryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Retrieve learnings relevant to a problem",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKBQuery,
}

var kbIngestCmd = &cobra.Command{
	Use:   "ingest [report.json | investigation-dir]",
	Short: "Ingest a mission report or investigation directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runKBIngest,
}

var kbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base size and topic clusters",
	Args:  cobra.NoArgs,
	RunE:  runKBStats,
}

var (
	kbTopK       int
	kbTypeFilter string
	kbSrcFilter  string
	kbVerbose    bool
)

func init() {
	kbQueryCmd.Flags().IntVar(&kbTopK, "top", 5, "Number of learnings to return")
	kbQueryCmd.Flags().StringVar(&kbTypeFilter, "type", "", "Filter by learning type (technique, insight, gotcha, ...)")
	kbQueryCmd.Flags().StringVar(&kbSrcFilter, "source", "", "Filter by source type (mission, investigation)")
	kbQueryCmd.Flags().BoolVar(&kbVerbose, "breakdown", false, "Show the confidence component breakdown")

	kbCmd.AddCommand(kbQueryCmd)
	kbCmd.AddCommand(kbIngestCmd)
	kbCmd.AddCommand(kbStatsCmd)
}

func openKB() (*knowledge.KnowledgeBase, error) {
	return knowledge.New(cfg, nil)
}

func runKBQuery(cmd *cobra.Command, args []string) error {
	kb, err := openKB()
	if err != nil {
		return err
	}
	defer kb.Close()

	problem := joinArgs(args)
	hits, err := kb.QueryRelevantLearnings(problem, kbTopK, kbTypeFilter, kbSrcFilter)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No relevant learnings found.")
		return nil
	}

	for i, hit := range hits {
		fmt.Printf("%d. [%.2f] %s (%s/%s, from %s)\n",
			i+1, hit.Confidence, hit.Title, hit.LearningType, hit.ProblemDomain, hit.SourceID)
		fmt.Printf("   %s\n", truncateLine(hit.Description, 100))
		if kbVerbose {
			fmt.Printf("   tfidf=%.3f domain=%.0f outcome=%.0f recency=%.2f reinforcement=%d\n",
				hit.Breakdown.TFIDF, hit.Breakdown.Domain, hit.Breakdown.Outcome,
				hit.Breakdown.Recency, hit.Reinforcement)
		}
	}
	return nil
}

func runKBIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	kb, err := openKB()
	if err != nil {
		return err
	}
	defer kb.Close()

	var n int
	if info.IsDir() {
		n, err = kb.IngestInvestigation(path)
	} else {
		n, err = kb.IngestCompletedMission(path)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d learnings from %s\n", n, path)
	return nil
}

func runKBStats(cmd *cobra.Command, args []string) error {
	kb, err := openKB()
	if err != nil {
		return err
	}
	defer kb.Close()

	learnings, err := kb.Store().CountLearnings()
	if err != nil {
		return err
	}
	missions, err := kb.Store().CountMissions()
	if err != nil {
		return err
	}
	fmt.Printf("Learnings: %d (from %d missions)\n", learnings, missions)
	if learnings == 0 {
		return nil
	}

	clusters := kb.Index().GetHierarchicalClusters(0.9, 0.6)
	if len(clusters) > 0 {
		fmt.Printf("Topic clusters at distance 0.9: %d\n", len(clusters))
		for _, c := range clusters {
			fmt.Printf("  cluster %d: %d learnings", c.ID, len(c.Members))
			if len(c.SubClusters) > 0 {
				fmt.Printf(" (%d sub-topics)", len(c.SubClusters))
			}
			fmt.Println()
		}
	}

	dups := kb.Index().FindDuplicates(0.85)
	if len(dups) > 0 {
		fmt.Printf("Near-duplicate groups at similarity 0.85: %d\n", len(dups))
		for _, g := range dups {
			fmt.Printf("  %s + %d more\n", g.Representative, len(g.IDs)-1)
		}
	}
	return nil
}
