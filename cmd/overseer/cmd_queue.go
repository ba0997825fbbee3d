package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"overseer/internal/queue"
)

// queueCmd is the parent command for queue operations
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the mission queue",
	Long: `The queue holds missions waiting to run. Items are ordered by priority,
then scheduled start, then arrival; dependencies and schedules gate when
an item becomes ready. 'overseer run' (no arguments) drains it.

Examples:
  overseer queue add "Port the billing cron to the new scheduler" --priority HIGH
  overseer queue list
  overseer queue pause "investigating flaky provider"
  overseer queue resume`,
}

var queueAddCmd = &cobra.Command{
	Use:   "add [description]",
	Short: "Add a mission to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued missions in execution order",
	RunE:  runQueueList,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a queued mission",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause [reason]",
	Short: "Pause queue advancement",
	Long: `Pauses advancement: no new mission starts until resume. A mission that
is already running is not affected.`,
	RunE: runQueuePause,
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume queue advancement",
	Args:  cobra.NoArgs,
	RunE:  runQueueResume,
}

var queueTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Project when each queued mission will run",
	RunE:  runQueueTimeline,
}

var (
	queuePriority  string
	queueItemCycle int
	queueDependsOn string
	queueStartAt   string
	queueTitle     string
	queueTags      []string
)

func init() {
	queueAddCmd.Flags().StringVar(&queuePriority, "priority", "", "Priority: CRITICAL, HIGH, NORMAL, LOW (default from config)")
	queueAddCmd.Flags().IntVar(&queueItemCycle, "cycles", 0, "Cycle budget (default from config)")
	queueAddCmd.Flags().StringVar(&queueDependsOn, "depends-on", "", "Mission ID that must complete first")
	queueAddCmd.Flags().StringVar(&queueStartAt, "start", "", "Earliest start, RFC3339 or a delay like 2h")
	queueAddCmd.Flags().StringVar(&queueTitle, "title", "", "Short title (default: first line of the description)")
	queueAddCmd.Flags().StringSliceVar(&queueTags, "tag", nil, "Tag the item (repeatable)")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueTimelineCmd)
}

func newScheduler() *queue.Scheduler {
	return queue.NewScheduler(cfg, queue.NewDependencyStore(cfg))
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	description := joinArgs(args)

	item := queue.QueueItem{
		MissionTitle:       queueTitle,
		MissionDescription: description,
		CycleBudget:        queueItemCycle,
		DependsOn:          queueDependsOn,
		Tags:               queueTags,
	}
	if queueTitle == "" {
		item.MissionTitle = truncateLine(description, 80)
	}
	if queuePriority != "" {
		p, err := queue.ParsePriority(queuePriority)
		if err != nil {
			return err
		}
		item.Priority = p
	}
	if queueStartAt != "" {
		start, err := parseStart(queueStartAt)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		item.ScheduledStart = &start
	}

	added, err := newScheduler().Add(item)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %s: %s (priority %s", added.ID, added.MissionTitle, added.Priority)
	if added.EstimatedMinutes > 0 {
		fmt.Printf(", ~%dm", added.EstimatedMinutes)
	}
	fmt.Println(")")
	return nil
}

// parseStart accepts an absolute RFC3339 time or a relative delay.
func parseStart(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a duration", s)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("delay must not be negative")
	}
	return time.Now().UTC().Add(d), nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	sched := newScheduler()
	st, err := sched.List()
	if err != nil {
		return err
	}

	if st.Paused {
		fmt.Printf("Queue PAUSED")
		if st.PauseReason != "" {
			fmt.Printf(": %s", st.PauseReason)
		}
		fmt.Println()
	}
	if len(st.Queue) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	next, blocked, err := sched.NextReady()
	if err != nil {
		return err
	}
	blockedBy := make(map[string]queue.Blocked, len(blocked))
	for _, b := range blocked {
		blockedBy[b.Item.ID] = b
	}

	fmt.Printf("%d queued:\n", len(st.Queue))
	for i, item := range st.Queue {
		marker := " "
		if next != nil && item.ID == next.ID {
			marker = ">"
		}
		fmt.Printf("%s %2d. [%s] %-8s %s\n", marker, i+1, item.ID, item.Priority, truncateLine(item.MissionTitle, 60))
		if item.DependsOn != "" {
			fmt.Printf("        depends on %s", item.DependsOn)
			if b, ok := blockedBy[item.ID]; ok {
				fmt.Printf(" (%s)", b.Reason)
			}
			fmt.Println()
		}
		if item.ScheduledStart != nil {
			fmt.Printf("        starts %s\n", item.ScheduledStart.Format(time.RFC3339))
		}
	}
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	removed, err := newScheduler().Remove(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Removed %s: %s\n", removed.ID, removed.MissionTitle)
	return nil
}

func runQueuePause(cmd *cobra.Command, args []string) error {
	reason := joinArgs(args)
	if err := newScheduler().Pause(reason); err != nil {
		return err
	}
	fmt.Println("Queue paused.")
	return nil
}

func runQueueResume(cmd *cobra.Command, args []string) error {
	if err := newScheduler().Resume(); err != nil {
		return err
	}
	fmt.Println("Queue resumed.")
	return nil
}

func runQueueTimeline(cmd *cobra.Command, args []string) error {
	entries, err := newScheduler().Timeline()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	fmt.Println("Projected execution timeline:")
	for _, e := range entries {
		fmt.Printf("  %s - %s  [%s] %s (~%dm)\n",
			e.ProjectedStart.Local().Format("Jan 02 15:04"),
			e.ProjectedEnd.Local().Format("15:04"),
			e.ItemID, truncateLine(e.MissionTitle, 50), e.EstimatedMinutes)
	}
	return nil
}
