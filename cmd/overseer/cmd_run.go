package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overseer/internal/mission"
	"overseer/internal/queue"
)

var runCycles int

// runCmd walks missions through the stage loop
var runCmd = &cobra.Command{
	Use:   "run [problem statement]",
	Short: "Run a mission, or the queue advancement loop",
	Long: `With a problem statement, starts a new mission and drives it through
the stage loop until it completes or exhausts its cycle budget.

Without arguments, runs the queue advancement loop: whenever no mission
is active, the next ready queue item is popped under the processing
lock and executed. Stop with Ctrl+C.

Examples:
  overseer run "Fix the flaky integration tests in the payments service"
  overseer run --cycles 5 "Migrate the config loader to YAML"
  overseer run`,
	RunE: runMission,
}

// resumeCmd continues an interrupted mission
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted mission",
	Long: `Loads the live mission state, checks for a stage checkpoint left by a
crash, and continues the stage loop from where it stopped. When a
checkpoint exists, the next prompt carries recovery context describing
what the interrupted stage had already done.`,
	Args: cobra.NoArgs,
	RunE: resumeMission,
}

// abortCmd terminates the live mission
var abortCmd = &cobra.Command{
	Use:   "abort [reason]",
	Short: "Abort the live mission",
	Long: `Marks the live mission ABORTED and writes its final report. Queue items
depending on it stay blocked; the knowledge base still ingests whatever
the mission learned before the abort.`,
	RunE: abortMission,
}

func init() {
	runCmd.Flags().IntVar(&runCycles, "cycles", 0, "Cycle budget for a new mission (default from config)")
}

// commandContext builds the root context for long-running commands:
// optional --timeout plus SIGINT/SIGTERM cancellation.
func commandContext() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runMission(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	stack := buildStack()
	defer stack.Close()

	if len(args) == 0 {
		return runQueueLoop(ctx, stack)
	}

	problem := joinArgs(args)
	m, err := stack.engine.StartMission(problem, runCycles)
	if err != nil {
		return err
	}
	fmt.Printf("Mission %s started (budget %d cycles)\n", m.MissionID, m.CycleBudget)
	fmt.Printf("Workspace: %s\n", m.MissionWorkspace)

	stack.startSnapshots(ctx)
	defer stack.stopSnapshots()
	return executeLoaded(ctx, stack, m.MissionID)
}

func resumeMission(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	stack := buildStack()
	defer stack.Close()

	m, err := stack.engine.LoadMission()
	if err != nil {
		return fmt.Errorf("no mission to resume: %w", err)
	}
	if m.Completed() {
		fmt.Printf("Mission %s already completed.\n", m.MissionID)
		return nil
	}

	recovered, err := stack.engine.PrepareRecovery()
	if err != nil {
		logger.Warn("recovery detection failed", zap.Error(err))
	}
	if recovered != "" {
		fmt.Printf("Recovery context prepared for mission %s\n", m.MissionID)
	}
	fmt.Printf("Resuming mission %s at %s (cycle %d/%d)\n",
		m.MissionID, m.CurrentStage, m.CurrentCycle, m.CycleBudget)

	stack.startSnapshots(ctx)
	defer stack.stopSnapshots()
	return executeLoaded(ctx, stack, m.MissionID)
}

// executeLoaded drives the loaded mission to completion with the
// transcript watcher running alongside. The snapshot schedule is
// managed by the caller so it can span several queued missions.
func executeLoaded(ctx context.Context, stack *missionStack, missionID string) error {
	w := stack.startTranscripts(ctx, missionID)
	defer stack.stopTranscripts(w)

	if err := stack.engine.Run(ctx); err != nil {
		return fmt.Errorf("mission %s: %w", missionID, err)
	}

	m := stack.engine.Mission()
	if m == nil {
		fmt.Printf("Mission %s finished\n", missionID)
		return nil
	}
	if m.HaltReason != "" {
		fmt.Printf("Mission %s halted: %s\n", m.MissionID, m.HaltReason)
	} else {
		fmt.Printf("Mission %s complete (%d cycles)\n", missionID, len(m.Cycles))
	}
	fmt.Printf("Report: %s\n", mission.ReportPath(m.MissionWorkspace))
	return nil
}

// runQueueLoop runs the queue advancement watcher until interrupted.
func runQueueLoop(ctx context.Context, stack *missionStack) error {
	sched := queue.NewScheduler(cfg, queue.NewDependencyStore(cfg))
	lock := queue.NewProcessLock(cfg)
	watcher := queue.NewWatcher(cfg, sched, lock, &queueLauncher{stack: stack})

	stack.startSnapshots(ctx)
	defer stack.stopSnapshots()

	if err := watcher.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Queue advancement loop running. Press Ctrl+C to stop.")

	<-ctx.Done()
	watcher.Stop()
	if err := watcher.LastError(); err != nil {
		logger.Warn("queue watcher", zap.Error(err))
	}
	fmt.Println("Queue advancement stopped.")
	return nil
}

// queueLauncher runs popped queue items with the full integration
// stack attached.
type queueLauncher struct {
	stack *missionStack
}

func (l *queueLauncher) Begin(ctx context.Context, item queue.QueueItem) (string, error) {
	m, err := l.stack.engine.StartMission(item.MissionDescription, item.CycleBudget)
	if err != nil {
		return "", err
	}
	fmt.Printf("Queue item %s -> mission %s (%s)\n", item.ID, m.MissionID, truncateLine(item.MissionTitle, 60))
	return m.MissionID, nil
}

func (l *queueLauncher) Execute(ctx context.Context, missionID string) error {
	return executeLoaded(ctx, l.stack, missionID)
}

func abortMission(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	stack := buildStack()
	defer stack.Close()

	m, err := stack.engine.LoadMission()
	if err != nil {
		return fmt.Errorf("no mission to abort: %w", err)
	}

	reason := joinArgs(args)
	if err := stack.engine.Abort(ctx, reason); err != nil {
		return err
	}
	fmt.Printf("Mission %s aborted.\n", m.MissionID)
	return nil
}
