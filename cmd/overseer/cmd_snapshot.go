package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"overseer/internal/snapshot"
)

// snapshotCmd is the parent command for snapshot administration.
// Exit codes follow the admin contract: 0 success, 1 unknown command
// or invalid argument, 2 operation failed.
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage mission state snapshots",
	Long: `Snapshots are content-hashed copies of the live mission state. One is
taken on a schedule while a mission runs and at every stage boundary;
restore rolls the mission back to a verified copy.

Examples:
  overseer snapshot create
  overseer snapshot list
  overseer snapshot verify snap_1a2b3c4d
  overseer snapshot restore snap_1a2b3c4d`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the live mission state now",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify [snapshot-id]",
	Short: "Recompute a snapshot's hash and compare",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotVerify,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-id]",
	Short: "Roll the mission state back to a snapshot",
	Long: `Restores the mission state from a verified snapshot. The current state
is kept as <state>.pre_restore_backup. A snapshot whose hash no longer
matches its content is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotRestore,
}

var snapshotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show snapshot coverage for the live mission",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotStatus,
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotStatusCmd)
}

func newSnapshotManager() *snapshot.Manager {
	return snapshot.NewManager(cfg.MissionStatePath(), cfg.SnapshotsDir(), cfg.Snapshot)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	meta, err := newSnapshotManager().Create("manual")
	if err != nil {
		return opFailed("snapshot create: %v", err)
	}
	fmt.Printf("Created %s (mission %s, stage %s)\n", meta.SnapshotID, meta.MissionID, meta.Stage)
	fmt.Printf("  %s\n", meta.FilePath)
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	all, err := newSnapshotManager().List()
	if err != nil {
		return opFailed("snapshot list: %v", err)
	}
	if len(all) == 0 {
		fmt.Println("No snapshots stored.")
		return nil
	}

	fmt.Printf("%d snapshots:\n", len(all))
	for _, meta := range all {
		hint := meta.StageHint
		if hint == "" {
			hint = "-"
		}
		fmt.Printf("  %s  %s  mission=%s stage=%-9s %s\n",
			meta.SnapshotID, meta.Timestamp.Format(time.RFC3339), meta.MissionID, meta.Stage, hint)
	}
	return nil
}

func runSnapshotVerify(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := newSnapshotManager().Verify(id); err != nil {
		return opFailed("verify %s: %v", id, err)
	}
	fmt.Printf("✓ %s verified\n", id)
	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	id := args[0]
	mgr := newSnapshotManager()
	if err := mgr.Restore(id); err != nil {
		return opFailed("restore %s: %v", id, err)
	}
	fmt.Printf("✓ Mission state restored from %s\n", id)
	fmt.Printf("  Previous state kept at %s.pre_restore_backup\n", cfg.MissionStatePath())
	return nil
}

func runSnapshotStatus(cmd *cobra.Command, args []string) error {
	mgr := newSnapshotManager()
	all, err := mgr.List()
	if err != nil {
		return opFailed("snapshot status: %v", err)
	}

	fmt.Printf("Snapshots stored: %d\n", len(all))
	fmt.Printf("Schedule: %s, keep %d hourly + %d daily\n",
		cfg.Snapshot.Schedule, cfg.Snapshot.HourlyKeep, cfg.Snapshot.DailyKeepDays)
	if len(all) == 0 {
		return nil
	}

	newest := all[0]
	age := time.Since(newest.Timestamp).Round(time.Second)
	fmt.Printf("Newest: %s, %s ago (mission %s, stage %s)\n",
		newest.SnapshotID, age, newest.MissionID, newest.Stage)
	if age > cfg.Snapshot.GetStaleAfter() {
		fmt.Printf("✗ Stale: older than the %s threshold\n", cfg.Snapshot.GetStaleAfter())
	} else {
		fmt.Println("✓ Within freshness threshold")
	}
	return nil
}
