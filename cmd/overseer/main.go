package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"overseer/internal/config"
	"overseer/internal/logging"
)

var (
	// Global flags
	verbose  bool
	homeFlag string
	timeout  time.Duration

	// Loaded in PersistentPreRunE, shared by every command
	cfg    *config.Config
	logger *zap.Logger
)

// opError marks a failure of the operation itself, as opposed to a
// usage mistake. main exits 2 for these and 1 for everything else.
type opError struct {
	err error
}

func (e *opError) Error() string { return e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

// opFailed wraps an error so main reports it with exit code 2.
func opFailed(format string, args ...interface{}) error {
	return &opError{err: fmt.Errorf(format, args...)}
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "overseer - autonomous mission orchestration",
	Long: `overseer drives long-running LLM missions through a fixed stage loop:
PLANNING -> BUILDING -> TESTING -> ANALYZING -> CYCLE_END, cycle by cycle,
until the mission completes or its cycle budget runs out.

Around the loop it keeps a mission queue with priorities and dependencies,
per-stage crash checkpoints, content-hashed state snapshots, token/cost
analytics, and a knowledge base that feeds lessons from past missions
into new planning prompts.

All state lives under ~/.overseer (override with OVERSEER_HOME).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		home := homeFlag
		if home == "" {
			var err error
			home, err = config.FindHome()
			if err != nil {
				return fmt.Errorf("resolve installation root: %w", err)
			}
		}

		var err error
		cfg, err = config.Load(home)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if err := cfg.EnsureHome(); err != nil {
			return fmt.Errorf("prepare %s: %w", home, err)
		}

		if err := logging.Initialize(home); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: logging init: %v\n", err)
		}
		if err := logging.InitAudit(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: audit init: %v\n", err)
		}

		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "Installation root (default: $OVERSEER_HOME or ~/.overseer)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall command timeout (0 = none)")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(suggestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var op *opError
		if errors.As(err, &op) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

// truncateLine shortens s to a single display line.
func truncateLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
