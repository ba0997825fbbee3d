package config

import (
	"fmt"
	"time"
)

// ExecutorConfig configures the hierarchical parallel executor.
type ExecutorConfig struct {
	// Max top-level worker agents running concurrently
	MaxAgents int `yaml:"max_agents"`

	// Max sub-agents a single worker may spawn
	MaxSubagentsPerAgent int `yaml:"max_subagents_per_agent"`

	// Wall-clock budget for a whole executor run
	TotalTimeout string `yaml:"total_timeout"`

	// Fraction of the budget held back for aggregation and cleanup
	ReserveRatio float64 `yaml:"reserve_ratio"`

	// Floor for any single child allocation
	MinChildTimeout string `yaml:"min_child_timeout"`

	// Checkpoint poll cadence while waiting on workers
	PollInterval string `yaml:"poll_interval"`
}

// DefaultExecutorConfig returns executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAgents:            4,
		MaxSubagentsPerAgent: 3,
		TotalTimeout:         "30m",
		ReserveRatio:         0.10,
		MinChildTimeout:      "60s",
		PollInterval:         "2s",
	}
}

// GetTotalTimeout returns the executor wall-clock budget.
func (e ExecutorConfig) GetTotalTimeout() time.Duration {
	d, err := time.ParseDuration(e.TotalTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetMinChildTimeout returns the per-child allocation floor.
func (e ExecutorConfig) GetMinChildTimeout() time.Duration {
	d, err := time.ParseDuration(e.MinChildTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetPollInterval returns the checkpoint poll cadence.
func (e ExecutorConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(e.PollInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// Validate checks executor limits.
func (e ExecutorConfig) Validate() error {
	if e.MaxAgents < 1 {
		return fmt.Errorf("executor max_agents must be >= 1")
	}
	if e.MaxSubagentsPerAgent < 0 {
		return fmt.Errorf("executor max_subagents_per_agent must be >= 0")
	}
	if e.ReserveRatio < 0 || e.ReserveRatio >= 1 {
		return fmt.Errorf("executor reserve_ratio must be in [0, 1)")
	}
	return nil
}
