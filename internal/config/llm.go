package config

import (
	"fmt"
	"time"
)

// LLMConfig configures how external LLM workers are spawned.
// The provider is an executable on PATH; overseer knows nothing about
// its wire protocol beyond prompt-in, response-out.
type LLMConfig struct {
	// Provider identifies the external CLI binary to spawn
	Provider string `yaml:"provider"`

	// Extra arguments passed before the prompt
	ProviderArgs []string `yaml:"provider_args"`

	// Model used by top-level workers
	WorkerModel string `yaml:"worker_model"`

	// Model used by spawned sub-agents (typically cheaper)
	SubagentModel string `yaml:"subagent_model"`

	// Default invocation timeout when no budget applies
	Timeout string `yaml:"timeout"`
}

// DefaultLLMConfig returns provider defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:      "claude",
		ProviderArgs:  []string{"-p"},
		WorkerModel:   "sonnet",
		SubagentModel: "haiku",
		Timeout:       "10m",
	}
}

// GetTimeout returns the default invocation timeout as a duration.
func (l LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// Validate checks that the provider is usable.
func (l LLMConfig) Validate() error {
	if l.Provider == "" {
		return fmt.Errorf("llm provider not configured (set llm.provider or OVERSEER_PROVIDER)")
	}
	if l.WorkerModel == "" {
		return fmt.Errorf("llm worker_model not configured")
	}
	return nil
}
