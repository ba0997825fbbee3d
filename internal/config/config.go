// Package config loads and validates overseer configuration.
// Configuration lives in <home>/config.yaml; a sibling .env file, when
// present, seeds the environment before OVERSEER_* overrides are applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvHome overrides the installation root directory.
const EnvHome = "OVERSEER_HOME"

// DefaultHomeDirName is the directory created under $HOME when OVERSEER_HOME is unset.
const DefaultHomeDirName = ".overseer"

// Config holds all overseer configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Installation root; filled at load time, not serialized
	Home string `yaml:"-"`

	// Dashboard port (the dashboard itself is an external consumer)
	DashboardPort int `yaml:"dashboard_port"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Hierarchical executor configuration
	Executor ExecutorConfig `yaml:"executor"`

	// Mission queue configuration
	Queue QueueConfig `yaml:"queue"`

	// Mission lifecycle configuration
	Mission MissionConfig `yaml:"mission"`

	// Snapshot manager configuration
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Analytics and transcript watching
	Analytics AnalyticsConfig `yaml:"analytics"`

	// Knowledge base retrieval
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// MissionConfig configures mission lifecycle defaults.
type MissionConfig struct {
	// Default cycle budget for new missions (1..10)
	DefaultCycleBudget int `yaml:"default_cycle_budget"`

	// Hard ceiling on cycle budgets
	MaxCycleBudget int `yaml:"max_cycle_budget"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "overseer",
		Version: "0.9.0",

		DashboardPort: 8484,

		LLM:       DefaultLLMConfig(),
		Executor:  DefaultExecutorConfig(),
		Queue:     DefaultQueueConfig(),
		Snapshot:  DefaultSnapshotConfig(),
		Analytics: DefaultAnalyticsConfig(),
		Knowledge: DefaultKnowledgeConfig(),

		Mission: MissionConfig{
			DefaultCycleBudget: 3,
			MaxCycleBudget:     10,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FindHome resolves the installation root: OVERSEER_HOME if set,
// otherwise ~/.overseer.
func FindHome() (string, error) {
	if h := os.Getenv(EnvHome); h != "" {
		return h, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(userHome, DefaultHomeDirName), nil
}

// DefaultConfigPath returns <home>/config.yaml for the resolved home.
func DefaultConfigPath() string {
	home, err := FindHome()
	if err != nil {
		return filepath.Join(DefaultHomeDirName, "config.yaml")
	}
	return filepath.Join(home, "config.yaml")
}

// Load loads configuration for the given installation root.
// A <home>/.env file, when present, is loaded into the environment first;
// then config.yaml is parsed over the defaults; then OVERSEER_* environment
// variables override individual fields.
func Load(home string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Home = home

	// .env seeds the environment; absence is not an error
	envPath := filepath.Join(home, ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[config] Warning: could not load %s: %v\n", envPath, err)
	}

	path := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Home = home

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies OVERSEER_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("OVERSEER_DASHBOARD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.DashboardPort = p
		}
	}
	if provider := os.Getenv("OVERSEER_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if v := os.Getenv("OVERSEER_DEBUG"); v != "" {
		c.Logging.DebugMode = envTruthy(v)
	}
	if v := os.Getenv("OVERSEER_TOKEN_WATCHER"); v != "" {
		c.Analytics.TokenWatcherEnabled = envTruthy(v)
	}
}

func envTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("installation root not set")
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Executor.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.Mission.DefaultCycleBudget < 1 || c.Mission.DefaultCycleBudget > c.Mission.MaxCycleBudget {
		return fmt.Errorf("default_cycle_budget must be in [1, %d]", c.Mission.MaxCycleBudget)
	}
	if c.Mission.MaxCycleBudget < 1 || c.Mission.MaxCycleBudget > 10 {
		return fmt.Errorf("max_cycle_budget must be in [1, 10]")
	}
	return nil
}

// EnsureHome creates the home directory tree if it does not exist.
func (c *Config) EnsureHome() error {
	for _, dir := range []string{
		c.Home,
		c.StateDir(),
		c.MissionLogsDir(),
		c.CheckpointsDir(),
		c.SnapshotsDir(),
		c.TranscriptsDir(),
		c.DataDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
