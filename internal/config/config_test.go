package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Name != "overseer" {
		t.Errorf("Name = %q, want overseer", cfg.Name)
	}
	if cfg.Executor.MaxAgents != 4 {
		t.Errorf("Executor.MaxAgents = %d, want 4", cfg.Executor.MaxAgents)
	}
	if cfg.Executor.ReserveRatio != 0.10 {
		t.Errorf("Executor.ReserveRatio = %v, want 0.10", cfg.Executor.ReserveRatio)
	}
	if got := cfg.Executor.GetMinChildTimeout(); got != 60*time.Second {
		t.Errorf("MinChildTimeout = %v, want 60s", got)
	}
	if cfg.Queue.DefaultPriority != "NORMAL" {
		t.Errorf("Queue.DefaultPriority = %q, want NORMAL", cfg.Queue.DefaultPriority)
	}
	if cfg.Snapshot.HourlyKeep != 24 || cfg.Snapshot.DailyKeepDays != 7 {
		t.Errorf("Snapshot rotation = %d/%d, want 24/7", cfg.Snapshot.HourlyKeep, cfg.Snapshot.DailyKeepDays)
	}
	if cfg.Mission.DefaultCycleBudget < 1 || cfg.Mission.DefaultCycleBudget > cfg.Mission.MaxCycleBudget {
		t.Errorf("DefaultCycleBudget %d out of range", cfg.Mission.DefaultCycleBudget)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	tempDir := t.TempDir()

	cfg, err := Load(tempDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Home != tempDir {
		t.Errorf("Home = %q, want %q", cfg.Home, tempDir)
	}
	if cfg.Executor.MaxAgents != DefaultConfig().Executor.MaxAgents {
		t.Error("Missing config should yield defaults")
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	tempDir := t.TempDir()

	content := `name: overseer
executor:
  max_agents: 8
  max_subagents_per_agent: 2
  total_timeout: 45m
queue:
  default_priority: HIGH
  watcher_poll_interval: 12s
llm:
  provider: mock-llm
  worker_model: test-model
`
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tempDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Executor.MaxAgents != 8 {
		t.Errorf("MaxAgents = %d, want 8", cfg.Executor.MaxAgents)
	}
	if got := cfg.Executor.GetTotalTimeout(); got != 45*time.Minute {
		t.Errorf("TotalTimeout = %v, want 45m", got)
	}
	if cfg.Queue.DefaultPriority != "HIGH" {
		t.Errorf("DefaultPriority = %q, want HIGH", cfg.Queue.DefaultPriority)
	}
	if cfg.LLM.Provider != "mock-llm" {
		t.Errorf("Provider = %q, want mock-llm", cfg.LLM.Provider)
	}
	// Untouched sections keep defaults
	if cfg.Snapshot.HourlyKeep != 24 {
		t.Errorf("Snapshot.HourlyKeep = %d, want default 24", cfg.Snapshot.HourlyKeep)
	}
}

func TestEnvOverrides(t *testing.T) {
	tempDir := t.TempDir()

	t.Setenv("OVERSEER_PROVIDER", "alt-provider")
	t.Setenv("OVERSEER_DASHBOARD_PORT", "9100")
	t.Setenv("OVERSEER_TOKEN_WATCHER", "false")
	t.Setenv("OVERSEER_DEBUG", "true")

	cfg, err := Load(tempDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LLM.Provider != "alt-provider" {
		t.Errorf("Provider = %q, want alt-provider", cfg.LLM.Provider)
	}
	if cfg.DashboardPort != 9100 {
		t.Errorf("DashboardPort = %d, want 9100", cfg.DashboardPort)
	}
	if cfg.Analytics.TokenWatcherEnabled {
		t.Error("TokenWatcherEnabled should be overridden to false")
	}
	if !cfg.Logging.DebugMode {
		t.Error("DebugMode should be overridden to true")
	}
}

func TestDotEnvSeedsEnvironment(t *testing.T) {
	tempDir := t.TempDir()

	// .env sets a provider; Load must pick it up via the env override path.
	if err := os.WriteFile(filepath.Join(tempDir, ".env"), []byte("OVERSEER_PROVIDER=dotenv-provider\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OVERSEER_PROVIDER", "") // ensure godotenv can populate it
	os.Unsetenv("OVERSEER_PROVIDER")

	cfg, err := Load(tempDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "dotenv-provider" {
		t.Errorf("Provider = %q, want dotenv-provider", cfg.LLM.Provider)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Home = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}

	bad := DefaultConfig()
	bad.Home = cfg.Home
	bad.Queue.DefaultPriority = "URGENT"
	if err := bad.Validate(); err == nil {
		t.Error("Invalid priority should fail validation")
	}

	bad2 := DefaultConfig()
	bad2.Home = cfg.Home
	bad2.Executor.ReserveRatio = 1.5
	if err := bad2.Validate(); err == nil {
		t.Error("reserve_ratio >= 1 should fail validation")
	}

	bad3 := DefaultConfig()
	bad3.Home = cfg.Home
	bad3.Queue.WatcherPollInterval = "1s"
	if err := bad3.Validate(); err == nil {
		t.Error("watcher poll below 5s should fail validation")
	}
}

func TestFindHome(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/overseer-test-home")
	home, err := FindHome()
	if err != nil {
		t.Fatalf("FindHome: %v", err)
	}
	if home != "/tmp/overseer-test-home" {
		t.Errorf("FindHome = %q, want env override", home)
	}
}

func TestHomeLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Home = "/srv/overseer"

	if got := cfg.ProcessingLockPath(); got != "/srv/overseer/state/queue_processing.lock" {
		t.Errorf("ProcessingLockPath = %q", got)
	}
	if got := cfg.MissionStatePath(); got != "/srv/overseer/state/mission_state.json" {
		t.Errorf("MissionStatePath = %q", got)
	}
	if got := cfg.AnalyticsDBPath(); got != "/srv/overseer/data/analytics.db" {
		t.Errorf("AnalyticsDBPath = %q", got)
	}

	cfg.Analytics.DBPath = "/custom/a.db"
	if got := cfg.AnalyticsDBPath(); got != "/custom/a.db" {
		t.Errorf("AnalyticsDBPath override = %q", got)
	}
}

func TestEnsureHome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Home = filepath.Join(t.TempDir(), "nested", "home")

	if err := cfg.EnsureHome(); err != nil {
		t.Fatalf("EnsureHome: %v", err)
	}

	for _, dir := range []string{cfg.StateDir(), cfg.SnapshotsDir(), cfg.DataDir()} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("Expected directory %s to exist", dir)
		}
	}
}
