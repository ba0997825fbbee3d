package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLoggingState() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	home = ""
	configLoaded = false
	config = loggingConfig{}
	auditLogger = nil
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configContent := `logging:
  level: debug
  debug_mode: true
  categories:
    boot: true
    mission: true
    queue: true
    api: true
    executor: true
    checkpoint: true
    analytics: true
    transcript: true
    knowledge: true
    snapshot: true
    store: true
`
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryMission,
		CategoryQueue,
		CategoryAPI,
		CategoryExecutor,
		CategoryCheckpoint,
		CategoryAnalytics,
		CategoryTranscript,
		CategoryKnowledge,
		CategorySnapshot,
		CategoryStore,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}

		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Also test convenience functions
	Boot("Convenience boot log")
	Mission("Convenience mission log")
	Queue("Convenience queue log")
	API("Convenience api log")
	Executor("Convenience executor log")
	Checkpoint("Convenience checkpoint log")
	Analytics("Convenience analytics log")
	Transcript("Convenience transcript log")
	Knowledge("Convenience knowledge log")
	Snapshot("Convenience snapshot log")
	Store("Convenience store log")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	t.Logf("Created %d log files in %s", len(entries), logsPath)

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_disabled")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configContent := `logging:
  level: debug
  debug_mode: false
  categories:
    boot: true
    mission: true
    queue: true
`
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be DISABLED (production mode)")
	}

	categories := []Category{
		CategoryBoot,
		CategoryMission,
		CategoryQueue,
		CategoryExecutor,
	}

	for _, cat := range categories {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be DISABLED when debug_mode=false", cat)
		}
	}

	// Try to log - should be no-ops
	Boot("This should NOT be logged")
	Mission("This should NOT be logged")
	Queue("This should NOT be logged")

	logger := Get(CategoryBoot)
	logger.Info("This should NOT be logged")
	logger.Debug("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, "logs")
	_, err = os.Stat(logsPath)
	if err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected NO log files in production mode, but found %d files", len(entries))
		}
	} else if !os.IsNotExist(err) {
		t.Fatalf("Stat logs dir: %v", err)
	}
}

// TestCategoryToggle tests individual category enable/disable
func TestCategoryToggle(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_category")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configContent := `logging:
  level: debug
  debug_mode: true
  categories:
    boot: true
    mission: true
    executor: false
    transcript: false
`
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryMission) {
		t.Error("mission should be enabled")
	}

	if IsCategoryEnabled(CategoryExecutor) {
		t.Error("executor should be DISABLED")
	}
	if IsCategoryEnabled(CategoryTranscript) {
		t.Error("transcript should be DISABLED")
	}

	// Category not in config defaults to enabled when debug_mode=true
	if !IsCategoryEnabled(CategoryQueue) {
		t.Error("queue (not in config) should default to enabled")
	}

	Boot("This SHOULD be logged")
	Mission("This SHOULD be logged")
	Executor("This should NOT be logged")
	Transcript("This should NOT be logged")
	Queue("This SHOULD be logged (default enabled)")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, "logs")
	entries, _ := os.ReadDir(logsPath)

	hasBootLog := false
	hasMissionLog := false
	hasExecutorLog := false
	hasTranscriptLog := false

	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, "boot") {
			hasBootLog = true
		}
		if strings.Contains(name, "mission") {
			hasMissionLog = true
		}
		if strings.Contains(name, "executor") {
			hasExecutorLog = true
		}
		if strings.Contains(name, "transcript") {
			hasTranscriptLog = true
		}
	}

	if !hasBootLog {
		t.Error("Expected boot log file")
	}
	if !hasMissionLog {
		t.Error("Expected mission log file")
	}
	if hasExecutorLog {
		t.Error("Should NOT have executor log file (disabled)")
	}
	if hasTranscriptLog {
		t.Error("Should NOT have transcript log file (disabled)")
	}
}

// TestDebugEnvOverride tests that OVERSEER_DEBUG forces debug mode on
func TestDebugEnvOverride(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_env")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	// No config file at all; production mode unless the env override kicks in.
	t.Setenv("OVERSEER_DEBUG", "1")

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsDebugMode() {
		t.Error("OVERSEER_DEBUG=1 should force debug mode")
	}

	CloseAll()
	CloseAudit()
}

// TestTimerLogging tests the timing helper
func TestTimerLogging(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "logging_test_timer")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configContent := "logging:\n  level: debug\n  debug_mode: true\n"
	os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644)

	resetLoggingState()
	Initialize(tempDir)

	timer := StartTimer(CategoryMission, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
	CloseAudit()
}
