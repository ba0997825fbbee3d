package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestAuditEventsWritten verifies audit events land as parseable JSON lines
func TestAuditEventsWritten(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "audit_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configContent := "logging:\n  level: debug\n  debug_mode: true\n"
	if err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("Failed to init audit: %v", err)
	}

	audit := AuditWithMission("abc12345")
	audit.MissionStart("abc12345", "Optimize data loader")
	audit.StageStart("abc12345", "PLANNING", 1)
	audit.StageEnd("abc12345", "PLANNING", 1200, true)
	audit.AgentSpawn("agent_1", "unit_1")
	audit.AgentEnd("agent_1", "TIMEOUT", 60000, "budget exhausted")
	audit.QueueAdvance("q1", "abc12345")
	audit.LockEvent(AuditLockAcquired, "queue_processor", "abc12345", true)
	audit.TokenEvent("abc12345", "BUILDING", "req-1", true)
	audit.MissionHalt("abc12345", "drift detected")

	CloseAll()
	CloseAudit()

	// Find the audit file and verify every line is JSON with the mission id filled in
	entries, err := os.ReadDir(filepath.Join(tempDir, "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	var auditPath string
	for _, e := range entries {
		if strings.Contains(e.Name(), "audit") {
			auditPath = filepath.Join(tempDir, "logs", e.Name())
		}
	}
	if auditPath == "" {
		t.Fatal("No audit log file created")
	}

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	defer f.Close()

	events := 0
	timeouts := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Errorf("Audit line is not valid JSON: %q (%v)", line, err)
			continue
		}
		events++
		// The logger is mission-scoped, so every event inherits the mission id.
		if ev.MissionID != "abc12345" {
			t.Errorf("Event %s missing mission correlation: %+v", ev.EventType, ev)
		}
		if ev.EventType == AuditAgentTimeout {
			timeouts++
			if ev.Success {
				t.Error("Timeout event should not be marked success")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scan audit log: %v", err)
	}

	if events != 9 {
		t.Errorf("Expected 9 audit events, got %d", events)
	}
	if timeouts != 1 {
		t.Errorf("Expected 1 timeout event, got %d", timeouts)
	}
}
