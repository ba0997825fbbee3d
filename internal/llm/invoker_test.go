package llm

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"overseer/internal/config"
)

func TestMarkerDetection(t *testing.T) {
	tests := []struct {
		text    string
		timeout bool
		failed  bool
	}{
		{"TIMEOUT: provider exceeded 60s", true, false},
		{"  TIMEOUT: late", true, false},
		{"ERROR: exit status 1", false, true},
		{"All work completed successfully", false, false},
		{"", false, false},
		{"the word TIMEOUT: appears mid-text", false, false},
	}

	for _, tt := range tests {
		if got := HasTimeoutMarker(tt.text); got != tt.timeout {
			t.Errorf("HasTimeoutMarker(%q) = %v, want %v", tt.text, got, tt.timeout)
		}
		if got := HasErrorMarker(tt.text); got != tt.failed {
			t.Errorf("HasErrorMarker(%q) = %v, want %v", tt.text, got, tt.failed)
		}
	}
}

func TestCommandInvokerEcho(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}

	inv := &CommandInvoker{
		Binary:         "sh",
		Args:           []string{"-c", "cat"},
		DefaultTimeout: 5 * time.Second,
	}

	resp, err := inv.Invoke(context.Background(), Request{Prompt: "hello worker"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(resp.Text, "hello worker") {
		t.Errorf("Response = %q, want prompt echoed", resp.Text)
	}
	if resp.TimedOut {
		t.Error("Echo should not time out")
	}
	if resp.Latency <= 0 {
		t.Error("Latency should be positive")
	}
}

func TestCommandInvokerTimeoutEnvelope(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell required")
	}

	inv := &CommandInvoker{
		Binary:         "sh",
		Args:           []string{"-c", "sleep 10"},
		DefaultTimeout: 5 * time.Second,
	}

	resp, err := inv.Invoke(context.Background(), Request{
		Prompt:  "never answered",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Timeout must fold into the envelope, got error: %v", err)
	}
	if !resp.TimedOut {
		t.Error("Expected TimedOut=true")
	}
	if !HasTimeoutMarker(resp.Text) {
		t.Errorf("Response %q should carry the timeout marker", resp.Text)
	}
}

func TestCommandInvokerMissingBinaryEnvelope(t *testing.T) {
	inv := &CommandInvoker{
		Binary:         "definitely-not-a-real-provider-binary",
		DefaultTimeout: 5 * time.Second,
	}

	resp, err := inv.Invoke(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Missing binary must fold into the envelope, got error: %v", err)
	}
	if !HasErrorMarker(resp.Text) {
		t.Errorf("Response %q should carry the error marker", resp.Text)
	}
}

func TestCommandInvokerCanceledParent(t *testing.T) {
	inv := NewCommandInvoker(config.DefaultLLMConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := inv.Invoke(ctx, Request{Prompt: "hi"}); err == nil {
		t.Error("Pre-canceled context should return an error, not an envelope")
	}
}
