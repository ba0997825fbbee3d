package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"fix", "the", "tokenizer"})
	if got != "fix the tokenizer" {
		t.Fatalf("expected 'fix the tokenizer', got '%s'", got)
	}
}

func TestTruncateLine(t *testing.T) {
	if got := truncateLine("short", 80); got != "short" {
		t.Errorf("short input must pass through, got %q", got)
	}
	if got := truncateLine("first line\nsecond line", 80); got != "first line" {
		t.Errorf("expected first line only, got %q", got)
	}
	got := truncateLine(strings.Repeat("x", 100), 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Errorf("expected 20 chars ending in ..., got %q", got)
	}
}

func TestOpErrorSelectsExitCode(t *testing.T) {
	// Operation failures must be distinguishable from usage errors so
	// main can exit 2 instead of 1.
	cause := errors.New("disk full")
	err := opFailed("snapshot create: %v", cause)

	var op *opError
	if !errors.As(err, &op) {
		t.Fatal("opFailed result must match *opError")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("message lost the cause: %q", err.Error())
	}

	if errors.As(fmt.Errorf("plain usage error"), &op) {
		t.Error("plain errors must not match *opError")
	}
}

func TestParseStart(t *testing.T) {
	ts, err := parseStart("2026-03-10T12:00:00Z")
	if err != nil {
		t.Fatalf("RFC3339 rejected: %v", err)
	}
	if !ts.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("wrong parsed time: %v", ts)
	}

	before := time.Now().UTC()
	ts, err = parseStart("90m")
	if err != nil {
		t.Fatalf("duration rejected: %v", err)
	}
	lo := before.Add(89 * time.Minute)
	hi := before.Add(91 * time.Minute)
	if ts.Before(lo) || ts.After(hi) {
		t.Errorf("90m delay landed at %v, want ~%v", ts, before.Add(90*time.Minute))
	}

	if _, err := parseStart("-5m"); err == nil {
		t.Error("negative delay must be rejected")
	}
	if _, err := parseStart("soon"); err == nil {
		t.Error("junk must be rejected")
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
