package mission

// Test doubles shared by the mission package tests.

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"overseer/internal/llm"
)

// --- MockInvoker ---

// MockInvoker is a controllable llm.Invoker that records every request.
type MockInvoker struct {
	mu         sync.Mutex
	calls      []llm.Request
	InvokeFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

func (m *MockInvoker) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return &llm.Response{Text: "ok", Model: req.Model}, nil
}

// Calls returns a snapshot of the recorded requests.
func (m *MockInvoker) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// scriptedInvoker routes prompts to canned responses by substring.
// Route keys must be mutually exclusive; an unmatched prompt fails the
// invocation so the test surfaces the gap.
func scriptedInvoker(routes map[string]string) *MockInvoker {
	return &MockInvoker{
		InvokeFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
			for key, text := range routes {
				if strings.Contains(req.Prompt, key) {
					return &llm.Response{Text: text, Model: req.Model}, nil
				}
			}
			return nil, fmt.Errorf("no scripted response for prompt starting %q", firstNonEmptyLine(req.Prompt))
		},
	}
}

// completedJSON renders a clean worker response in the protocol the
// executor parses.
func completedJSON(summary string, created ...string) string {
	var b strings.Builder
	b.WriteString("Work is done.\n\n```json\n{\n")
	if len(created) > 0 {
		b.WriteString(`  "files_created": [`)
		for i, f := range created {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q", f)
		}
		b.WriteString("],\n")
	}
	fmt.Fprintf(&b, "  %q: %q\n}\n```\n", "summary", summary)
	return b.String()
}

// --- recordingHandler ---

// recordingHandler captures the engine's integration callbacks.
type recordingHandler struct {
	BaseHandler
	name     string
	priority int
	addition string
	failOn   string

	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) Name() string  { return h.name }
func (h *recordingHandler) Priority() int { return h.priority }

func (h *recordingHandler) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

func (h *recordingHandler) OnStageStarted(ctx context.Context, m *Mission, stage Stage) error {
	h.record("started:" + string(stage))
	if h.failOn == "started" {
		return fmt.Errorf("%s refuses to start", h.name)
	}
	return nil
}

func (h *recordingHandler) OnPromptGenerated(ctx context.Context, m *Mission, stage Stage, prompt string) (string, error) {
	h.record("prompt:" + string(stage))
	if h.failOn == "prompt" {
		return "", fmt.Errorf("%s prompt failure", h.name)
	}
	return h.addition, nil
}

func (h *recordingHandler) OnStageEnded(ctx context.Context, m *Mission, outcome *StageOutcome) error {
	h.record(fmt.Sprintf("ended:%s:%v", outcome.Stage, outcome.Success))
	if h.failOn == "ended" {
		return fmt.Errorf("%s end failure", h.name)
	}
	return nil
}

func (h *recordingHandler) OnMissionCompleted(ctx context.Context, m *Mission, report *Report) error {
	h.record("completed:" + m.MissionID)
	if h.failOn == "completed" {
		return fmt.Errorf("%s completion failure", h.name)
	}
	return nil
}
