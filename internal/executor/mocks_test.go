package executor

import (
	"context"
	"time"

	"overseer/internal/llm"
)

// --- MockInvoker ---

type MockInvoker struct {
	InvokeFunc func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

func (m *MockInvoker) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return &llm.Response{Text: "ok", Model: req.Model, Latency: time.Millisecond}, nil
}

// respondJSON wraps a JSON payload in the fenced block workers are
// instructed to emit.
func respondJSON(payload string) *llm.Response {
	return &llm.Response{Text: "Work finished.\n\n```json\n" + payload + "\n```\n"}
}
