// Package llm spawns external LLM provider processes.
// The provider is an opaque executable: prompt in, response text out.
// Process-level failures are folded into the response envelope so callers
// classify outcomes from the text, never from transport errors.
package llm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"overseer/internal/config"
	"overseer/internal/logging"
)

// Envelope markers recognized at the start of a provider response.
const (
	TimeoutMarker = "TIMEOUT:"
	ErrorMarker   = "ERROR:"
)

// Request carries one provider invocation.
type Request struct {
	Prompt  string
	Model   string
	Timeout time.Duration
	WorkDir string
}

// Response is a completed invocation.
type Response struct {
	Text     string
	Model    string
	Latency  time.Duration
	TimedOut bool
}

// Invoker is the opaque LLM capability.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// HasTimeoutMarker reports whether a response declares a timeout.
func HasTimeoutMarker(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), TimeoutMarker)
}

// HasErrorMarker reports whether a response declares a failure.
func HasErrorMarker(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), ErrorMarker)
}

// CommandInvoker spawns the configured provider binary per invocation.
// The prompt is fed on stdin; combined output is the response.
type CommandInvoker struct {
	Binary         string
	Args           []string
	DefaultTimeout time.Duration
}

// NewCommandInvoker builds an invoker from provider config.
func NewCommandInvoker(cfg config.LLMConfig) *CommandInvoker {
	return &CommandInvoker{
		Binary:         cfg.Provider,
		Args:           cfg.ProviderArgs,
		DefaultTimeout: cfg.GetTimeout(),
	}
}

// Invoke runs the provider once. A deadline overrun or process failure
// returns a marker-prefixed response and a nil error; a non-nil error
// means the invocation never ran (for example, the parent context was
// already canceled).
func (c *CommandInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.Args
	if req.Model != "" {
		args = append(append([]string{}, c.Args...), "--model", req.Model)
	}

	cmd := exec.CommandContext(runCtx, c.Binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	latency := time.Since(start)

	resp := &Response{
		Model:   req.Model,
		Latency: latency,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		resp.TimedOut = true
		resp.Text = fmt.Sprintf("%s provider exceeded %v", TimeoutMarker, timeout)
		logging.APIWarn("invoke %s model=%s timed out after %v", c.Binary, req.Model, timeout)
		logging.Audit().LLMCall(req.Model, latency.Milliseconds(), false, "timeout")
	case ctx.Err() != nil:
		// Parent canceled mid-flight; the run never produced a usable answer.
		return nil, ctx.Err()
	case err != nil:
		resp.Text = fmt.Sprintf("%s %v: %s", ErrorMarker, err, truncate(string(output), 2000))
		logging.APIError("invoke %s model=%s failed: %v", c.Binary, req.Model, err)
		logging.Audit().LLMCall(req.Model, latency.Milliseconds(), false, err.Error())
	default:
		resp.Text = string(output)
		logging.APIDebug("invoke %s model=%s ok in %v (%d bytes)", c.Binary, req.Model, latency, len(output))
		logging.Audit().LLMCall(req.Model, latency.Milliseconds(), true, "")
	}

	return resp, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
