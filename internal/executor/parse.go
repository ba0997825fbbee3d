package executor

import (
	"encoding/json"
	"regexp"
	"strings"

	"overseer/internal/checkpoint"
	"overseer/internal/llm"
)

// SubAgentRequest is one sub-task a worker asked the executor to run.
type SubAgentRequest struct {
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
}

// ParsedResponse is the structured payload extracted from a worker's
// raw text response.
type ParsedResponse struct {
	FilesCreated  []string          `json:"files_created"`
	FilesModified []string          `json:"files_modified"`
	Summary       string            `json:"summary"`
	Status        string            `json:"status,omitempty"`
	SubAgents     []SubAgentRequest `json:"subagents,omitempty"`
	SubAgentMode  string            `json:"subagent_mode,omitempty"`
}

// Sequential reports whether requested sub-agents must run one at a time.
func (p *ParsedResponse) Sequential() bool {
	return strings.EqualFold(p.SubAgentMode, "sequential")
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// ParseAgentResponse extracts the structured result block from a worker
// response. A fenced JSON block wins; otherwise the first balanced
// top-level object is tried. Text with no parseable object degrades to
// a summary-only result rather than an error.
func ParseAgentResponse(text string) *ParsedResponse {
	if candidate := extractFencedJSON(text); candidate != "" {
		if parsed := tryParse(candidate); parsed != nil {
			return parsed
		}
	}
	if candidate := extractBalancedObject(text); candidate != "" {
		if parsed := tryParse(candidate); parsed != nil {
			return parsed
		}
	}
	return &ParsedResponse{Summary: summarizeRaw(text)}
}

func tryParse(candidate string) *ParsedResponse {
	var parsed ParsedResponse
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil
	}
	if parsed.Summary == "" && parsed.FilesCreated == nil && parsed.FilesModified == nil && parsed.SubAgents == nil {
		// An object, but not ours (e.g. example payload echoed back).
		return nil
	}
	return &parsed
}

func extractFencedJSON(text string) string {
	m := fencedJSONRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// extractBalancedObject scans for the first '{' whose braces balance,
// honoring JSON string literals and escapes.
func extractBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// summarizeRaw trims an unstructured response down to a usable summary.
func summarizeRaw(text string) string {
	s := strings.TrimSpace(text)
	if len(s) > 2000 {
		s = s[:2000] + "..."
	}
	return s
}

// ClassifyStatus maps a response to a terminal checkpoint status. A
// timeout envelope or marker wins over everything; an error marker
// means the invocation itself failed; anything else completed.
func ClassifyStatus(resp *llm.Response, parsed *ParsedResponse) checkpoint.Status {
	if resp != nil && resp.TimedOut {
		return checkpoint.StatusTimeout
	}
	text := ""
	if resp != nil {
		text = resp.Text
	}
	switch {
	case llm.HasTimeoutMarker(text):
		return checkpoint.StatusTimeout
	case llm.HasErrorMarker(text):
		return checkpoint.StatusFailed
	}
	if parsed != nil {
		switch strings.ToUpper(strings.TrimSpace(parsed.Status)) {
		case "FAILED", "ERROR":
			return checkpoint.StatusFailed
		case "TIMEOUT":
			return checkpoint.StatusTimeout
		}
	}
	return checkpoint.StatusCompleted
}
