package executor

import (
	"fmt"
	"sort"
	"strings"

	"overseer/internal/checkpoint"
	"overseer/internal/logging"
)

// ConflictType names a condition the aggregator detected across agents.
type ConflictType string

const (
	ConflictFileBothCreated  ConflictType = "FILE_BOTH_CREATED"
	ConflictFileBothModified ConflictType = "FILE_BOTH_MODIFIED"
	ConflictPartialFailure   ConflictType = "PARTIAL_FAILURE"
)

// Conflict records one cross-agent condition and how it was resolved.
type Conflict struct {
	Type                ConflictType `json:"type"`
	File                string       `json:"file,omitempty"`
	AgentIDs            []string     `json:"agent_ids"`
	Description         string       `json:"description"`
	RequiresHumanReview bool         `json:"requires_human_review"`
	AutoResolution      string       `json:"auto_resolution,omitempty"`
}

// MergedResult is the aggregate outcome of one executor run.
type MergedResult struct {
	MissionID           string        `json:"mission_id"`
	Success             bool          `json:"success"`
	RequiresHumanReview bool          `json:"requires_human_review"`
	Results             []AgentResult `json:"results"`
	FilesCreated        []string      `json:"files_created"`
	FilesModified       []string      `json:"files_modified"`
	Conflicts           []Conflict    `json:"conflicts,omitempty"`
	CombinedSummary     string        `json:"combined_summary"`
	CompletedCount      int           `json:"completed_count"`
	FailedCount         int           `json:"failed_count"`
	TimeoutCount        int           `json:"timeout_count"`
}

// Merge folds per-agent results into one report, detecting file-level
// collisions and partial failure. Success requires every agent to have
// completed and no conflict to demand human review.
func Merge(missionID string, results []AgentResult) *MergedResult {
	merged := &MergedResult{
		MissionID: missionID,
		Results:   results,
	}

	createdBy := make(map[string][]string)
	modifiedBy := make(map[string][]string)

	for _, r := range results {
		switch r.Status {
		case checkpoint.StatusCompleted:
			merged.CompletedCount++
		case checkpoint.StatusTimeout:
			merged.TimeoutCount++
		default:
			merged.FailedCount++
		}
		for _, f := range r.FilesCreated {
			createdBy[f] = append(createdBy[f], r.AgentID)
		}
		for _, f := range r.FilesModified {
			modifiedBy[f] = append(modifiedBy[f], r.AgentID)
		}
	}

	merged.FilesCreated = dedupeKeys(createdBy)
	merged.FilesModified = dedupeKeys(modifiedBy)

	for _, f := range merged.FilesCreated {
		if agents := createdBy[f]; len(uniqueStrings(agents)) >= 2 {
			merged.Conflicts = append(merged.Conflicts, Conflict{
				Type:                ConflictFileBothCreated,
				File:                f,
				AgentIDs:            uniqueStrings(agents),
				Description:         fmt.Sprintf("%d agents each claim to have created %s", len(uniqueStrings(agents)), f),
				RequiresHumanReview: true,
			})
		}
	}
	for _, f := range merged.FilesModified {
		if agents := modifiedBy[f]; len(uniqueStrings(agents)) >= 2 {
			merged.Conflicts = append(merged.Conflicts, Conflict{
				Type:                ConflictFileBothModified,
				File:                f,
				AgentIDs:            uniqueStrings(agents),
				Description:         fmt.Sprintf("%d agents modified %s concurrently", len(uniqueStrings(agents)), f),
				RequiresHumanReview: true,
			})
		}
	}

	failures := merged.FailedCount + merged.TimeoutCount
	if failures > 0 && merged.CompletedCount > 0 {
		conflict := Conflict{
			Type:        ConflictPartialFailure,
			AgentIDs:    failedAgentIDs(results),
			Description: fmt.Sprintf("%d of %d agents did not complete", failures, len(results)),
		}
		if failures > merged.CompletedCount {
			conflict.RequiresHumanReview = true
		} else {
			conflict.AutoResolution = "proceed with successful agents"
		}
		merged.Conflicts = append(merged.Conflicts, conflict)
	}

	for _, c := range merged.Conflicts {
		if c.RequiresHumanReview {
			merged.RequiresHumanReview = true
		}
	}
	merged.Success = failures == 0 && !merged.RequiresHumanReview
	merged.CombinedSummary = buildCombinedSummary(merged)

	if merged.RequiresHumanReview {
		logging.ExecutorWarn("merge for %s requires human review (%d conflicts)", missionID, len(merged.Conflicts))
	}
	return merged
}

func failedAgentIDs(results []AgentResult) []string {
	var ids []string
	for _, r := range results {
		if !r.Succeeded() {
			ids = append(ids, r.AgentID)
		}
	}
	return ids
}

func dedupeKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// buildCombinedSummary renders the merged outcome as markdown for the
// mission report and the analyzing stage.
func buildCombinedSummary(m *MergedResult) string {
	var b strings.Builder

	b.WriteString("# Combined Agent Results\n\n")
	b.WriteString("## Status\n\n")
	fmt.Fprintf(&b, "- Agents: %d total, %d completed, %d failed, %d timed out\n",
		len(m.Results), m.CompletedCount, m.FailedCount, m.TimeoutCount)
	fmt.Fprintf(&b, "- Files created: %d, files modified: %d\n", len(m.FilesCreated), len(m.FilesModified))
	if m.Success {
		b.WriteString("- Outcome: SUCCESS\n")
	} else if m.RequiresHumanReview {
		b.WriteString("- Outcome: REQUIRES HUMAN REVIEW\n")
	} else {
		b.WriteString("- Outcome: PARTIAL\n")
	}

	b.WriteString("\n## Completed Work\n\n")
	anyCompleted := false
	for _, r := range m.Results {
		if !r.Succeeded() {
			continue
		}
		anyCompleted = true
		summary := strings.TrimSpace(r.Summary)
		if summary == "" {
			summary = "(no summary provided)"
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", r.AgentID, firstLine(summary))
	}
	if !anyCompleted {
		b.WriteString("- none\n")
	}

	if m.FailedCount+m.TimeoutCount > 0 {
		b.WriteString("\n## Failures\n\n")
		for _, r := range m.Results {
			if r.Succeeded() {
				continue
			}
			reason := r.Error
			if reason == "" {
				reason = string(r.Status)
			}
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", r.AgentID, r.Status, reason)
		}
	}

	if len(m.Conflicts) > 0 {
		b.WriteString("\n## Conflicts\n\n")
		for _, c := range m.Conflicts {
			line := fmt.Sprintf("- %s: %s", c.Type, c.Description)
			if c.RequiresHumanReview {
				line += " [human review]"
			} else if c.AutoResolution != "" {
				line += " [auto: " + c.AutoResolution + "]"
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}
