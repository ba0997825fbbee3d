package executor

import (
	"strings"
	"testing"

	"overseer/internal/checkpoint"
)

func completed(id, summary string, created, modified []string) AgentResult {
	return AgentResult{
		AgentID: id, UnitID: id,
		Status:        checkpoint.StatusCompleted,
		Summary:       summary,
		FilesCreated:  created,
		FilesModified: modified,
	}
}

func failed(id, errMsg string) AgentResult {
	return AgentResult{AgentID: id, UnitID: id, Status: checkpoint.StatusFailed, Error: errMsg}
}

func TestMergeAllCompleted(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "built api", []string{"api.go"}, nil),
		completed("a2", "built store", []string{"store.go"}, []string{"go.mod"}),
	})

	if !m.Success {
		t.Error("Success = false, want true")
	}
	if m.RequiresHumanReview {
		t.Error("RequiresHumanReview = true, want false")
	}
	if m.CompletedCount != 2 || m.FailedCount != 0 || m.TimeoutCount != 0 {
		t.Errorf("counts = %d/%d/%d", m.CompletedCount, m.FailedCount, m.TimeoutCount)
	}
	if len(m.FilesCreated) != 2 || m.FilesCreated[0] != "api.go" {
		t.Errorf("FilesCreated = %v, want sorted union", m.FilesCreated)
	}
	if len(m.Conflicts) != 0 {
		t.Errorf("Conflicts = %v", m.Conflicts)
	}
}

func TestMergeFileBothCreated(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "s", []string{"shared.go"}, nil),
		completed("a2", "s", []string{"shared.go"}, nil),
	})

	if m.Success {
		t.Error("Success = true with a creation collision")
	}
	if !m.RequiresHumanReview {
		t.Error("RequiresHumanReview = false, want true")
	}
	if len(m.Conflicts) != 1 || m.Conflicts[0].Type != ConflictFileBothCreated {
		t.Fatalf("Conflicts = %+v", m.Conflicts)
	}
	if len(m.Conflicts[0].AgentIDs) != 2 {
		t.Errorf("conflict agents = %v", m.Conflicts[0].AgentIDs)
	}
	if len(m.FilesCreated) != 1 {
		t.Errorf("FilesCreated = %v, want deduplicated", m.FilesCreated)
	}
}

func TestMergeFileBothModified(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "s", nil, []string{"main.go"}),
		completed("a2", "s", nil, []string{"main.go"}),
	})
	if len(m.Conflicts) != 1 || m.Conflicts[0].Type != ConflictFileBothModified {
		t.Fatalf("Conflicts = %+v", m.Conflicts)
	}
	if !m.Conflicts[0].RequiresHumanReview {
		t.Error("modification collision must require review")
	}
}

func TestMergeSameAgentListingFileTwiceIsNotAConflict(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "s", []string{"dup.go", "dup.go"}, nil),
	})
	if len(m.Conflicts) != 0 {
		t.Errorf("Conflicts = %+v, want none", m.Conflicts)
	}
	if len(m.FilesCreated) != 1 {
		t.Errorf("FilesCreated = %v", m.FilesCreated)
	}
}

func TestMergePartialFailureAutoResolves(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "s", nil, nil),
		completed("a2", "s", nil, nil),
		failed("a3", "exit status 1"),
	})

	if m.Success {
		t.Error("Success = true with a failure present")
	}
	if m.RequiresHumanReview {
		t.Error("minority failure must auto-resolve")
	}
	var pf *Conflict
	for i := range m.Conflicts {
		if m.Conflicts[i].Type == ConflictPartialFailure {
			pf = &m.Conflicts[i]
		}
	}
	if pf == nil {
		t.Fatal("PARTIAL_FAILURE conflict missing")
	}
	if pf.AutoResolution == "" {
		t.Error("expected auto-resolution text")
	}
}

func TestMergeMajorityFailuresEscalate(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "s", nil, nil),
		failed("a2", "boom"),
		{AgentID: "a3", UnitID: "a3", Status: checkpoint.StatusTimeout, Error: "deadline exceeded"},
	})

	if !m.RequiresHumanReview {
		t.Error("majority failures must require review")
	}
	if m.TimeoutCount != 1 || m.FailedCount != 1 {
		t.Errorf("counts = failed %d, timeout %d", m.FailedCount, m.TimeoutCount)
	}
}

func TestMergeAllFailedHasNoPartialConflict(t *testing.T) {
	m := Merge("m1", []AgentResult{failed("a1", "x"), failed("a2", "y")})
	for _, c := range m.Conflicts {
		if c.Type == ConflictPartialFailure {
			t.Error("PARTIAL_FAILURE applies only when some agents succeeded")
		}
	}
	if m.Success {
		t.Error("Success = true with all agents failed")
	}
}

func TestCombinedSummaryStructure(t *testing.T) {
	m := Merge("m1", []AgentResult{
		completed("a1", "implemented the watcher loop", []string{"watch.go"}, nil),
		failed("a2", "compile error"),
	})

	s := m.CombinedSummary
	for _, want := range []string{
		"# Combined Agent Results",
		"## Status",
		"## Completed Work",
		"**a1**: implemented the watcher loop",
		"## Failures",
		"**a2**",
		"## Conflicts",
		"PARTIAL_FAILURE",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("combined summary missing %q:\n%s", want, s)
		}
	}
}
