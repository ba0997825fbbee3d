package mission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"overseer/internal/logging"
)

// validTransitions is the complete edge set of the stage machine.
// TESTING branches on the test verdict; CYCLE_END branches on the
// remaining cycle budget. BUILDING→ANALYZING is the total-failure
// escape (all work units failed), ANALYZING→BUILDING the regression
// loop within a cycle.
var validTransitions = map[Stage][]Stage{
	StagePlanning:  {StageBuilding},
	StageBuilding:  {StageTesting, StageAnalyzing},
	StageTesting:   {StageAnalyzing, StageBuilding},
	StageAnalyzing: {StageCycleEnd, StageBuilding},
	StageCycleEnd:  {StagePlanning, StageComplete},
	StageComplete:  {},
}

// CanTransition reports whether from→to is a legal stage edge.
func CanTransition(from, to Stage) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStages returns the legal successors of a stage.
func NextStages(from Stage) []Stage {
	out := make([]Stage, len(validTransitions[from]))
	copy(out, validTransitions[from])
	return out
}

// permittedWriteRoots lists the workspace-relative roots writable in
// each stage. An empty string means the whole workspace; an empty list
// means read-only.
var permittedWriteRoots = map[Stage][]string{
	StagePlanning:  {"artifacts", "research"},
	StageBuilding:  {""},
	StageTesting:   {""},
	StageAnalyzing: {filepath.Join("reports", "analysis")},
	StageCycleEnd:  {filepath.Join("artifacts", "cycle_reports"), "prompts"},
	StageComplete:  {},
}

// PermittedWriteRoots resolves the stage's writable roots against a
// workspace. COMPLETE returns nil: the workspace is read-only.
func PermittedWriteRoots(stage Stage, workspace string) []string {
	rel, ok := permittedWriteRoots[stage]
	if !ok {
		return nil
	}
	roots := make([]string, 0, len(rel))
	for _, r := range rel {
		roots = append(roots, filepath.Join(workspace, r))
	}
	return roots
}

// WriteGuard is the descriptor recorded before every LLM invocation so
// both the engine and the spawned agents see the same write contract.
type WriteGuard struct {
	MissionID      string    `json:"mission_id"`
	Stage          Stage     `json:"stage"`
	Workspace      string    `json:"workspace"`
	PermittedRoots []string  `json:"permitted_roots"`
	WrittenAt      time.Time `json:"written_at"`
}

// GuardFileName is the descriptor's location relative to the workspace.
const GuardFileName = ".write_guard.json"

// NewWriteGuard builds the guard for a stage.
func NewWriteGuard(missionID string, stage Stage, workspace string) *WriteGuard {
	return &WriteGuard{
		MissionID:      missionID,
		Stage:          stage,
		Workspace:      workspace,
		PermittedRoots: PermittedWriteRoots(stage, workspace),
		WrittenAt:      time.Now().UTC(),
	}
}

// Save persists the descriptor at the workspace root. The guard file
// itself is always writable, otherwise no stage could record it.
func (g *WriteGuard) Save() error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal write guard: %w", err)
	}
	path := filepath.Join(g.Workspace, GuardFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save write guard: %w", err)
	}
	logging.MissionDebug("write guard saved: stage=%s roots=%d", g.Stage, len(g.PermittedRoots))
	return nil
}

// Allows reports whether path may be written under this guard.
func (g *WriteGuard) Allows(path string) bool {
	if len(g.PermittedRoots) == 0 {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if filepath.Base(abs) == GuardFileName {
		return true
	}
	for _, root := range g.PermittedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Write creates or overwrites a file, failing early when the guard
// forbids the target. Parent directories are created as needed.
func (g *WriteGuard) Write(path string, data []byte) error {
	if !g.Allows(path) {
		logging.MissionWarn("write to %s blocked in stage %s", path, g.Stage)
		return fmt.Errorf("stage %s forbids writing %s", g.Stage, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("guarded write %s: %w", path, err)
	}
	return nil
}

// DescribeRestrictions renders the write contract for stage prompts.
func DescribeRestrictions(stage Stage, workspace string) string {
	roots := PermittedWriteRoots(stage, workspace)
	switch {
	case len(roots) == 0:
		return "This stage is read-only. Do not create or modify any files."
	case len(roots) == 1 && roots[0] == filepath.Clean(workspace):
		return "You may write anywhere inside the mission workspace."
	default:
		var b strings.Builder
		b.WriteString("In this stage you may only write under:\n")
		for _, r := range roots {
			b.WriteString("- " + r + "\n")
		}
		b.WriteString("Writes outside these paths are rejected.")
		return b.String()
	}
}
