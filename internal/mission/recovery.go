package mission

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"overseer/internal/logging"
)

// StageCheckpoint is the crash-recovery record written before each
// stage attempt and cleared on clean stage exit.
type StageCheckpoint struct {
	MissionID     string    `json:"mission_id"`
	Stage         Stage     `json:"stage"`
	Progress      string    `json:"progress"`
	FilesCreated  []string  `json:"files_created,omitempty"`
	FilesModified []string  `json:"files_modified,omitempty"`
	RecoveryHint  string    `json:"recovery_hint,omitempty"`
	Iteration     int       `json:"iteration"`
	Cycle         int       `json:"cycle"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecoveryStore persists stage checkpoints under
// <base>/<mission_id>/<stage>/checkpoint.json.
type RecoveryStore struct {
	baseDir string
}

func NewRecoveryStore(baseDir string) *RecoveryStore {
	return &RecoveryStore{baseDir: baseDir}
}

func (s *RecoveryStore) stageDir(missionID string, stage Stage) string {
	return filepath.Join(s.baseDir, missionID, string(stage))
}

func (s *RecoveryStore) checkpointPath(missionID string, stage Stage) string {
	return filepath.Join(s.stageDir(missionID, stage), "checkpoint.json")
}

// Save writes a stage checkpoint atomically.
func (s *RecoveryStore) Save(cp *StageCheckpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	dir := s.stageDir(cp.MissionID, cp.Stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create stage checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stage checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "checkpoint.tmp*")
	if err != nil {
		return fmt.Errorf("temp stage checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write stage checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close stage checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.checkpointPath(cp.MissionID, cp.Stage)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish stage checkpoint: %w", err)
	}
	logging.CheckpointDebug("stage checkpoint saved: %s/%s cycle=%d", cp.MissionID, cp.Stage, cp.Cycle)
	return nil
}

// Load reads the checkpoint for one mission stage.
func (s *RecoveryStore) Load(missionID string, stage Stage) (*StageCheckpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(missionID, stage))
	if err != nil {
		return nil, err
	}
	var cp StageCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse stage checkpoint: %w", err)
	}
	return &cp, nil
}

// Clear removes a stage's checkpoint after the stage exits cleanly.
func (s *RecoveryStore) Clear(missionID string, stage Stage) error {
	err := os.Remove(s.checkpointPath(missionID, stage))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ClearMission removes every checkpoint for a mission.
func (s *RecoveryStore) ClearMission(missionID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, missionID))
}

// DetectIncompleteMission scans all stage checkpoints and returns the
// newest one whose mission is not COMPLETE. missionComplete answers
// whether a mission id already finished; unknown missions count as
// incomplete. Returns nil when nothing needs recovery.
func (s *RecoveryStore) DetectIncompleteMission(missionComplete func(missionID string) bool) (*StageCheckpoint, error) {
	missions, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}

	var newest *StageCheckpoint
	for _, m := range missions {
		if !m.IsDir() {
			continue
		}
		missionID := m.Name()
		if missionComplete != nil && missionComplete(missionID) {
			continue
		}
		stages, err := os.ReadDir(filepath.Join(s.baseDir, missionID))
		if err != nil {
			continue
		}
		for _, st := range stages {
			if !st.IsDir() || !Stage(st.Name()).Valid() {
				continue
			}
			cp, err := s.Load(missionID, Stage(st.Name()))
			if err != nil {
				continue
			}
			if newest == nil || cp.Timestamp.After(newest.Timestamp) {
				newest = cp
			}
		}
	}
	if newest != nil {
		logging.Checkpoint("incomplete mission detected: %s at %s (%s old)",
			newest.MissionID, newest.Stage, time.Since(newest.Timestamp).Round(time.Minute))
	}
	return newest, nil
}

// GenerateRecoveryContext renders the blurb prepended to the next
// PLANNING or BUILDING prompt after a crash.
func GenerateRecoveryContext(cp *StageCheckpoint) string {
	if cp == nil {
		return ""
	}
	age := time.Since(cp.Timestamp)
	var b strings.Builder
	b.WriteString("## RECOVERY CONTEXT\n\n")
	fmt.Fprintf(&b, "Your previous session crashed during %s about %s ago (cycle %d, iteration %d).\n",
		cp.Stage, humanDuration(age), cp.Cycle, cp.Iteration)
	if cp.Progress != "" {
		fmt.Fprintf(&b, "Recorded progress: %s\n", cp.Progress)
	}
	if len(cp.FilesCreated) > 0 {
		fmt.Fprintf(&b, "Files already created: %s\n", strings.Join(cp.FilesCreated, ", "))
	}
	if len(cp.FilesModified) > 0 {
		fmt.Fprintf(&b, "Files already modified: %s\n", strings.Join(cp.FilesModified, ", "))
	}
	if cp.RecoveryHint != "" {
		fmt.Fprintf(&b, "Hint from the crashed session: %s\n", cp.RecoveryHint)
	}
	b.WriteString("\nResume from where the work stopped. Do not restart work that already finished.\n")
	return b.String()
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "moments"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1f hours", d.Hours())
	}
}

// BackupFiles copies workspace files into the stage's file_backups/
// directory before they are modified, preserving relative layout.
func (s *RecoveryStore) BackupFiles(missionID string, stage Stage, workspace string, files []string) error {
	backupDir := filepath.Join(s.stageDir(missionID, stage), "file_backups")
	var firstErr error
	backed := 0
	for _, rel := range files {
		src := filepath.Join(workspace, rel)
		if _, err := os.Stat(src); err != nil {
			continue // nothing to back up yet
		}
		dst := filepath.Join(backupDir, rel)
		if err := copyFile(src, dst); err != nil {
			logging.CheckpointWarn("backup %s: %v", rel, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		backed++
	}
	if backed > 0 {
		logging.Checkpoint("backed up %d files for %s/%s", backed, missionID, stage)
	}
	return firstErr
}

// RestoreBackups copies every backed-up file back into the workspace.
func (s *RecoveryStore) RestoreBackups(missionID string, stage Stage, workspace string) (int, error) {
	backupDir := filepath.Join(s.stageDir(missionID, stage), "file_backups")
	restored := 0
	err := filepath.Walk(backupDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(backupDir, path)
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(workspace, rel)); err != nil {
			return err
		}
		restored++
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return restored, err
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
