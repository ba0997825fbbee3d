// Package checkpoint provides per-agent status records on a shared
// filesystem. Records are the synchronization primitive between the
// executor and its workers: writers publish atomically via rename,
// readers poll and tolerate transient absence.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"overseer/internal/logging"
)

// Status is the lifecycle state of one agent's checkpoint.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Record is one agent's published state.
type Record struct {
	AgentID   string                 `json:"agent_id"`
	MissionID string                 `json:"mission_id"`
	Status    Status                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Progress  float64                `json:"progress"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Store manages the checkpoint records for one mission (or one parent
// agent's sub-namespace).
type Store struct {
	dir       string
	missionID string
	mu        sync.Mutex
}

// NewStore opens (creating if needed) the checkpoint directory for a mission.
func NewStore(baseDir, missionID string) (*Store, error) {
	dir := filepath.Join(baseDir, sanitize(missionID), "agents")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir, missionID: missionID}, nil
}

// Sub returns a store rooted in a parent agent's sub-namespace, so
// sub-agents spawned by one worker never collide with another worker's.
func (s *Store) Sub(parentAgentID string) (*Store, error) {
	dir := filepath.Join(s.dir, sanitize(parentAgentID)+".sub")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sub-checkpoint dir: %w", err)
	}
	return &Store{dir: dir, missionID: s.missionID}, nil
}

// Dir exposes the backing directory (used by recovery scans).
func (s *Store) Dir() string {
	return s.dir
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

func (s *Store) recordPath(agentID string) string {
	return filepath.Join(s.dir, sanitize(agentID)+".json")
}

// Create publishes a fresh record for an agent.
func (s *Store) Create(agentID string, initial Status) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		AgentID:   agentID,
		MissionID: s.missionID,
		Status:    initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	logging.CheckpointDebug("created %s status=%s", agentID, initial)
	return rec, nil
}

// Get reads an agent's record. A mid-rename gap surfaces as a
// not-exist error; callers retry on their next poll.
func (s *Store) Get(agentID string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(agentID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", agentID, err)
	}
	return &rec, nil
}

// Update applies patch to an agent's record and republishes it.
// A record already in a terminal status is never changed.
func (s *Store) Update(agentID string, patch func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(agentID)
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", agentID, err)
	}
	if rec.Status.Terminal() {
		logging.CheckpointDebug("update ignored for terminal %s (%s)", agentID, rec.Status)
		return nil
	}

	patch(rec)
	rec.UpdatedAt = time.Now().UTC()
	return s.write(rec)
}

// MarkInProgress transitions an agent to IN_PROGRESS.
func (s *Store) MarkInProgress(agentID string) error {
	return s.Update(agentID, func(r *Record) {
		r.Status = StatusInProgress
	})
}

// SetProgress records fractional progress for a running agent.
func (s *Store) SetProgress(agentID string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return s.Update(agentID, func(r *Record) {
		r.Progress = progress
	})
}

// MarkCompleted finalizes an agent with its structured result.
func (s *Store) MarkCompleted(agentID string, result map[string]interface{}) error {
	err := s.Update(agentID, func(r *Record) {
		r.Status = StatusCompleted
		r.Progress = 1
		r.Result = result
	})
	if err == nil {
		logging.Checkpoint("completed %s", agentID)
	}
	return err
}

// MarkFailed finalizes an agent with an error.
func (s *Store) MarkFailed(agentID string, errMsg string) error {
	err := s.Update(agentID, func(r *Record) {
		r.Status = StatusFailed
		r.Error = errMsg
	})
	if err == nil {
		logging.CheckpointWarn("failed %s: %s", agentID, errMsg)
	}
	return err
}

// MarkTimeout finalizes an agent as timed out.
func (s *Store) MarkTimeout(agentID string) error {
	err := s.Update(agentID, func(r *Record) {
		r.Status = StatusTimeout
		r.Error = "deadline exceeded"
	})
	if err == nil {
		logging.CheckpointWarn("timeout %s", agentID)
	}
	return err
}

// List returns every record in this namespace, skipping sub-namespaces.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue // mid-rename; next caller sees it
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			logging.CheckpointWarn("skipping malformed record %s: %v", e.Name(), err)
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

// write publishes a record via temp-file-then-rename.
func (s *Store) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", rec.AgentID, err)
	}

	target := s.recordPath(rec.AgentID)
	tmp, err := os.CreateTemp(s.dir, sanitize(rec.AgentID)+".tmp*")
	if err != nil {
		return fmt.Errorf("temp checkpoint %s: %w", rec.AgentID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint %s: %w", rec.AgentID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint %s: %w", rec.AgentID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish checkpoint %s: %w", rec.AgentID, err)
	}
	return nil
}
