// Package snapshot keeps content-addressed copies of the live mission
// state so an operator can roll a damaged mission back to a known-good
// point. Every snapshot embeds the full state plus a SHA-256 of it;
// restore refuses anything whose hash no longer matches.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"overseer/internal/atomicfile"
	"overseer/internal/config"
	"overseer/internal/logging"
)

// Metadata describes one stored snapshot.
type Metadata struct {
	SnapshotID string            `json:"snapshot_id"`
	MissionID  string            `json:"mission_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Stage      string            `json:"stage"`
	SHA256Hash string            `json:"sha256_hash"`
	FilePath   string            `json:"file_path"`
	StageHint  string            `json:"stage_hint,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// File is the on-disk snapshot layout: metadata plus the verbatim
// mission state it captured.
type File struct {
	Metadata     Metadata        `json:"snapshot_metadata"`
	MissionState json.RawMessage `json:"mission_state"`
}

// Manager creates, lists, verifies, restores, and rotates snapshots of
// one mission state file.
type Manager struct {
	store     *atomicfile.Store
	statePath string
	dir       string
	cfg       config.SnapshotConfig

	mu           sync.Mutex
	lastSnapshot time.Time
}

// NewManager builds a manager for the mission state at statePath,
// storing snapshots under dir.
func NewManager(statePath, dir string, cfg config.SnapshotConfig) *Manager {
	return &Manager{
		store:     atomicfile.New(),
		statePath: statePath,
		dir:       dir,
		cfg:       cfg,
	}
}

// hashState hashes the whitespace-normalized form of the state JSON.
// Snapshot files re-indent the embedded state, so the hash has to be
// stable across reformatting.
func hashState(raw []byte) (string, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", fmt.Errorf("state is not valid JSON: %w", err)
	}
	sum := sha256.Sum256(compact.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Create captures the current mission state. stageHint is free-form
// context about why the snapshot was taken ("scheduled", a stage
// boundary, "manual").
func (m *Manager) Create(stageHint string) (*Metadata, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "Manager.Create")
	defer timer.Stop()

	raw, err := m.store.ReadBytes(m.statePath)
	if err != nil {
		return nil, fmt.Errorf("read mission state: %w", err)
	}

	var state struct {
		MissionID    string `json:"mission_id"`
		CurrentStage string `json:"current_stage"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse mission state: %w", err)
	}
	if state.MissionID == "" {
		return nil, fmt.Errorf("mission state has no mission_id")
	}

	hash, err := hashState(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := Metadata{
		SnapshotID: "snap_" + uuid.New().String()[:8],
		MissionID:  state.MissionID,
		Timestamp:  now,
		Stage:      state.CurrentStage,
		SHA256Hash: hash,
		StageHint:  stageHint,
	}
	filename := fmt.Sprintf("snapshot_%s_%s_%s.json", state.MissionID, now.Format("20060102T150405Z"), hash[:8])
	meta.FilePath = filepath.Join(m.dir, filename)

	if err := m.writeSnapshotFile(meta, raw); err != nil {
		logging.Audit().SnapshotEvent(logging.AuditSnapshotCreated, state.MissionID, meta.SnapshotID, false)
		return nil, err
	}

	m.mu.Lock()
	m.lastSnapshot = now
	m.mu.Unlock()

	logging.Audit().SnapshotEvent(logging.AuditSnapshotCreated, state.MissionID, meta.SnapshotID, true)
	logging.Snapshot("created %s for %s at stage %s (%s)", meta.SnapshotID, state.MissionID, state.CurrentStage, filename)

	if err := m.Rotate(); err != nil {
		logging.SnapshotWarn("rotation after create: %v", err)
	}
	return &meta, nil
}

// writeSnapshotFile publishes the snapshot by temp-file rename. The
// name embeds the content hash, so no two writers ever collide on a
// meaningfully different file.
func (m *Manager) writeSnapshotFile(meta Metadata, raw []byte) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(File{Metadata: meta, MissionState: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, filepath.Base(meta.FilePath)+".tmp*")
	if err != nil {
		return fmt.Errorf("temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, meta.FilePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// List returns all snapshot metadata, newest first. Unreadable files
// are skipped with a warning rather than failing the listing.
func (m *Manager) List() ([]Metadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []Metadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "snapshot_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		f, err := m.readFile(filepath.Join(m.dir, name))
		if err != nil {
			logging.SnapshotWarn("skipping unreadable snapshot %s: %v", name, err)
			continue
		}
		out = append(out, f.Metadata)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].SnapshotID < out[j].SnapshotID
	})
	return out, nil
}

// Latest returns the newest snapshot's metadata, or nil when none exist.
func (m *Manager) Latest() (*Metadata, error) {
	all, err := m.List()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

func (m *Manager) readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &f, nil
}

// find locates a snapshot by id.
func (m *Manager) find(snapshotID string) (*File, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range all {
		if meta.SnapshotID == snapshotID {
			return m.readFile(meta.FilePath)
		}
	}
	return nil, fmt.Errorf("snapshot %s not found", snapshotID)
}

// Verify recomputes the hash of the stored mission state and compares
// it to the recorded one.
func (m *Manager) Verify(snapshotID string) error {
	f, err := m.find(snapshotID)
	if err != nil {
		return err
	}
	hash, err := hashState(f.MissionState)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", snapshotID, err)
	}
	if hash != f.Metadata.SHA256Hash {
		return fmt.Errorf("snapshot %s corrupt: recorded hash %s, computed %s",
			snapshotID, f.Metadata.SHA256Hash, hash)
	}
	return nil
}

// Restore rewrites the mission state from a snapshot. The current
// state is preserved as a .pre_restore_backup first, and a snapshot
// that fails verification is refused.
func (m *Manager) Restore(snapshotID string) error {
	timer := logging.StartTimer(logging.CategorySnapshot, "Manager.Restore")
	defer timer.Stop()

	f, err := m.find(snapshotID)
	if err != nil {
		return err
	}
	hash, err := hashState(f.MissionState)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", snapshotID, err)
	}
	if hash != f.Metadata.SHA256Hash {
		logging.Audit().SnapshotEvent(logging.AuditSnapshotRestored, f.Metadata.MissionID, snapshotID, false)
		return fmt.Errorf("refusing restore: snapshot %s failed hash verification", snapshotID)
	}

	if current, err := m.store.ReadBytes(m.statePath); err == nil {
		backup := m.statePath + ".pre_restore_backup"
		if err := os.WriteFile(backup, current, 0644); err != nil {
			return fmt.Errorf("write pre-restore backup: %w", err)
		}
		logging.Snapshot("pre-restore backup written: %s", backup)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read current state for backup: %w", err)
	}

	if err := m.store.WriteJSON(m.statePath, f.MissionState); err != nil {
		logging.Audit().SnapshotEvent(logging.AuditSnapshotRestored, f.Metadata.MissionID, snapshotID, false)
		return fmt.Errorf("restore mission state: %w", err)
	}

	logging.Audit().SnapshotEvent(logging.AuditSnapshotRestored, f.Metadata.MissionID, snapshotID, true)
	logging.Snapshot("restored mission %s from %s (stage %s, taken %s)",
		f.Metadata.MissionID, snapshotID, f.Metadata.Stage, f.Metadata.Timestamp.Format(time.RFC3339))
	return nil
}

// Rotate evicts snapshots outside the retention policy: the newest
// hourly_keep within the rolling 24 h window stay, plus the newest per
// calendar day for the daily window.
func (m *Manager) Rotate() error {
	all, err := m.List()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	hourlyKeep := m.cfg.HourlyKeep
	if hourlyKeep <= 0 {
		hourlyKeep = 24
	}
	dailyDays := m.cfg.DailyKeepDays
	if dailyDays <= 0 {
		dailyDays = 7
	}

	keep := rotationKeepSet(all, time.Now().UTC(), hourlyKeep, dailyDays)

	evicted := 0
	for _, meta := range all {
		if keep[meta.SnapshotID] {
			continue
		}
		if err := os.Remove(meta.FilePath); err != nil {
			logging.SnapshotWarn("evicting %s: %v", meta.SnapshotID, err)
			continue
		}
		logging.Audit().SnapshotEvent(logging.AuditSnapshotEvicted, meta.MissionID, meta.SnapshotID, true)
		evicted++
	}
	if evicted > 0 {
		logging.Snapshot("rotation evicted %d snapshots (%d kept)", evicted, len(all)-evicted)
	}
	return nil
}

// rotationKeepSet computes which snapshots survive rotation: the
// newest hourlyKeep inside the rolling 24 h window, plus the newest
// per UTC calendar day inside the daily window. all must be sorted
// newest first.
func rotationKeepSet(all []Metadata, now time.Time, hourlyKeep, dailyDays int) map[string]bool {
	keep := make(map[string]bool)

	recentCutoff := now.Add(-24 * time.Hour)
	recent := 0
	for _, meta := range all {
		if recent >= hourlyKeep {
			break
		}
		if meta.Timestamp.After(recentCutoff) {
			keep[meta.SnapshotID] = true
			recent++
		}
	}

	dailyCutoff := now.AddDate(0, 0, -dailyDays)
	newestPerDay := make(map[string]Metadata)
	for _, meta := range all {
		if meta.Timestamp.Before(dailyCutoff) {
			continue
		}
		day := meta.Timestamp.UTC().Format("2006-01-02")
		if cur, ok := newestPerDay[day]; !ok || meta.Timestamp.After(cur.Timestamp) {
			newestPerDay[day] = meta
		}
	}
	for _, meta := range newestPerDay {
		keep[meta.SnapshotID] = true
	}
	return keep
}

// LastSnapshotTime reports when this manager last created a snapshot,
// falling back to the newest on disk when the process just started.
func (m *Manager) LastSnapshotTime() time.Time {
	m.mu.Lock()
	last := m.lastSnapshot
	m.mu.Unlock()
	if !last.IsZero() {
		return last
	}
	latest, err := m.Latest()
	if err != nil || latest == nil {
		return time.Time{}
	}
	return latest.Timestamp
}
