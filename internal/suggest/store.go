// Package suggest persists next-mission recommendations. Rows are
// produced by mission completions and drift halts, reshaped by the
// analyzer (merge, re-score, health checks), and consumed when an
// operator promotes one into the queue.
package suggest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"overseer/internal/logging"
)

// Where a suggestion came from.
const (
	SourceDriftHalt  = "drift_halt"
	SourceCompletion = "successful_completion"
	SourceMerged     = "merged"
	SourceManual     = "manual"
)

// Analyzer-maintained health states.
const (
	HealthHealthy     = "healthy"
	HealthStale       = "stale"
	HealthOrphaned    = "orphaned"
	HealthNeedsReview = "needs_review"
	HealthHot         = "hot"
)

const (
	MinCycles        = 1
	MaxCycles        = 10
	DefaultCycles    = 3
	DefaultPriority  = 50.0
	maxSummaryLength = 500
)

// Suggestion is one recommendation row. The original_* fields keep the
// pre-merge text so a merged row can be unwound by the analyzer.
type Suggestion struct {
	ID                       string    `json:"id"`
	MissionTitle             string    `json:"mission_title"`
	MissionDescription       string    `json:"mission_description"`
	SuggestedCycles          int       `json:"suggested_cycles"`
	SourceMissionID          string    `json:"source_mission_id,omitempty"`
	SourceMissionSummary     string    `json:"source_mission_summary,omitempty"`
	Rationale                string    `json:"rationale,omitempty"`
	CreatedAt                time.Time `json:"created_at"`
	SourceType               string    `json:"source_type"`
	PriorityScore            float64   `json:"priority_score"`
	HealthStatus             string    `json:"health_status"`
	AutoTags                 []string  `json:"auto_tags,omitempty"`
	MergedFrom               []string  `json:"merged_from,omitempty"`
	MergedSourceDescriptions []string  `json:"merged_source_descriptions,omitempty"`
	DriftContext             string    `json:"drift_context,omitempty"`
	OriginalTitle            string    `json:"original_title,omitempty"`
	OriginalDescription      string    `json:"original_description,omitempty"`
	OriginalRationale        string    `json:"original_rationale,omitempty"`
}

// Filter narrows GetFiltered results. Zero values mean "any".
type Filter struct {
	SourceType   string
	HealthStatus string
	MinPriority  *float64
	MaxPriority  *float64
	Limit        int
	Offset       int
}

// schemaVersion is the PRAGMA user_version this build writes. Migrations
// are forward-only: v0 databases are walked up step by step, newer
// databases are refused.
const schemaVersion = 2

// migrations[i] upgrades user_version i to i+1 inside one transaction.
var migrations = []string{
	// v1: core recommendation table.
	`
	CREATE TABLE IF NOT EXISTS suggestions (
		id TEXT PRIMARY KEY,
		mission_title TEXT NOT NULL,
		mission_description TEXT NOT NULL,
		suggested_cycles INTEGER NOT NULL DEFAULT 3,
		source_mission_id TEXT DEFAULT '',
		source_mission_summary TEXT DEFAULT '',
		rationale TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		source_type TEXT NOT NULL DEFAULT 'manual',
		priority_score REAL NOT NULL DEFAULT 50.0
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_priority ON suggestions(priority_score DESC);
	CREATE INDEX IF NOT EXISTS idx_suggestions_source ON suggestions(source_type);
	`,
	// v2: analyzer columns (health tracking, merges, drift context,
	// pre-edit originals).
	`
	ALTER TABLE suggestions ADD COLUMN health_status TEXT NOT NULL DEFAULT 'healthy';
	ALTER TABLE suggestions ADD COLUMN auto_tags TEXT NOT NULL DEFAULT '[]';
	ALTER TABLE suggestions ADD COLUMN merged_from TEXT NOT NULL DEFAULT '[]';
	ALTER TABLE suggestions ADD COLUMN merged_source_descriptions TEXT NOT NULL DEFAULT '[]';
	ALTER TABLE suggestions ADD COLUMN drift_context TEXT NOT NULL DEFAULT '';
	ALTER TABLE suggestions ADD COLUMN original_title TEXT NOT NULL DEFAULT '';
	ALTER TABLE suggestions ADD COLUMN original_description TEXT NOT NULL DEFAULT '';
	ALTER TABLE suggestions ADD COLUMN original_rationale TEXT NOT NULL DEFAULT '';
	CREATE INDEX IF NOT EXISTS idx_suggestions_health ON suggestions(health_status);
	`,
}

const suggestionColumns = `id, mission_title, mission_description, suggested_cycles,
	source_mission_id, source_mission_summary, rationale, created_at, source_type,
	priority_score, health_status, auto_tags, merged_from, merged_source_descriptions,
	drift_context, original_title, original_description, original_rationale`

// Store is the durable suggestion table. A single connection serializes
// writers; WAL keeps concurrent readers cheap.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the suggestion database at path
// and brings its schema up to date.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "suggest.NewStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create suggestions dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open suggestions db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("suggestion store ready: %s (schema v%d)", path, schemaVersion)
	return s, nil
}

// migrate walks user_version up to schemaVersion one step at a time.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("suggestions db schema v%d is newer than supported v%d", version, schemaVersion)
	}

	for v := version; v < schemaVersion; v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", v+1, err)
		}
		logging.Store("suggestions schema migrated to v%d", v+1)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// NewID mints a suggestion id.
func NewID() string {
	return "rec_" + uuid.New().String()[:8]
}

// normalize fills defaults and clamps fields to their contract.
func normalize(sg *Suggestion) {
	if sg.ID == "" {
		sg.ID = NewID()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	if sg.SuggestedCycles == 0 {
		sg.SuggestedCycles = DefaultCycles
	}
	if sg.SuggestedCycles < MinCycles {
		sg.SuggestedCycles = MinCycles
	}
	if sg.SuggestedCycles > MaxCycles {
		sg.SuggestedCycles = MaxCycles
	}
	switch sg.SourceType {
	case SourceDriftHalt, SourceCompletion, SourceMerged, SourceManual:
	default:
		sg.SourceType = SourceManual
	}
	switch sg.HealthStatus {
	case HealthHealthy, HealthStale, HealthOrphaned, HealthNeedsReview, HealthHot:
	default:
		sg.HealthStatus = HealthHealthy
	}
	if sg.PriorityScore == 0 {
		sg.PriorityScore = DefaultPriority
	}
	sg.SourceMissionSummary = truncate(sg.SourceMissionSummary, maxSummaryLength)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}

func marshalList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

// Add inserts a new suggestion, filling defaults, and returns the
// stored row.
func (s *Store) Add(sg Suggestion) (Suggestion, error) {
	timer := logging.StartTimer(logging.CategoryStore, "suggest.Add")
	defer timer.Stop()

	normalize(&sg)
	if sg.MissionDescription == "" {
		return Suggestion{}, fmt.Errorf("suggestion needs a mission description")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sg.ID, sg.MissionTitle, sg.MissionDescription, sg.SuggestedCycles,
		sg.SourceMissionID, sg.SourceMissionSummary, sg.Rationale, sg.CreatedAt,
		sg.SourceType, sg.PriorityScore, sg.HealthStatus,
		marshalList(sg.AutoTags), marshalList(sg.MergedFrom), marshalList(sg.MergedSourceDescriptions),
		sg.DriftContext, sg.OriginalTitle, sg.OriginalDescription, sg.OriginalRationale)
	if err != nil {
		return Suggestion{}, fmt.Errorf("insert suggestion: %w", err)
	}

	audit := logging.Audit()
	audit.SuggestionSaved(sg.ID, sg.SourceType)
	logging.StoreDebug("suggestion added: %s (%s, priority=%.1f)", sg.ID, sg.SourceType, sg.PriorityScore)
	return sg, nil
}

// Update rewrites an existing row in full.
func (s *Store) Update(sg Suggestion) error {
	timer := logging.StartTimer(logging.CategoryStore, "suggest.Update")
	defer timer.Stop()

	normalize(&sg)
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE suggestions SET
			mission_title = ?, mission_description = ?, suggested_cycles = ?,
			source_mission_id = ?, source_mission_summary = ?, rationale = ?,
			source_type = ?, priority_score = ?, health_status = ?,
			auto_tags = ?, merged_from = ?, merged_source_descriptions = ?,
			drift_context = ?, original_title = ?, original_description = ?, original_rationale = ?
		WHERE id = ?
	`, sg.MissionTitle, sg.MissionDescription, sg.SuggestedCycles,
		sg.SourceMissionID, sg.SourceMissionSummary, sg.Rationale,
		sg.SourceType, sg.PriorityScore, sg.HealthStatus,
		marshalList(sg.AutoTags), marshalList(sg.MergedFrom), marshalList(sg.MergedSourceDescriptions),
		sg.DriftContext, sg.OriginalTitle, sg.OriginalDescription, sg.OriginalRationale,
		sg.ID)
	if err != nil {
		return fmt.Errorf("update suggestion %s: %w", sg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("suggestion %s not found", sg.ID)
	}
	return nil
}

// Delete removes one suggestion.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM suggestions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete suggestion %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("suggestion %s not found", id)
	}
	logging.StoreDebug("suggestion deleted: %s", id)
	return nil
}

// DeleteMany removes a batch in one transaction and reports how many
// rows existed.
func (s *Store) DeleteMany(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin delete batch: %w", err)
	}
	deleted := 0
	for _, id := range ids {
		res, err := tx.Exec(`DELETE FROM suggestions WHERE id = ?`, id)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("delete suggestion %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete batch: %w", err)
	}

	logging.Store("deleted %d/%d suggestions", deleted, len(ids))
	return deleted, nil
}

// Get returns one suggestion, or nil when absent.
func (s *Store) Get(id string) (*Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get suggestion %s: %w", id, err)
	}
	return &sg, nil
}

// GetAll returns every suggestion, best first.
func (s *Store) GetAll() ([]Suggestion, error) {
	timer := logging.StartTimer(logging.CategoryStore, "suggest.GetAll")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT ` + suggestionColumns + `
		FROM suggestions
		ORDER BY priority_score DESC, created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

// GetFiltered returns suggestions matching the filter, best first.
func (s *Store) GetFiltered(f Filter) ([]Suggestion, error) {
	timer := logging.StartTimer(logging.CategoryStore, "suggest.GetFiltered")
	defer timer.Stop()

	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE 1=1`
	var args []interface{}
	if f.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, f.SourceType)
	}
	if f.HealthStatus != "" {
		query += ` AND health_status = ?`
		args = append(args, f.HealthStatus)
	}
	if f.MinPriority != nil {
		query += ` AND priority_score >= ?`
		args = append(args, *f.MinPriority)
	}
	if f.MaxPriority != nil {
		query += ` AND priority_score <= ?`
		args = append(args, *f.MaxPriority)
	}
	query += ` ORDER BY priority_score DESC, created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter suggestions: %w", err)
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

// Count returns the number of stored suggestions.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM suggestions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count suggestions: %w", err)
	}
	return n, nil
}

// UpsertBatch inserts-or-updates rows keyed by id in one transaction.
// This is the only bulk write: imports and analyzer rewrites go through
// it so concurrent additions are never clobbered by a replace-all.
func (s *Store) UpsertBatch(sgs []Suggestion) (inserted, updated int, err error) {
	timer := logging.StartTimer(logging.CategoryStore, "suggest.UpsertBatch")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin upsert batch: %w", err)
	}

	for i := range sgs {
		sg := sgs[i]
		normalize(&sg)

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM suggestions WHERE id = ?`, sg.ID).Scan(&exists); err != nil {
			tx.Rollback()
			return 0, 0, fmt.Errorf("probe suggestion %s: %w", sg.ID, err)
		}

		_, err := tx.Exec(`
			INSERT INTO suggestions (`+suggestionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				mission_title = excluded.mission_title,
				mission_description = excluded.mission_description,
				suggested_cycles = excluded.suggested_cycles,
				source_mission_id = excluded.source_mission_id,
				source_mission_summary = excluded.source_mission_summary,
				rationale = excluded.rationale,
				source_type = excluded.source_type,
				priority_score = excluded.priority_score,
				health_status = excluded.health_status,
				auto_tags = excluded.auto_tags,
				merged_from = excluded.merged_from,
				merged_source_descriptions = excluded.merged_source_descriptions,
				drift_context = excluded.drift_context,
				original_title = excluded.original_title,
				original_description = excluded.original_description,
				original_rationale = excluded.original_rationale
		`, sg.ID, sg.MissionTitle, sg.MissionDescription, sg.SuggestedCycles,
			sg.SourceMissionID, sg.SourceMissionSummary, sg.Rationale, sg.CreatedAt,
			sg.SourceType, sg.PriorityScore, sg.HealthStatus,
			marshalList(sg.AutoTags), marshalList(sg.MergedFrom), marshalList(sg.MergedSourceDescriptions),
			sg.DriftContext, sg.OriginalTitle, sg.OriginalDescription, sg.OriginalRationale)
		if err != nil {
			tx.Rollback()
			return 0, 0, fmt.Errorf("upsert suggestion %s: %w", sg.ID, err)
		}
		if exists > 0 {
			updated++
		} else {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit upsert batch: %w", err)
	}

	logging.Store("suggestion batch upserted: %d inserted, %d updated", inserted, updated)
	return inserted, updated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var sg Suggestion
	var autoTags, mergedFrom, mergedDescs string
	err := row.Scan(&sg.ID, &sg.MissionTitle, &sg.MissionDescription, &sg.SuggestedCycles,
		&sg.SourceMissionID, &sg.SourceMissionSummary, &sg.Rationale, &sg.CreatedAt,
		&sg.SourceType, &sg.PriorityScore, &sg.HealthStatus,
		&autoTags, &mergedFrom, &mergedDescs,
		&sg.DriftContext, &sg.OriginalTitle, &sg.OriginalDescription, &sg.OriginalRationale)
	if err != nil {
		return Suggestion{}, err
	}
	sg.AutoTags = unmarshalList(autoTags)
	sg.MergedFrom = unmarshalList(mergedFrom)
	sg.MergedSourceDescriptions = unmarshalList(mergedDescs)
	sg.CreatedAt = sg.CreatedAt.UTC()
	return sg, nil
}

func collectSuggestions(rows *sql.Rows) ([]Suggestion, error) {
	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			logging.StoreWarn("skipping unreadable suggestion row: %v", err)
			continue
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}
