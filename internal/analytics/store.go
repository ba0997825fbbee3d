// Package analytics persists token usage and cost per mission and
// stage. The store is the deduplication authority for transcript token
// events: a unique partial index on (mission_id, request_id) makes
// re-ingestion after restarts harmless.
package analytics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"overseer/internal/logging"
)

// Usage is one invocation's token counts.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Total returns the sum of all four token counts.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// MissionTotals is the aggregated row for one mission.
type MissionTotals struct {
	MissionID        string    `json:"mission_id"`
	ProblemStatement string    `json:"problem_statement"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	Usage            Usage     `json:"usage"`
	CostUSD          float64   `json:"cost_usd"`
	FinalStatus      string    `json:"final_status"`
}

// StageRow is one stage attempt's accumulated usage.
type StageRow struct {
	ID        int64     `json:"id"`
	MissionID string    `json:"mission_id"`
	Stage     string    `json:"stage"`
	Iteration int       `json:"iteration"`
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	DurationS float64   `json:"duration_s"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	CostUSD   float64   `json:"estimated_cost_usd"`
}

// Store is the analytics database. Writes are serialized by a mutex on
// top of a single-connection pool; reads share the same connection, so
// WAL readers never block them.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewStore opens (or creates) the analytics database at path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryAnalytics, "NewStore")
	defer timer.Stop()

	logging.Analytics("opening analytics store at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create analytics dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.AnalyticsDebug("busy_timeout pragma failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.AnalyticsDebug("journal_mode pragma failed: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.AnalyticsDebug("synchronous pragma failed: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Analytics("analytics store ready")
	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	missionsTable := `
	CREATE TABLE IF NOT EXISTS missions (
		mission_id TEXT PRIMARY KEY,
		problem_statement TEXT DEFAULT '',
		started_at DATETIME,
		ended_at DATETIME,
		total_input_tokens INTEGER DEFAULT 0,
		total_output_tokens INTEGER DEFAULT 0,
		total_cache_read_tokens INTEGER DEFAULT 0,
		total_cache_write_tokens INTEGER DEFAULT 0,
		total_cost_usd REAL DEFAULT 0,
		final_status TEXT DEFAULT ''
	);
	`

	stagesTable := `
	CREATE TABLE IF NOT EXISTS stages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mission_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		iteration INTEGER DEFAULT 0,
		cycle INTEGER DEFAULT 1,
		started_at DATETIME,
		ended_at DATETIME,
		duration_s REAL DEFAULT 0,
		model TEXT DEFAULT '',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cache_read_tokens INTEGER DEFAULT 0,
		cache_write_tokens INTEGER DEFAULT 0,
		estimated_cost_usd REAL DEFAULT 0,
		FOREIGN KEY(mission_id) REFERENCES missions(mission_id)
	);
	CREATE INDEX IF NOT EXISTS idx_stages_mission ON stages(mission_id);
	CREATE INDEX IF NOT EXISTS idx_stages_mission_stage ON stages(mission_id, stage);
	`

	// The unique partial index is the deduplication primitive: at most
	// one row per (mission_id, request_id) when the request id is known.
	eventsTable := `
	CREATE TABLE IF NOT EXISTS token_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mission_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		timestamp DATETIME,
		model TEXT DEFAULT '',
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cache_read_tokens INTEGER DEFAULT 0,
		cache_write_tokens INTEGER DEFAULT 0,
		request_id TEXT DEFAULT '',
		FOREIGN KEY(mission_id) REFERENCES missions(mission_id)
	);
	CREATE INDEX IF NOT EXISTS idx_token_events_mission ON token_events(mission_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_token_events_request
		ON token_events(mission_id, request_id) WHERE request_id != '';
	`

	for _, table := range []string{missionsTable, stagesTable, eventsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("create analytics table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Analytics("closing analytics store")
	return s.db.Close()
}

// StartMission upserts the mission row. Re-starting a known mission
// (crash recovery) leaves the original started_at in place.
func (s *Store) StartMission(missionID, problemStatement string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO missions (mission_id, problem_statement, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(mission_id) DO UPDATE SET
			problem_statement = excluded.problem_statement
	`, missionID, problemStatement, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("start mission %s: %w", missionID, err)
	}
	logging.AnalyticsDebug("mission row upserted: %s", missionID)
	return nil
}

// StartStage opens a new stage row and returns its id. Every attempt
// gets its own row, so retries of the same stage stay distinguishable.
func (s *Store) StartStage(missionID, stage string, iteration, cycle int, model string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO stages (mission_id, stage, iteration, cycle, started_at, model)
		VALUES (?, ?, ?, ?, ?, ?)
	`, missionID, stage, iteration, cycle, time.Now().UTC(), model)
	if err != nil {
		return 0, fmt.Errorf("start stage %s/%s: %w", missionID, stage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.AnalyticsDebug("stage row %d opened: %s/%s cycle=%d iter=%d", id, missionID, stage, cycle, iteration)
	return id, nil
}

// EndStage closes the latest open row for (mission, stage), stamping
// ended_at and duration. Already-closed rows are left alone.
func (s *Store) EndStage(missionID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE stages SET
			ended_at = ?,
			duration_s = (julianday(?) - julianday(started_at)) * 86400.0
		WHERE id = (
			SELECT id FROM stages
			WHERE mission_id = ? AND stage = ? AND ended_at IS NULL
			ORDER BY id DESC LIMIT 1
		)
	`, time.Now().UTC(), time.Now().UTC(), missionID, stage)
	if err != nil {
		return fmt.Errorf("end stage %s/%s: %w", missionID, stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.AnalyticsDebug("no open stage row for %s/%s", missionID, stage)
	}
	return nil
}

// RecordTokenUsage ingests one token event. Events carrying a request
// id are deduplicated by the partial index; the insert is reported back
// so callers can distinguish first sight from replay. On insert, the
// latest (mission, stage) row accumulates the usage and its cost.
func (s *Store) RecordTokenUsage(missionID, stage string, usage Usage, model, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO token_events
			(mission_id, stage, timestamp, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, missionID, stage, time.Now().UTC(), model,
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens, requestID)
	if err != nil {
		return false, fmt.Errorf("record token usage %s/%s: %w", missionID, stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		logging.AnalyticsDebug("duplicate token event ignored: mission=%s request=%s", missionID, requestID)
		logging.AuditWithMission(missionID).TokenEvent(missionID, stage, requestID, false)
		return false, nil
	}

	cost := EstimateCost(usage, model)
	_, err = s.db.Exec(`
		UPDATE stages SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_write_tokens = cache_write_tokens + ?,
			estimated_cost_usd = estimated_cost_usd + ?
		WHERE id = (
			SELECT id FROM stages
			WHERE mission_id = ? AND stage = ?
			ORDER BY id DESC LIMIT 1
		)
	`, usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens,
		cost, missionID, stage)
	if err != nil {
		return true, fmt.Errorf("accumulate stage usage %s/%s: %w", missionID, stage, err)
	}

	logging.AnalyticsDebug("token event recorded: mission=%s stage=%s tokens=%d cost=%.6f",
		missionID, stage, usage.Total(), cost)
	logging.AuditWithMission(missionID).TokenEvent(missionID, stage, requestID, true)
	return true, nil
}

// EndMission stamps the mission row with its final totals. Totals come
// from the stage rows; when those are all zero (the watcher recorded
// events against stages the engine never opened), the token events are
// re-aggregated directly.
func (s *Store) EndMission(missionID, finalStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var usage Usage
	var cost float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_write_tokens),0),
			COALESCE(SUM(estimated_cost_usd),0)
		FROM stages WHERE mission_id = ?
	`, missionID).Scan(&usage.InputTokens, &usage.OutputTokens,
		&usage.CacheReadTokens, &usage.CacheWriteTokens, &cost)
	if err != nil {
		return fmt.Errorf("sum stage rows for %s: %w", missionID, err)
	}

	if usage.Total() == 0 {
		usage, cost, err = s.aggregateEventsLocked(missionID)
		if err != nil {
			return err
		}
		if usage.Total() > 0 {
			logging.Analytics("mission %s totals rebuilt from %d-token event fallback", missionID, usage.Total())
		}
	}

	_, err = s.db.Exec(`
		UPDATE missions SET
			ended_at = ?,
			total_input_tokens = ?,
			total_output_tokens = ?,
			total_cache_read_tokens = ?,
			total_cache_write_tokens = ?,
			total_cost_usd = ?,
			final_status = ?
		WHERE mission_id = ?
	`, time.Now().UTC(), usage.InputTokens, usage.OutputTokens,
		usage.CacheReadTokens, usage.CacheWriteTokens, cost, finalStatus, missionID)
	if err != nil {
		return fmt.Errorf("end mission %s: %w", missionID, err)
	}

	logging.Analytics("mission %s ended: status=%s tokens=%d cost=$%.4f",
		missionID, finalStatus, usage.Total(), cost)
	return nil
}

// aggregateEventsLocked sums token_events per model so each event is
// priced with its own model's table. Callers hold s.mu.
func (s *Store) aggregateEventsLocked(missionID string) (Usage, float64, error) {
	rows, err := s.db.Query(`
		SELECT model, COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_write_tokens),0)
		FROM token_events WHERE mission_id = ?
		GROUP BY model
	`, missionID)
	if err != nil {
		return Usage{}, 0, fmt.Errorf("aggregate token events for %s: %w", missionID, err)
	}
	defer rows.Close()

	var total Usage
	var cost float64
	for rows.Next() {
		var model string
		var u Usage
		if err := rows.Scan(&model, &u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens); err != nil {
			return Usage{}, 0, err
		}
		total.Add(u)
		cost += EstimateCost(u, model)
	}
	return total, cost, rows.Err()
}

// MissionTotals returns the mission row, or sql.ErrNoRows when unknown.
func (s *Store) MissionTotals(missionID string) (*MissionTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t MissionTotals
	var startedAt, endedAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT mission_id, problem_statement, started_at, ended_at,
			total_input_tokens, total_output_tokens,
			total_cache_read_tokens, total_cache_write_tokens,
			total_cost_usd, final_status
		FROM missions WHERE mission_id = ?
	`, missionID).Scan(&t.MissionID, &t.ProblemStatement, &startedAt, &endedAt,
		&t.Usage.InputTokens, &t.Usage.OutputTokens,
		&t.Usage.CacheReadTokens, &t.Usage.CacheWriteTokens,
		&t.CostUSD, &t.FinalStatus)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		t.EndedAt = endedAt.Time
	}
	return &t, nil
}

// StageRows returns every stage row for a mission in insertion order.
func (s *Store) StageRows(missionID string) ([]StageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, mission_id, stage, iteration, cycle, started_at, ended_at, duration_s,
			model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, estimated_cost_usd
		FROM stages WHERE mission_id = ?
		ORDER BY id
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("stage rows for %s: %w", missionID, err)
	}
	defer rows.Close()

	var out []StageRow
	for rows.Next() {
		var r StageRow
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.MissionID, &r.Stage, &r.Iteration, &r.Cycle,
			&startedAt, &endedAt, &r.DurationS, &r.Model,
			&r.Usage.InputTokens, &r.Usage.OutputTokens,
			&r.Usage.CacheReadTokens, &r.Usage.CacheWriteTokens, &r.CostUSD); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount returns the number of token events stored for a mission.
func (s *Store) EventCount(missionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM token_events WHERE mission_id = ?`, missionID).Scan(&n)
	return n, err
}

// RecordedRequestIDs preloads every known request id for a mission so
// the transcript watcher can suppress replays after a restart without
// hitting the database per line.
func (s *Store) RecordedRequestIDs(missionID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT request_id FROM token_events
		WHERE mission_id = ? AND request_id != ''
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("preload request ids for %s: %w", missionID, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}
