package knowledge

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"overseer/internal/logging"
)

// Learning source kinds.
const (
	SourceMission       = "mission"
	SourceInvestigation = "investigation"
)

// Learning kinds.
const (
	TypeTechnique = "technique"
	TypeInsight   = "insight"
	TypeGotcha    = "gotcha"
	TypeTemplate  = "template"
	TypeFailure   = "failure"
)

// Outcome of the work a learning came from.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Learning is one reusable finding extracted from a mission or
// investigation. LearningID is a deterministic hash of the source
// coordinates, so re-ingesting the same source reinforces the row
// instead of duplicating it.
type Learning struct {
	LearningID        string    `json:"learning_id"`
	SourceID          string    `json:"source_id"`
	SourceType        string    `json:"source_type"`
	LearningType      string    `json:"learning_type"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	ProblemDomain     string    `json:"problem_domain"`
	Outcome           string    `json:"outcome"`
	RelevanceKeywords []string  `json:"relevance_keywords,omitempty"`
	LessonSource      string    `json:"lesson_source,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Reinforcement     int       `json:"reinforcement"`
}

// combinedText is what the semantic index sees for a learning.
func combinedText(l *Learning) string {
	return l.Title + " " + l.Description + " " + strings.ReplaceAll(l.ProblemDomain, "_", " ")
}

// MissionSummary is the per-mission row kept alongside learnings so
// retrieval can surface whole past missions, not just fragments.
type MissionSummary struct {
	MissionID        string    `json:"mission_id"`
	ProblemStatement string    `json:"problem_statement"`
	ProblemDomain    string    `json:"problem_domain"`
	FinalSummary     string    `json:"final_summary"`
	TotalCycles      int       `json:"total_cycles"`
	FinalStatus      string    `json:"final_status"`
	CompletedAt      time.Time `json:"completed_at"`
	IngestedAt       time.Time `json:"ingested_at"`
}

const knowledgeSchema = `
CREATE TABLE IF NOT EXISTS learnings (
	learning_id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT 'mission',
	learning_type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	problem_domain TEXT NOT NULL DEFAULT 'general',
	outcome TEXT NOT NULL DEFAULT 'success',
	relevance_keywords TEXT NOT NULL DEFAULT '[]',
	lesson_source TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	reinforcement INTEGER NOT NULL DEFAULT 1,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_learnings_source ON learnings(source_id);
CREATE INDEX IF NOT EXISTS idx_learnings_type ON learnings(learning_type);
CREATE INDEX IF NOT EXISTS idx_learnings_domain ON learnings(problem_domain);

CREATE TABLE IF NOT EXISTS missions (
	mission_id TEXT PRIMARY KEY,
	problem_statement TEXT NOT NULL DEFAULT '',
	problem_domain TEXT NOT NULL DEFAULT 'general',
	final_summary TEXT NOT NULL DEFAULT '',
	total_cycles INTEGER NOT NULL DEFAULT 0,
	final_status TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMP,
	ingested_at TIMESTAMP NOT NULL
);
`

// Store persists learnings and mission summaries. Every learning write
// also lands in the semantic index, so retrieval never needs a manual
// reindex step.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	index *Index
}

// NewStore opens the knowledge database at path, hydrates the index
// from the persisted rows, and fits it.
func NewStore(path string, index *Index) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "knowledge.NewStore")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create knowledge dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
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
	if _, err := db.Exec(knowledgeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create knowledge schema: %w", err)
	}

	s := &Store{db: db, index: index}
	loaded, err := s.hydrateIndex()
	if err != nil {
		db.Close()
		return nil, err
	}
	index.Fit()

	logging.Knowledge("knowledge store ready: %s (%d learnings indexed)", path, loaded)
	return s, nil
}

// hydrateIndex replays persisted learnings into the index, reusing
// stored embeddings so reopening never re-embeds.
func (s *Store) hydrateIndex() (int, error) {
	rows, err := s.db.Query(`SELECT learning_id, title, description, problem_domain, created_at, embedding FROM learnings`)
	if err != nil {
		return 0, fmt.Errorf("load learnings for index: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var l Learning
		var blob []byte
		if err := rows.Scan(&l.LearningID, &l.Title, &l.Description, &l.ProblemDomain, &l.Timestamp, &blob); err != nil {
			logging.KnowledgeWarn("skipping unreadable learning row: %v", err)
			continue
		}
		s.index.AddWithEmbedding(l.LearningID, combinedText(&l), l.Timestamp, decodeEmbedding(blob))
		count++
	}
	return count, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Index exposes the semantic index backing this store.
func (s *Store) Index() *Index {
	return s.index
}

// SaveLearning upserts one learning and pushes it into the semantic
// index. Re-saving an existing learning_id refreshes the text and
// bumps its reinforcement counter.
func (s *Store) SaveLearning(l Learning) error {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Store.SaveLearning")
	defer timer.Stop()

	if l.LearningID == "" {
		return fmt.Errorf("learning needs an id")
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	if l.ProblemDomain == "" {
		l.ProblemDomain = domainGeneral
	}

	s.index.AddIncremental(l.LearningID, combinedText(&l), l.Timestamp)
	blob := encodeEmbedding(s.index.EmbeddingOf(l.LearningID))

	keywordsJSON, err := json.Marshal(l.RelevanceKeywords)
	if err != nil {
		keywordsJSON = []byte("[]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO learnings (learning_id, source_id, source_type, learning_type, title,
			description, problem_domain, outcome, relevance_keywords, lesson_source,
			created_at, reinforcement, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(learning_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			problem_domain = excluded.problem_domain,
			outcome = excluded.outcome,
			relevance_keywords = excluded.relevance_keywords,
			lesson_source = excluded.lesson_source,
			embedding = excluded.embedding,
			reinforcement = reinforcement + 1
	`, l.LearningID, l.SourceID, l.SourceType, l.LearningType, l.Title,
		l.Description, l.ProblemDomain, l.Outcome, string(keywordsJSON), l.LessonSource,
		l.Timestamp, blob)
	if err != nil {
		return fmt.Errorf("save learning %s: %w", l.LearningID, err)
	}

	logging.AuditWithMission(l.SourceID).LearningIngested(l.SourceID, l.LearningID, l.LearningType)
	return nil
}

// UpsertMissionSummary writes or refreshes the mission row.
func (s *Store) UpsertMissionSummary(ms MissionSummary) error {
	if ms.MissionID == "" {
		return fmt.Errorf("mission summary needs a mission id")
	}
	if ms.IngestedAt.IsZero() {
		ms.IngestedAt = time.Now().UTC()
	}

	var completed interface{}
	if !ms.CompletedAt.IsZero() {
		completed = ms.CompletedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO missions (mission_id, problem_statement, problem_domain, final_summary,
			total_cycles, final_status, completed_at, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mission_id) DO UPDATE SET
			problem_statement = excluded.problem_statement,
			problem_domain = excluded.problem_domain,
			final_summary = excluded.final_summary,
			total_cycles = excluded.total_cycles,
			final_status = excluded.final_status,
			completed_at = excluded.completed_at,
			ingested_at = excluded.ingested_at
	`, ms.MissionID, ms.ProblemStatement, ms.ProblemDomain, ms.FinalSummary,
		ms.TotalCycles, ms.FinalStatus, completed, ms.IngestedAt)
	if err != nil {
		return fmt.Errorf("upsert mission summary %s: %w", ms.MissionID, err)
	}
	return nil
}

const learningColumns = `learning_id, source_id, source_type, learning_type, title,
	description, problem_domain, outcome, relevance_keywords, lesson_source,
	created_at, reinforcement`

// GetLearning returns one learning, or nil when absent.
func (s *Store) GetLearning(id string) (*Learning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+learningColumns+` FROM learnings WHERE learning_id = ?`, id)
	l, err := scanLearning(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get learning %s: %w", id, err)
	}
	return &l, nil
}

// GetLearnings resolves a batch of ids, skipping unknown ones.
func (s *Store) GetLearnings(ids []string) (map[string]Learning, error) {
	out := make(map[string]Learning, len(ids))
	for _, id := range ids {
		l, err := s.GetLearning(id)
		if err != nil {
			return nil, err
		}
		if l != nil {
			out[id] = *l
		}
	}
	return out, nil
}

// AllLearnings returns every stored learning, newest first.
func (s *Store) AllLearnings() ([]Learning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + learningColumns + ` FROM learnings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			logging.KnowledgeWarn("skipping unreadable learning row: %v", err)
			continue
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLearnings returns how many learnings are stored.
func (s *Store) CountLearnings() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM learnings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count learnings: %w", err)
	}
	return n, nil
}

// GetMission returns one mission summary, or nil when absent.
func (s *Store) GetMission(id string) (*MissionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ms MissionSummary
	var completed sql.NullTime
	err := s.db.QueryRow(`
		SELECT mission_id, problem_statement, problem_domain, final_summary,
			total_cycles, final_status, completed_at, ingested_at
		FROM missions WHERE mission_id = ?
	`, id).Scan(&ms.MissionID, &ms.ProblemStatement, &ms.ProblemDomain, &ms.FinalSummary,
		&ms.TotalCycles, &ms.FinalStatus, &completed, &ms.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	if completed.Valid {
		ms.CompletedAt = completed.Time.UTC()
	}
	ms.IngestedAt = ms.IngestedAt.UTC()
	return &ms, nil
}

// CountMissions returns how many missions have been ingested.
func (s *Store) CountMissions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM missions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count missions: %w", err)
	}
	return n, nil
}

func scanLearning(row rowScanner) (Learning, error) {
	var l Learning
	var keywordsJSON string
	err := row.Scan(&l.LearningID, &l.SourceID, &l.SourceType, &l.LearningType, &l.Title,
		&l.Description, &l.ProblemDomain, &l.Outcome, &keywordsJSON, &l.LessonSource,
		&l.Timestamp, &l.Reinforcement)
	if err != nil {
		return Learning{}, err
	}
	if keywordsJSON != "" && keywordsJSON != "[]" {
		if err := json.Unmarshal([]byte(keywordsJSON), &l.RelevanceKeywords); err != nil {
			l.RelevanceKeywords = nil
		}
	}
	l.Timestamp = l.Timestamp.UTC()
	return l, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// EmbeddingOf returns the dense vector stored for a row, or nil.
func (ix *Index) EmbeddingOf(id string) []float32 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if pos, ok := ix.byID[id]; ok {
		return ix.docs[pos].embedding
	}
	return nil
}

// encodeEmbedding packs float32s little-endian, the layout sqlite-vec
// expects for its vec0 blobs.
func encodeEmbedding(emb []float32) []byte {
	if len(emb) == 0 {
		return nil
	}
	out := make([]byte, 4*len(emb))
	for i, f := range emb {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
