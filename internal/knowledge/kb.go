package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"overseer/internal/config"
	"overseer/internal/logging"
	"overseer/internal/mission"
)

const domainGeneral = "general"

type domainEntry struct {
	name     string
	keywords map[string]float64
}

// domainLexicon drives the problem-domain classifier. Scoring is
// weight times occurrence count; the highest total wins and ties go to
// the earlier entry.
var domainLexicon = []domainEntry{
	{"gpu_optimization", map[string]float64{
		"gpu": 3, "cuda": 3, "vram": 3, "kernel": 2, "tensor": 2, "triton": 2,
		"quantization": 2, "throughput": 1, "batching": 1, "inference": 1, "flops": 2,
	}},
	{"machine_learning", map[string]float64{
		"model": 2, "training": 2, "dataset": 2, "llm": 2, "embedding": 2,
		"finetune": 2, "prompt": 1, "classifier": 2, "neural": 2, "accuracy": 1,
	}},
	{"web_backend", map[string]float64{
		"api": 2, "endpoint": 2, "http": 2, "rest": 2, "grpc": 2, "webhook": 2,
		"server": 1, "middleware": 2, "route": 1, "auth": 1, "session": 1,
	}},
	{"data_engineering", map[string]float64{
		"pipeline": 2, "etl": 3, "ingest": 2, "warehouse": 2, "schema": 1,
		"migration": 1, "parquet": 3, "stream": 1, "batch": 1,
	}},
	{"database", map[string]float64{
		"sql": 2, "sqlite": 2, "postgres": 3, "index": 1, "query": 1,
		"transaction": 2, "replication": 2, "shard": 2,
	}},
	{"infrastructure", map[string]float64{
		"docker": 2, "kubernetes": 3, "deploy": 2, "terraform": 3, "helm": 3,
		"container": 1, "cluster": 1, "provisioning": 2,
	}},
	{"testing_quality", map[string]float64{
		"test": 2, "coverage": 2, "regression": 1, "lint": 2, "flaky": 3,
		"assertion": 2, "fixture": 2, "mock": 1,
	}},
	{"security", map[string]float64{
		"vulnerability": 3, "cve": 3, "encryption": 2, "sanitize": 2, "injection": 2,
		"credential": 2, "audit": 1, "permission": 1,
	}},
	{"performance", map[string]float64{
		"latency": 2, "profiling": 3, "benchmark": 2, "optimize": 1, "memory": 1,
		"cache": 1, "bottleneck": 2, "contention": 2,
	}},
	{"cli_tooling", map[string]float64{
		"cli": 3, "command": 1, "flag": 2, "terminal": 2, "script": 1,
	}},
}

// classifyDomain scores text against the lexicon.
func classifyDomain(text string) string {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}

	bestDomain := domainGeneral
	bestScore := 0.0
	for _, entry := range domainLexicon {
		score := 0.0
		for keyword, weight := range entry.keywords {
			if n := counts[keyword]; n > 0 {
				score += weight * float64(n)
			}
		}
		if score > bestScore {
			bestScore = score
			bestDomain = entry.name
		}
	}
	return bestDomain
}

// learningID hashes source coordinates so re-ingesting the same source
// always produces the same id.
func learningID(sourceID, coordinate string) string {
	sum := sha256.Sum256([]byte(sourceID + "|" + coordinate))
	return "lrn_" + hex.EncodeToString(sum[:])[:12]
}

// learningTitle shortens a finding to a title-sized line.
func learningTitle(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexAny(line, "\n."); idx > 0 {
		line = line[:idx]
	}
	if len(line) > 70 {
		line = strings.TrimSpace(line[:67]) + "..."
	}
	return line
}

// Findings shorter than this carry no reusable signal.
const minLearningText = 10

// ConfidenceBreakdown exposes the retrieval confidence components.
type ConfidenceBreakdown struct {
	TFIDF   float64 `json:"tfidf"`
	Domain  float64 `json:"domain"`
	Outcome float64 `json:"outcome"`
	Recency float64 `json:"recency"`
}

// RelevantLearning is one retrieval hit with its confidence.
type RelevantLearning struct {
	Learning
	Confidence float64             `json:"confidence"`
	Breakdown  ConfidenceBreakdown `json:"breakdown"`
}

// KnowledgeBase is the cross-mission memory: it ingests mission
// reports and investigation artifacts into learnings and answers
// retrieval queries for the planning stage.
type KnowledgeBase struct {
	store *Store
	index *Index
	topK  int
}

// New opens the knowledge base at the configured path.
func New(cfg *config.Config, embed EmbedFunc) (*KnowledgeBase, error) {
	return Open(cfg.KnowledgeDBPath(), embed, cfg.Knowledge.TopK)
}

// Open opens a knowledge base at an explicit path. embed may be nil.
func Open(path string, embed EmbedFunc, topK int) (*KnowledgeBase, error) {
	if topK <= 0 {
		topK = 5
	}
	index := NewIndex(embed)
	store, err := NewStore(path, index)
	if err != nil {
		return nil, err
	}
	return &KnowledgeBase{store: store, index: index, topK: topK}, nil
}

// Close closes the underlying store.
func (kb *KnowledgeBase) Close() error {
	return kb.store.Close()
}

// Store exposes the backing store.
func (kb *KnowledgeBase) Store() *Store { return kb.store }

// Index exposes the semantic index.
func (kb *KnowledgeBase) Index() *Index { return kb.index }

// IngestCompletedMission extracts learnings from a final mission
// report and stores them. Returns how many learnings were saved.
// Re-ingesting the same report reinforces rather than duplicates.
func (kb *KnowledgeBase) IngestCompletedMission(reportPath string) (int, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "KB.IngestCompletedMission")
	defer timer.Stop()

	report, err := mission.LoadReport(reportPath)
	if err != nil {
		return 0, fmt.Errorf("load mission report: %w", err)
	}

	domain := classifyDomain(report.ProblemStatement + " " + report.FinalSummary)
	baseOutcome := OutcomeSuccess
	if report.FinalStatus != mission.StatusComplete {
		baseOutcome = OutcomePartial
	}

	var learnings []Learning
	add := func(coordinate, learningType, outcome, lessonSource, text string) {
		text = strings.TrimSpace(text)
		if len(text) < minLearningText {
			return
		}
		learnings = append(learnings, Learning{
			LearningID:        learningID(report.MissionID, coordinate),
			SourceID:          report.MissionID,
			SourceType:        SourceMission,
			LearningType:      learningType,
			Title:             learningTitle(text),
			Description:       text,
			ProblemDomain:     domain,
			Outcome:           outcome,
			RelevanceKeywords: keywords(text, 8),
			LessonSource:      lessonSource,
			Timestamp:         report.CompletedAt,
		})
	}

	for _, cycle := range report.Cycles {
		add(fmt.Sprintf("cycle_summary:%d", cycle.Cycle), TypeTechnique, baseOutcome, "cycle_summary", cycle.Summary)
		for i, achievement := range cycle.Achievements {
			add(fmt.Sprintf("achievement:%d:%d", cycle.Cycle, i), TypeTechnique, baseOutcome, "achievement", achievement)
		}
		for i, issue := range cycle.Issues {
			add(fmt.Sprintf("issue:%d:%d", cycle.Cycle, i), TypeGotcha, OutcomePartial, "issue", issue)
		}
		add(fmt.Sprintf("continuation:%d", cycle.Cycle), TypeInsight, baseOutcome, "continuation_prompt", cycle.ContinuationPrompt)
	}
	add("final_summary", TypeTechnique, baseOutcome, "final_summary", report.FinalSummary)
	for i, deliverable := range report.Deliverables {
		add(fmt.Sprintf("deliverable:%d", i), TypeTechnique, baseOutcome, "deliverable", deliverable)
	}
	for i, entry := range report.History {
		text := strings.TrimSpace(entry.Entry + " " + entry.Details)
		switch {
		case matchesAny(text, successKeywords):
			add(fmt.Sprintf("history:%d", i), TypeInsight, OutcomeSuccess, "history", text)
		case matchesAny(text, failureKeywords):
			add(fmt.Sprintf("history:%d", i), TypeGotcha, OutcomeFailure, "history", text)
		}
	}

	if err := kb.store.UpsertMissionSummary(MissionSummary{
		MissionID:        report.MissionID,
		ProblemStatement: report.ProblemStatement,
		ProblemDomain:    domain,
		FinalSummary:     report.FinalSummary,
		TotalCycles:      report.TotalCycles,
		FinalStatus:      report.FinalStatus,
		CompletedAt:      report.CompletedAt,
	}); err != nil {
		return 0, err
	}

	saved := 0
	for _, l := range learnings {
		if err := kb.store.SaveLearning(l); err != nil {
			logging.KnowledgeWarn("saving learning %s: %v", l.LearningID, err)
			continue
		}
		saved++
	}

	logging.Knowledge("ingested mission %s: %d learnings (domain=%s)", report.MissionID, saved, domain)
	return saved, nil
}

var successKeywords = []string{"completed", "succeeded", "passed", "fixed", "resolved", "achieved", "success", "shipped"}
var failureKeywords = []string{"failed", "failure", "error", "timeout", "regression", "halt", "blocked", "crash"}

func matchesAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// investigationFindings is the artifacts/findings.json shape: either a
// bare array of per-subagent results or an envelope with an id.
type investigationFindings struct {
	InvestigationID string                `json:"investigation_id"`
	Findings        []investigationResult `json:"findings"`
}

type investigationResult struct {
	AgentID         string   `json:"agent_id"`
	Topic           string   `json:"topic"`
	Summary         string   `json:"summary"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
}

// IngestInvestigation extracts learnings from an investigation
// workspace: artifacts/findings.json (per-subagent results) and
// artifacts/investigation_report.md (synthesized sections).
func (kb *KnowledgeBase) IngestInvestigation(dir string) (int, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "KB.IngestInvestigation")
	defer timer.Stop()

	investigationID := "inv_" + filepath.Base(dir)
	domain := domainGeneral
	var learnings []Learning

	add := func(coordinate, learningType, lessonSource, text string) {
		text = strings.TrimSpace(text)
		if len(text) < minLearningText {
			return
		}
		learnings = append(learnings, Learning{
			LearningID:        learningID(investigationID, coordinate),
			SourceID:          investigationID,
			SourceType:        SourceInvestigation,
			LearningType:      learningType,
			Title:             learningTitle(text),
			Description:       text,
			Outcome:           OutcomeSuccess,
			RelevanceKeywords: keywords(text, 8),
			LessonSource:      lessonSource,
			Timestamp:         time.Now().UTC(),
		})
	}

	findingsPath := filepath.Join(dir, "artifacts", "findings.json")
	if data, err := os.ReadFile(findingsPath); err == nil {
		var envelope investigationFindings
		if err := json.Unmarshal(data, &envelope); err != nil {
			// Older investigations wrote a bare array.
			if err := json.Unmarshal(data, &envelope.Findings); err != nil {
				logging.KnowledgeWarn("unparseable findings.json in %s: %v", dir, err)
			}
		}
		if envelope.InvestigationID != "" {
			investigationID = envelope.InvestigationID
		}
		var allText strings.Builder
		for fi, result := range envelope.Findings {
			agent := result.AgentID
			if agent == "" {
				agent = fmt.Sprintf("agent%d", fi)
			}
			allText.WriteString(result.Topic + " " + result.Summary + " ")
			add(fmt.Sprintf("finding:%s:summary", agent), TypeInsight, "finding", result.Summary)
			for i, f := range result.Findings {
				add(fmt.Sprintf("finding:%s:%d", agent, i), TypeInsight, "finding", f)
			}
			for i, rec := range result.Recommendations {
				add(fmt.Sprintf("recommendation:%s:%d", agent, i), TypeTechnique, "finding", rec)
			}
		}
		domain = classifyDomain(allText.String())
	}

	reportPath := filepath.Join(dir, "artifacts", "investigation_report.md")
	if data, err := os.ReadFile(reportPath); err == nil {
		sections := splitMarkdownSections(string(data))
		if text := sections["executive summary"]; text != "" {
			add("report:executive_summary", TypeInsight, "investigation_report", text)
			if domain == domainGeneral {
				domain = classifyDomain(text)
			}
		}
		for i, bullet := range sectionBullets(sections["key findings"]) {
			add(fmt.Sprintf("report:key_finding:%d", i), TypeInsight, "investigation_report", bullet)
		}
		for i, bullet := range sectionBullets(sections["recommendations"]) {
			add(fmt.Sprintf("report:recommendation:%d", i), TypeTechnique, "investigation_report", bullet)
		}
		for i, bullet := range sectionBullets(sections["next steps"]) {
			add(fmt.Sprintf("report:next_step:%d", i), TypeInsight, "investigation_report", bullet)
		}
	}

	if len(learnings) == 0 {
		logging.KnowledgeDebug("no investigation artifacts found under %s", dir)
		return 0, nil
	}

	saved := 0
	for i := range learnings {
		learnings[i].ProblemDomain = domain
		if err := kb.store.SaveLearning(learnings[i]); err != nil {
			logging.KnowledgeWarn("saving learning %s: %v", learnings[i].LearningID, err)
			continue
		}
		saved++
	}

	logging.Knowledge("ingested investigation %s: %d learnings (domain=%s)", investigationID, saved, domain)
	return saved, nil
}

// splitMarkdownSections maps lowercased heading text to section body.
func splitMarkdownSections(markdown string) map[string]string {
	sections := make(map[string]string)
	var current string
	var body strings.Builder
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(body.String())
		}
		body.Reset()
	}
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
			current = strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			continue
		}
		body.WriteString(line + "\n")
	}
	flush()
	return sections
}

// sectionBullets pulls list items out of a section; a section without
// bullets yields its whole body as one item.
func sectionBullets(section string) []string {
	if section == "" {
		return nil
	}
	var bullets []string
	for _, line := range strings.Split(section, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			bullets = append(bullets, strings.TrimSpace(trimmed[2:]))
		} else if matched := numberedItem(trimmed); matched != "" {
			bullets = append(bullets, matched)
		}
	}
	if len(bullets) == 0 {
		return []string{section}
	}
	return bullets
}

func numberedItem(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] >= '0' && line[i] <= '9' {
			continue
		}
		if line[i] == '.' && i > 0 && i+1 < len(line) && line[i+1] == ' ' {
			return strings.TrimSpace(line[i+2:])
		}
		break
	}
	return ""
}

// Confidence blend for QueryRelevantLearnings.
const (
	confWeightTFIDF   = 0.7
	confWeightDomain  = 0.1
	confWeightOutcome = 0.05
	confWeightRecency = 0.05
)

// QueryRelevantLearnings retrieves learnings for a problem statement.
// The candidate pool is 3x topK from the semantic index, then filtered
// and re-scored with domain, outcome, and recency components.
func (kb *KnowledgeBase) QueryRelevantLearnings(problem string, topK int, typeFilter, sourceFilter string) ([]RelevantLearning, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "KB.QueryRelevantLearnings")
	defer timer.Stop()

	if topK <= 0 {
		topK = kb.topK
	}

	matches := kb.index.Query(problem, 3*topK, "")
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	resolved, err := kb.store.GetLearnings(ids)
	if err != nil {
		return nil, err
	}

	queryDomain := classifyDomain(problem)
	out := make([]RelevantLearning, 0, len(matches))
	for _, m := range matches {
		l, ok := resolved[m.ID]
		if !ok {
			continue
		}
		if typeFilter != "" && l.LearningType != typeFilter {
			continue
		}
		if sourceFilter != "" && l.SourceType != sourceFilter {
			continue
		}

		bd := ConfidenceBreakdown{
			TFIDF:   m.Breakdown.TFIDF,
			Recency: m.Breakdown.Recency,
		}
		if queryDomain != domainGeneral && l.ProblemDomain == queryDomain {
			bd.Domain = 1
		}
		if l.Outcome == OutcomeSuccess {
			bd.Outcome = 1
		}
		out = append(out, RelevantLearning{
			Learning: l,
			Confidence: confWeightTFIDF*bd.TFIDF + confWeightDomain*bd.Domain +
				confWeightOutcome*bd.Outcome + confWeightRecency*bd.Recency,
			Breakdown: bd,
		})
	}

	sortRelevant(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func sortRelevant(rl []RelevantLearning) {
	for i := 1; i < len(rl); i++ {
		for j := i; j > 0; j-- {
			if rl[j].Confidence > rl[j-1].Confidence ||
				(rl[j].Confidence == rl[j-1].Confidence && rl[j].LearningID < rl[j-1].LearningID) {
				rl[j], rl[j-1] = rl[j-1], rl[j]
			} else {
				break
			}
		}
	}
}

// GeneratePlanningContext builds the markdown block injected into the
// PLANNING prompt: similar past missions, techniques that worked,
// insights, and gotchas to avoid. Returns "" when the base has nothing
// relevant.
func (kb *KnowledgeBase) GeneratePlanningContext(problem string) (string, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "KB.GeneratePlanningContext")
	defer timer.Stop()

	all, err := kb.QueryRelevantLearnings(problem, kb.topK*2, "", "")
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", nil
	}

	var techniques, insights, gotchas []RelevantLearning
	missionBest := make(map[string]RelevantLearning)
	var missionOrder []string
	for _, rl := range all {
		switch rl.LearningType {
		case TypeTechnique, TypeTemplate:
			techniques = append(techniques, rl)
		case TypeInsight:
			insights = append(insights, rl)
		case TypeGotcha, TypeFailure:
			gotchas = append(gotchas, rl)
		}
		if rl.SourceType == SourceMission {
			if _, seen := missionBest[rl.SourceID]; !seen {
				missionBest[rl.SourceID] = rl
				missionOrder = append(missionOrder, rl.SourceID)
			}
		}
	}

	var b strings.Builder
	b.WriteString("## Knowledge Base Context\n\n")
	b.WriteString("Lessons from past missions relevant to this problem. Weigh them; do not follow them blindly.\n")

	if len(missionOrder) > 0 {
		b.WriteString("\n### Similar Past Missions\n")
		count := 0
		for _, missionID := range missionOrder {
			ms, err := kb.store.GetMission(missionID)
			if err != nil || ms == nil {
				continue
			}
			summary := ms.FinalSummary
			if summary == "" {
				summary = ms.ProblemStatement
			}
			fmt.Fprintf(&b, "- **%s** (%s, %d cycles, %s): %s\n",
				ms.MissionID, ms.ProblemDomain, ms.TotalCycles, strings.ToLower(ms.FinalStatus), learningTitle(summary))
			count++
			if count == 3 {
				break
			}
		}
	}

	writeSection := func(heading string, items []RelevantLearning) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n### " + heading + "\n")
		limit := kb.topK
		if len(items) < limit {
			limit = len(items)
		}
		for _, rl := range items[:limit] {
			fmt.Fprintf(&b, "- %s _(from %s, confidence %.2f)_\n", rl.Description, rl.SourceID, rl.Confidence)
		}
	}
	writeSection("Relevant Techniques", techniques)
	writeSection("Insights", insights)
	writeSection("Gotchas to Avoid", gotchas)

	return b.String(), nil
}
