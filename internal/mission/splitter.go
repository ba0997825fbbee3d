package mission

import (
	"fmt"
	"regexp"
	"strings"

	"overseer/internal/executor"
	"overseer/internal/logging"
)

// Splitting turns one mission text into work units the executor can
// fan out. Strategy AUTO inspects the text for cues; explicit
// strategies skip detection.

var (
	taskLineRe = regexp.MustCompile(`(?m)^[ \t]*(?:\d+[.)][ \t]+|[-*][ \t]+)(.+)$`)
	filePathRe = regexp.MustCompile(`\b[\w-]+(?:/[\w.-]+)*\.[A-Za-z]{1,6}\b`)
	approachRe = regexp.MustCompile(`(?i)\b(compare|comparison|versus|vs\.?|approaches)\b`)
)

// sectionLexicon maps a canonical section to the words that signal it.
var sectionLexicon = map[string][]string{
	"frontend": {"frontend", "front-end", "ui"},
	"backend":  {"backend", "back-end", "server", "api"},
	"tests":    {"test", "tests", "testing"},
	"docs":     {"docs", "documentation"},
	"infra":    {"infra", "infrastructure", "deployment", "ci"},
}

// sectionOrder keeps unit ordering deterministic.
var sectionOrder = []string{"frontend", "backend", "tests", "docs", "infra"}

// DetectStrategy picks a split strategy from cues in the mission text.
func DetectStrategy(text string) executor.SplitStrategy {
	if len(taskLineRe.FindAllString(text, -1)) >= 2 {
		return executor.StrategyTaskBased
	}
	if len(uniqueMatches(filePathRe, text)) >= 3 {
		return executor.StrategyFileBased
	}
	if len(matchedSections(text)) >= 2 {
		return executor.StrategySectionBased
	}
	if approachRe.MatchString(text) {
		return executor.StrategyApproachBased
	}
	if len(strings.Fields(text)) > 100 {
		return executor.StrategyPhaseBased
	}
	return executor.StrategySingle
}

// Split divides mission text into at most maxUnits ordered work units.
func Split(text string, strategy executor.SplitStrategy, maxUnits int) []executor.WorkUnit {
	if maxUnits < 1 {
		maxUnits = 1
	}
	if strategy == executor.StrategyAuto || strategy == "" {
		strategy = DetectStrategy(text)
	}
	logging.MissionDebug("split strategy=%s max_units=%d words=%d", strategy, maxUnits, len(strings.Fields(text)))

	var units []executor.WorkUnit
	switch strategy {
	case executor.StrategyTaskBased:
		units = splitByTasks(text, maxUnits)
	case executor.StrategyFileBased:
		units = splitByFiles(text, maxUnits)
	case executor.StrategySectionBased:
		units = splitBySections(text, maxUnits)
	case executor.StrategyApproachBased:
		units = splitByApproaches(text, maxUnits)
	case executor.StrategyPhaseBased:
		units = splitByPhases(text)
	default:
		strategy = executor.StrategySingle
		units = []executor.WorkUnit{makeUnit(1, text, strategy)}
	}

	if len(units) == 0 {
		units = []executor.WorkUnit{makeUnit(1, text, executor.StrategySingle)}
	}
	return units
}

func makeUnit(n int, description string, strategy executor.SplitStrategy) executor.WorkUnit {
	return executor.WorkUnit{
		ID:                  fmt.Sprintf("unit_%d", n),
		Description:         description,
		EstimatedComplexity: executor.EstimateComplexity(len(strings.Fields(description))),
		Strategy:            strategy,
	}
}

// splitByTasks groups the extracted task lines round-robin when there
// are more lines than allowed units.
func splitByTasks(text string, maxUnits int) []executor.WorkUnit {
	matches := taskLineRe.FindAllStringSubmatch(text, -1)
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		if line := strings.TrimSpace(m[1]); line != "" {
			items = append(items, line)
		}
	}
	buckets := roundRobin(items, maxUnits)

	units := make([]executor.WorkUnit, 0, len(buckets))
	for i, bucket := range buckets {
		u := makeUnit(i+1, strings.Join(bucket, "\n"), executor.StrategyTaskBased)
		units = append(units, u)
	}
	return units
}

// splitByFiles assigns each unit a bucket of the referenced paths.
func splitByFiles(text string, maxUnits int) []executor.WorkUnit {
	paths := uniqueMatches(filePathRe, text)
	buckets := roundRobin(paths, maxUnits)

	units := make([]executor.WorkUnit, 0, len(buckets))
	for i, bucket := range buckets {
		desc := fmt.Sprintf("Apply the mission to these files:\n%s\n\nMission:\n%s",
			strings.Join(bucket, "\n"), text)
		u := makeUnit(i+1, desc, executor.StrategyFileBased)
		u.Files = bucket
		units = append(units, u)
	}
	return units
}

// splitBySections emits one unit per matched section keyword.
func splitBySections(text string, maxUnits int) []executor.WorkUnit {
	sections := matchedSections(text)
	if len(sections) > maxUnits {
		sections = sections[:maxUnits]
	}
	units := make([]executor.WorkUnit, 0, len(sections))
	for i, section := range sections {
		desc := fmt.Sprintf("Handle only the %s portion of this mission:\n\n%s", section, text)
		u := makeUnit(i+1, desc, executor.StrategySectionBased)
		u.Metadata = map[string]string{"section": section}
		units = append(units, u)
	}
	return units
}

// splitByApproaches prototypes two candidate approaches; with room for
// a third unit, a comparison depends on both prototypes.
func splitByApproaches(text string, maxUnits int) []executor.WorkUnit {
	u1 := makeUnit(1, "Prototype the first approach described here, in isolation:\n\n"+text, executor.StrategyApproachBased)
	u2 := makeUnit(2, "Prototype the second (alternative) approach described here, in isolation:\n\n"+text, executor.StrategyApproachBased)
	units := []executor.WorkUnit{u1, u2}
	if maxUnits >= 3 {
		cmp := makeUnit(3, "Compare the prototyped approaches and recommend one, with evidence:\n\n"+text, executor.StrategyApproachBased)
		cmp.Dependencies = []string{u1.ID, u2.ID}
		units = append(units, cmp)
	}
	return units
}

// splitByPhases produces the research→design→implement chain.
func splitByPhases(text string) []executor.WorkUnit {
	research := makeUnit(1, "Research phase: gather the facts, constraints, and prior art needed for this mission:\n\n"+text, executor.StrategyPhaseBased)
	design := makeUnit(2, "Design phase: using the research findings, produce a concrete design for:\n\n"+text, executor.StrategyPhaseBased)
	design.Dependencies = []string{research.ID}
	implement := makeUnit(3, "Implementation phase: execute the design for:\n\n"+text, executor.StrategyPhaseBased)
	implement.Dependencies = []string{design.ID}
	return []executor.WorkUnit{research, design, implement}
}

// roundRobin deals items into at most n buckets, preserving item order
// within each bucket.
func roundRobin(items []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	if len(items) < n {
		n = len(items)
	}
	if n == 0 {
		return nil
	}
	buckets := make([][]string, n)
	for i, item := range items {
		buckets[i%n] = append(buckets[i%n], item)
	}
	return buckets
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func matchedSections(text string) []string {
	lower := strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	}) {
		words[w] = true
	}
	var out []string
	for _, section := range sectionOrder {
		for _, signal := range sectionLexicon[section] {
			if words[signal] {
				out = append(out, section)
				break
			}
		}
	}
	return out
}
