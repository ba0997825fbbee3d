package queue

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// DependencySuggestion proposes that item To should depend on item
// From, with the textual evidence behind the score.
type DependencySuggestion struct {
	FromID  string   `json:"from_id"`
	ToID    string   `json:"to_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Suggestions below this total are noise and stay unsurfaced.
const suggestionThreshold = 0.6

var (
	createVerbs = []string{
		"add", "create", "implement", "build", "write",
		"introduce", "setup", "initialize", "define", "establish",
	}
	useVerbs = []string{
		"use", "extend", "modify", "update", "integrate", "enhance",
		"improve", "refactor", "fix", "test", "validate",
	}
	sequentialFirst  = []string{"setup", "set up", "foundation"}
	sequentialSecond = []string{"extend", "build on", "builds on", "building on"}

	identRe     = regexp.MustCompile(`[A-Za-z0-9_./-]+`)
	dependsOnRe = regexp.MustCompile(`depends\s+on\s+([a-z0-9_./ -]+)`)
)

// SuggestDependencies scores every ordered pair of items and returns
// the pairs worth surfacing, strongest first.
func SuggestDependencies(items []QueueItem) []DependencySuggestion {
	var out []DependencySuggestion
	for i := range items {
		for j := range items {
			if i == j {
				continue
			}
			score, reasons := scorePair(items[i], items[j])
			if score >= suggestionThreshold {
				out = append(out, DependencySuggestion{
					FromID:  items[i].ID,
					ToID:    items[j].ID,
					Score:   score,
					Reasons: reasons,
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].FromID != out[j].FromID {
			return out[i].FromID < out[j].FromID
		}
		return out[i].ToID < out[j].ToID
	})
	return out
}

// scorePair accumulates the dependency evidence that b builds on a.
func scorePair(a, b QueueItem) (float64, []string) {
	aText := a.MissionTitle + " " + a.MissionDescription
	bText := b.MissionTitle + " " + b.MissionDescription
	aLower := strings.ToLower(aText)
	bLower := strings.ToLower(bText)

	var score float64
	var reasons []string

	if noun := createdThenUsed(aLower, bLower); noun != "" {
		score += 0.5
		reasons = append(reasons, fmt.Sprintf("%q is created first and used later", noun))
	}

	if shared := sharedIdentifiers(aText, bText); len(shared) > 0 {
		pts := math.Min(0.3, 0.1*float64(len(shared)))
		score += pts
		reasons = append(reasons, fmt.Sprintf("shared identifiers: %s", strings.Join(shared, ", ")))
	}

	if containsAny(aLower, sequentialFirst) && containsAny(bLower, sequentialSecond) {
		score += 0.2
		reasons = append(reasons, "sequential phrasing (setup then extend)")
	}

	if target := explicitDependsOn(bLower); target != "" && mentionsPhrase(aLower, target) {
		score += 0.4
		reasons = append(reasons, fmt.Sprintf("explicit \"depends on %s\"", target))
	}

	return score, reasons
}

// createdThenUsed finds a noun that a introduces with a creation verb
// and b touches with a usage verb.
func createdThenUsed(a, b string) string {
	if !containsAnyWord(b, useVerbs) {
		return ""
	}
	tokens := strings.FieldsFunc(a, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '/'
	})
	for i, tok := range tokens {
		if !wordIn(tok, createVerbs) {
			continue
		}
		// The next couple of content words are the created nouns.
		seen := 0
		for j := i + 1; j < len(tokens) && seen < 3; j++ {
			noun := tokens[j]
			if isStopword(noun) {
				continue
			}
			seen++
			if len(noun) >= 3 && strings.Contains(b, noun) {
				return noun
			}
		}
	}
	return ""
}

// sharedIdentifiers intersects the significant identifiers of both
// texts: file paths, snake_case, dotted, or CamelCase tokens.
func sharedIdentifiers(a, b string) []string {
	inA := significantIdentifiers(a)
	inB := significantIdentifiers(b)
	var shared []string
	for id := range inA {
		if _, ok := inB[id]; ok {
			shared = append(shared, id)
		}
	}
	sort.Strings(shared)
	return shared
}

func significantIdentifiers(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range identRe.FindAllString(text, -1) {
		tok = strings.Trim(tok, "./-")
		if isSignificantIdentifier(tok) {
			out[strings.ToLower(tok)] = struct{}{}
		}
	}
	return out
}

// isSignificantIdentifier accepts tokens that look like code artifacts
// rather than prose words.
func isSignificantIdentifier(tok string) bool {
	if len(tok) < 4 {
		return false
	}
	if strings.ContainsAny(tok, "/._") {
		return true
	}
	for i, r := range tok {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

// explicitDependsOn extracts the object of a "depends on X" phrase.
func explicitDependsOn(text string) string {
	m := dependsOnRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	phrase := strings.TrimSpace(m[1])
	words := strings.Fields(phrase)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}

// mentionsPhrase reports whether any content word of the phrase
// appears in the text.
func mentionsPhrase(text, phrase string) bool {
	for _, w := range strings.Fields(phrase) {
		if len(w) >= 3 && !isStopword(w) && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func containsAnyWord(text string, words []string) bool {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,;:!?()\"'")
		if wordIn(tok, words) {
			return true
		}
	}
	return false
}

func wordIn(tok string, words []string) bool {
	for _, w := range words {
		if tok == w {
			return true
		}
	}
	return false
}

func isStopword(w string) bool {
	switch w {
	case "a", "an", "the", "of", "for", "to", "in", "on", "with", "and", "or", "new", "our":
		return true
	}
	return false
}
