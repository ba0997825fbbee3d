package knowledge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seedIndex(t *testing.T, ix *Index) {
	t.Helper()
	now := time.Now()
	ix.AddWithEmbedding("doc-gpu", "profile cuda kernels before fusing them, launch overhead dominates small batches", now, nil)
	ix.AddWithEmbedding("doc-sql", "wrap sqlite writes in a single transaction to avoid busy timeouts", now, nil)
	ix.AddWithEmbedding("doc-api", "version the rest api endpoints from day one, breaking clients is expensive", now, nil)
	ix.Fit()
}

func TestQueryRanksRelevantDocFirst(t *testing.T) {
	ix := NewIndex(nil)
	seedIndex(t, ix)

	matches := ix.Query("cuda kernel profiling", 3, "")
	require.NotEmpty(t, matches)
	assert.Equal(t, "doc-gpu", matches[0].ID)
	assert.Greater(t, matches[0].Breakdown.TFIDF, 0.0)
	assert.Greater(t, matches[0].Score, matches[len(matches)-1].Score)
}

func TestQueryOnEmptyIndexReturnsNil(t *testing.T) {
	ix := NewIndex(nil)
	assert.Nil(t, ix.Query("anything", 5, ""))
}

func TestQueryWithoutEmbedderRenormalizesWeights(t *testing.T) {
	ix := NewIndex(nil)
	ix.AddWithEmbedding("only", "tune the garbage collector pause target", time.Now(), nil)
	ix.Fit()

	matches := ix.Query("tune the garbage collector pause target", 1, "")
	require.Len(t, matches, 1)
	bd := matches[0].Breakdown
	assert.Zero(t, bd.Embedding)
	// 0.875*tfidf + 0.125*recency, both ~1 for a self-query on a fresh doc.
	assert.InDelta(t, 0.875*bd.TFIDF+0.125*bd.Recency, matches[0].Score, 1e-9)
	assert.Greater(t, matches[0].Score, 0.9)
}

func TestQueryBlendsEmbeddingWhenProviderSet(t *testing.T) {
	embed := func(text string) ([]float32, error) {
		// Orthogonal axes per topic so cosine is 1 within a topic, 0 across.
		if len(tokenize(text)) > 0 && tokenize(text)[0] == "alpha" {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	}
	ix := NewIndex(embed)
	ix.AddIncremental("a", "alpha subsystem notes", time.Now())
	ix.AddIncremental("b", "beta subsystem notes", time.Now())
	ix.Fit()

	matches := ix.Query("alpha subsystem", 2, "")
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Breakdown.Embedding, 1e-6)
	assert.InDelta(t, 0.0, matches[1].Breakdown.Embedding, 1e-6)
}

func TestIncrementalAddIsImmediatelyQueryable(t *testing.T) {
	ix := NewIndex(nil)
	seedIndex(t, ix)

	// Entirely new vocabulary: the add must refit so the row is visible.
	ix.AddIncremental("doc-k8s", "kubernetes liveness probes restart wedged pods automatically", time.Now())

	matches := ix.Query("kubernetes liveness probes", 1, "")
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-k8s", matches[0].ID)
	assert.Greater(t, matches[0].Breakdown.TFIDF, 0.0)
}

func TestStaleRatioTriggersRebuild(t *testing.T) {
	ix := NewIndex(nil)
	for i := 0; i < 10; i++ {
		ix.AddWithEmbedding(fmt.Sprintf("base-%d", i), fmt.Sprintf("baseline entry number %d about caching", i), time.Now(), nil)
	}
	ix.Fit()

	// Three adds on a base of ten crosses the 20% staleness ratio; all of
	// them must be retrievable afterwards.
	ix.AddIncremental("n1", "baseline entry about caching variant one", time.Now())
	ix.AddIncremental("n2", "baseline entry about caching variant two", time.Now())
	ix.AddIncremental("n3", "baseline entry about caching variant three", time.Now())

	matches := ix.Query("caching variant three", 13, "")
	found := false
	for _, m := range matches {
		if m.ID == "n3" && m.Breakdown.TFIDF > 0 {
			found = true
		}
	}
	assert.True(t, found, "post-rebuild rows should score on tfidf")
	assert.Equal(t, 13, ix.Size())
}

func TestUpdateInPlaceKeepsSize(t *testing.T) {
	ix := NewIndex(nil)
	seedIndex(t, ix)
	require.Equal(t, 3, ix.Size())

	ix.AddIncremental("doc-gpu", "profile cuda kernels and measure memory bandwidth", time.Now())
	assert.Equal(t, 3, ix.Size())

	// A full refit picks up the replacement text's new vocabulary.
	ix.Fit()
	matches := ix.Query("memory bandwidth", 1, "")
	require.NotEmpty(t, matches)
	assert.Equal(t, "doc-gpu", matches[0].ID)
	assert.Greater(t, matches[0].Breakdown.TFIDF, 0.0)
}

func TestQueryTargetDomainBoostsSameDomainRows(t *testing.T) {
	ix := NewIndex(nil)
	now := time.Now()
	ix.AddWithEmbedding("gpu-row", "reduce launch overhead gpu optimization", now, nil)
	ix.AddWithEmbedding("web-row", "reduce handler overhead web backend", now, nil)
	ix.Fit()

	matches := ix.Query("reduce overhead", 2, "gpu_optimization")
	require.Len(t, matches, 2)
	assert.Equal(t, "gpu-row", matches[0].ID)
}

func TestRecencyBonusDecaysLinearly(t *testing.T) {
	now := time.Now()
	assert.InDelta(t, 1.0, recencyBonus(now, now), 0.01)
	assert.InDelta(t, 0.5, recencyBonus(now, now.Add(-45*24*time.Hour)), 0.01)
	assert.Zero(t, recencyBonus(now, now.Add(-200*24*time.Hour)))
	assert.Zero(t, recencyBonus(now, time.Time{}))
}

func TestFindDuplicatesGroupsNearIdenticalRows(t *testing.T) {
	ix := NewIndex(nil)
	now := time.Now()
	ix.AddWithEmbedding("dup-a", "retry transient network failures with exponential backoff", now, nil)
	ix.AddWithEmbedding("dup-b", "retry transient network failures with exponential backoff always", now, nil)
	ix.AddWithEmbedding("solo", "prefer composition over inheritance in large codebases", now, nil)
	ix.Fit()

	groups := ix.FindDuplicates(0.85)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"dup-a", "dup-b"}, groups[0].IDs)
	// Representative is the longer text.
	assert.Equal(t, "dup-b", groups[0].Representative)
}

func TestFindDuplicatesEmptyWhenAllDistinct(t *testing.T) {
	ix := NewIndex(nil)
	seedIndex(t, ix)
	assert.Empty(t, ix.FindDuplicates(0.85))
}

func TestCoherence(t *testing.T) {
	ix := NewIndex(nil)
	now := time.Now()
	ix.AddWithEmbedding("c1", "use prepared statements for hot queries", now, nil)
	ix.AddWithEmbedding("c2", "use prepared statements for hot queries", now, nil)
	ix.AddWithEmbedding("c3", "paint the bikeshed a different color", now, nil)
	ix.Fit()

	assert.InDelta(t, 1.0, ix.Coherence([]string{"c1", "c2"}), 1e-6)
	assert.Less(t, ix.Coherence([]string{"c1", "c3"}), 0.5)
	assert.Equal(t, 1.0, ix.Coherence([]string{"c1"}))
	assert.Equal(t, 1.0, ix.Coherence([]string{"missing-1", "missing-2"}))
}

func TestTokenizeDropsStopwordsAndShortTokens(t *testing.T) {
	tokens := tokenize("The quick fix: do not retry on a 4xx")
	assert.Equal(t, []string{"quick", "fix", "retry", "4xx"}, tokens)
}

func TestTermsIncludeBigrams(t *testing.T) {
	got := terms("tune gc pauses")
	assert.Contains(t, got, "tune")
	assert.Contains(t, got, "gc pauses")
	assert.Contains(t, got, "tune gc")
}

func TestKeywordsFirstSeenOrder(t *testing.T) {
	got := keywords("cache invalidation and cache naming are the hard problems", 3)
	assert.Equal(t, []string{"cache", "invalidation", "naming"}, got)
}
