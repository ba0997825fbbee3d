package knowledge

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"overseer/internal/logging"
)

// Retrieval blend. When no embedding provider is configured the tfidf
// and recency weights are renormalized over the remaining mass.
const (
	weightTFIDF     = 0.7
	weightEmbedding = 0.2
	weightRecency   = 0.1

	recencyWindowDays = 90.0

	minDF        = 1
	maxDFRatio   = 0.95
	maxVocabSize = 5000

	// Fraction of vocabulary-stale rows that forces a full refit.
	rebuildRatio = 0.2
)

// EmbedFunc supplies an optional dense vector for a text. A nil
// EmbedFunc leaves the index sparse-only.
type EmbedFunc func(text string) ([]float32, error)

// ScoreBreakdown exposes the hybrid score components.
type ScoreBreakdown struct {
	TFIDF     float64 `json:"tfidf"`
	Embedding float64 `json:"embedding"`
	Recency   float64 `json:"recency"`
}

// Match is one ranked retrieval hit.
type Match struct {
	ID        string         `json:"id"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// DuplicateGroup is one connected component of near-identical rows.
type DuplicateGroup struct {
	Representative string   `json:"representative"`
	IDs            []string `json:"ids"`
}

type document struct {
	id        string
	text      string
	timestamp time.Time
	vector    map[int]float64
	embedding []float32
}

// Index is the in-memory hybrid retrieval index over learning texts:
// sublinear TF-IDF with unigrams+bigrams, optionally blended with
// dense embeddings and a recency bonus.
type Index struct {
	mu    sync.Mutex
	embed EmbedFunc

	docs []*document
	byID map[string]int

	vocab    map[string]int
	idf      []float64
	fitted   bool
	fitCount int
	sinceFit int

	clusterCache   map[float64][]Cluster
	coherenceCache map[string]float64
}

// NewIndex builds an empty index. embed may be nil.
func NewIndex(embed EmbedFunc) *Index {
	return &Index{
		embed:          embed,
		byID:           make(map[string]int),
		clusterCache:   make(map[float64][]Cluster),
		coherenceCache: make(map[string]float64),
	}
}

// Size reports how many rows the index holds.
func (ix *Index) Size() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.docs)
}

// Fit rebuilds the vocabulary and every document vector from scratch.
func (ix *Index) Fit() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.fitLocked()
}

func (ix *Index) fitLocked() {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Index.Fit")
	defer timer.Stop()

	ix.invalidateCachesLocked()

	n := len(ix.docs)
	if n == 0 {
		ix.vocab = nil
		ix.idf = nil
		ix.fitted = true
		ix.fitCount = 0
		ix.sinceFit = 0
		return
	}

	df := make(map[string]int)
	total := make(map[string]int)
	for _, doc := range ix.docs {
		for term, count := range termCounts(doc.text) {
			df[term]++
			total[term] += count
		}
	}

	// max_df prunes corpus-wide boilerplate; min_df=1 keeps the rest.
	maxDocCount := int(maxDFRatio * float64(n))
	if maxDocCount < minDF {
		maxDocCount = minDF
	}
	candidates := make([]string, 0, len(df))
	for term, d := range df {
		if d >= minDF && d <= maxDocCount {
			candidates = append(candidates, term)
		}
	}

	if len(candidates) > maxVocabSize {
		sort.Slice(candidates, func(i, j int) bool {
			if total[candidates[i]] != total[candidates[j]] {
				return total[candidates[i]] > total[candidates[j]]
			}
			return candidates[i] < candidates[j]
		})
		candidates = candidates[:maxVocabSize]
	}
	sort.Strings(candidates)

	ix.vocab = make(map[string]int, len(candidates))
	ix.idf = make([]float64, len(candidates))
	for i, term := range candidates {
		ix.vocab[term] = i
		ix.idf[i] = math.Log(float64(1+n)/float64(1+df[term])) + 1
	}

	for _, doc := range ix.docs {
		doc.vector = ix.transformLocked(doc.text)
	}

	ix.fitted = true
	ix.fitCount = n
	ix.sinceFit = 0
	logging.KnowledgeDebug("index fitted: %d docs, %d terms", n, len(ix.vocab))
}

// transformLocked vectorizes text against the fitted vocabulary with
// sublinear TF, IDF weighting, and L2 normalization.
func (ix *Index) transformLocked(text string) map[int]float64 {
	vec := make(map[int]float64)
	for term, count := range termCounts(text) {
		col, ok := ix.vocab[term]
		if !ok {
			continue
		}
		vec[col] = (1 + math.Log(float64(count))) * ix.idf[col]
	}
	normalize(vec)
	return vec
}

// AddIncremental inserts or refreshes one row. Fitted indexes vectorize
// against the current vocabulary immediately; unfitted ones defer to
// the next Fit. Enough vocabulary-stale rows trigger a full refit.
func (ix *Index) AddIncremental(id, text string, ts time.Time) {
	var emb []float32
	if ix.embed != nil {
		var err error
		if emb, err = ix.embed(text); err != nil {
			logging.KnowledgeWarn("embedding %s failed, indexing sparse-only: %v", id, err)
			emb = nil
		}
	}
	ix.AddWithEmbedding(id, text, ts, emb)
}

// AddWithEmbedding is AddIncremental with a precomputed dense vector,
// used when reloading persisted rows.
func (ix *Index) AddWithEmbedding(id, text string, ts time.Time, emb []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.invalidateCachesLocked()

	if pos, ok := ix.byID[id]; ok {
		doc := ix.docs[pos]
		doc.text = text
		doc.timestamp = ts
		if emb != nil {
			doc.embedding = emb
		}
		if ix.fitted {
			doc.vector = ix.transformLocked(text)
			if len(doc.vector) == 0 && len(tokenize(text)) > 0 {
				ix.fitLocked()
			}
		}
		return
	}

	doc := &document{id: id, text: text, timestamp: ts, embedding: emb}
	ix.docs = append(ix.docs, doc)
	ix.byID[id] = len(ix.docs) - 1

	if !ix.fitted {
		return
	}

	doc.vector = ix.transformLocked(text)
	ix.sinceFit++

	// A row whose every term is out-of-vocabulary would be invisible to
	// queries, so it refits immediately instead of waiting for the ratio.
	if len(doc.vector) == 0 && len(tokenize(text)) > 0 {
		ix.fitLocked()
		return
	}
	if ix.fitCount > 0 && float64(ix.sinceFit)/float64(ix.fitCount) > rebuildRatio {
		logging.KnowledgeDebug("stale ratio %d/%d exceeded, rebuilding index", ix.sinceFit, ix.fitCount)
		ix.fitLocked()
	}
}

// Query ranks all rows against text by the hybrid score and returns the
// topK with per-component breakdowns. targetDomain, when set, folds the
// domain name into the query so same-domain rows rank up.
func (ix *Index) Query(text string, topK int, targetDomain string) []Match {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Index.Query")
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.docs) == 0 || topK <= 0 {
		return nil
	}
	if !ix.fitted {
		ix.fitLocked()
	}

	qtext := text
	if targetDomain != "" {
		qtext += " " + strings.ReplaceAll(targetDomain, "_", " ")
	}
	qvec := ix.transformLocked(qtext)

	var qemb []float32
	if ix.embed != nil {
		var err error
		if qemb, err = ix.embed(qtext); err != nil {
			logging.KnowledgeWarn("query embedding failed, scoring sparse-only: %v", err)
			qemb = nil
		}
	}

	wT, wE, wR := weightTFIDF, weightEmbedding, weightRecency
	if ix.embed == nil {
		// Redistribute the embedding mass: 0.7/0.8 and 0.1/0.8.
		wT = weightTFIDF / (weightTFIDF + weightRecency)
		wE = 0
		wR = weightRecency / (weightTFIDF + weightRecency)
	}

	now := time.Now()
	matches := make([]Match, 0, len(ix.docs))
	for _, doc := range ix.docs {
		bd := ScoreBreakdown{
			TFIDF:   dotSparse(qvec, doc.vector),
			Recency: recencyBonus(now, doc.timestamp),
		}
		if qemb != nil && doc.embedding != nil {
			bd.Embedding = clamp01(cosineDense(qemb, doc.embedding))
		}
		matches = append(matches, Match{
			ID:        doc.id,
			Score:     wT*bd.TFIDF + wE*bd.Embedding + wR*bd.Recency,
			Breakdown: bd,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// FindDuplicates groups rows into connected components linked by
// pairwise tfidf similarity >= threshold. The component representative
// is its longest text.
func (ix *Index) FindDuplicates(threshold float64) []DuplicateGroup {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Index.FindDuplicates")
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.fitted {
		ix.fitLocked()
	}
	n := len(ix.docs)
	if n < 2 {
		return nil
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if dotSparse(ix.docs[i].vector, ix.docs[j].vector) >= threshold {
				union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := find(i)
		components[root] = append(components[root], i)
	}

	var groups []DuplicateGroup
	for _, members := range components {
		if len(members) < 2 {
			continue
		}
		rep := members[0]
		for _, m := range members[1:] {
			if len(ix.docs[m].text) > len(ix.docs[rep].text) {
				rep = m
			}
		}
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, ix.docs[m].id)
		}
		sort.Strings(ids)
		groups = append(groups, DuplicateGroup{Representative: ix.docs[rep].id, IDs: ids})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Representative < groups[j].Representative
	})
	return groups
}

// Coherence returns the mean pairwise similarity over the subset of
// rows, in [0,1]. Fewer than two resolvable ids is trivially coherent.
func (ix *Index) Coherence(ids []string) float64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.fitted {
		ix.fitLocked()
	}

	key := strings.Join(sortedCopy(ids), "|")
	if cached, ok := ix.coherenceCache[key]; ok {
		return cached
	}

	var vecs []map[int]float64
	for _, id := range ids {
		if pos, ok := ix.byID[id]; ok {
			vecs = append(vecs, ix.docs[pos].vector)
		}
	}
	if len(vecs) < 2 {
		return 1.0
	}

	var sum float64
	var pairs int
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			sum += dotSparse(vecs[i], vecs[j])
			pairs++
		}
	}
	score := clamp01(sum / float64(pairs))
	ix.coherenceCache[key] = score
	return score
}

func (ix *Index) invalidateCachesLocked() {
	if len(ix.clusterCache) > 0 {
		ix.clusterCache = make(map[float64][]Cluster)
	}
	if len(ix.coherenceCache) > 0 {
		ix.coherenceCache = make(map[string]float64)
	}
}

// recencyBonus decays linearly from 1 to 0 over the recency window.
func recencyBonus(now, ts time.Time) float64 {
	if ts.IsZero() {
		return 0
	}
	days := now.Sub(ts).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp01(1 - days/recencyWindowDays)
}

func normalize(vec map[int]float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for k, v := range vec {
		vec[k] = v / norm
	}
}

func dotSparse(a, b map[int]float64) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var sum float64
	for k, v := range a {
		if w, ok := b[k]; ok {
			sum += v * w
		}
	}
	return sum
}

func cosineDense(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
