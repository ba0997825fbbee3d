package knowledge

import (
	"math"
	"sort"

	"overseer/internal/logging"
)

// Cluster is one flat grouping of learning ids.
type Cluster struct {
	ID      int      `json:"id"`
	Members []string `json:"members"`
}

// HierarchicalCluster is a top-level cluster with its sub-groupings.
// Top clusters smaller than the sub-clustering floor carry no
// SubClusters.
type HierarchicalCluster struct {
	Cluster
	SubClusters [][]string `json:"sub_clusters,omitempty"`
}

// Top clusters of at least this size get a second, tighter pass.
const subClusterMinSize = 4

// GetClusters groups all rows by agglomerative clustering with cosine
// distance and average linkage, merging until the closest pair of
// clusters is farther apart than distanceThreshold. Results are cached
// per threshold until the index changes.
func (ix *Index) GetClusters(distanceThreshold float64) []Cluster {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Index.GetClusters")
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if cached, ok := ix.clusterCache[distanceThreshold]; ok {
		return cached
	}
	if !ix.fitted {
		ix.fitLocked()
	}

	all := make([]int, len(ix.docs))
	for i := range all {
		all[i] = i
	}
	groups := ix.agglomerateLocked(all, distanceThreshold)

	clusters := make([]Cluster, 0, len(groups))
	for _, group := range groups {
		clusters = append(clusters, Cluster{Members: ix.idsOf(group)})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].Members) != len(clusters[j].Members) {
			return len(clusters[i].Members) > len(clusters[j].Members)
		}
		return clusters[i].Members[0] < clusters[j].Members[0]
	})
	for i := range clusters {
		clusters[i].ID = i
	}

	ix.clusterCache[distanceThreshold] = clusters
	logging.KnowledgeDebug("clustered %d rows into %d clusters (threshold=%.2f)", len(ix.docs), len(clusters), distanceThreshold)
	return clusters
}

// GetHierarchicalClusters runs a coarse pass and then re-clusters each
// sufficiently large top cluster with the tighter subThreshold.
func (ix *Index) GetHierarchicalClusters(topThreshold, subThreshold float64) []HierarchicalCluster {
	timer := logging.StartTimer(logging.CategoryKnowledge, "Index.GetHierarchicalClusters")
	defer timer.Stop()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.fitted {
		ix.fitLocked()
	}

	all := make([]int, len(ix.docs))
	for i := range all {
		all[i] = i
	}
	topGroups := ix.agglomerateLocked(all, topThreshold)

	out := make([]HierarchicalCluster, 0, len(topGroups))
	for _, group := range topGroups {
		hc := HierarchicalCluster{Cluster: Cluster{Members: ix.idsOf(group)}}
		if len(group) >= subClusterMinSize {
			for _, sub := range ix.agglomerateLocked(group, subThreshold) {
				hc.SubClusters = append(hc.SubClusters, ix.idsOf(sub))
			}
			sort.Slice(hc.SubClusters, func(i, j int) bool {
				if len(hc.SubClusters[i]) != len(hc.SubClusters[j]) {
					return len(hc.SubClusters[i]) > len(hc.SubClusters[j])
				}
				return hc.SubClusters[i][0] < hc.SubClusters[j][0]
			})
		}
		out = append(out, hc)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Members) != len(out[j].Members) {
			return len(out[i].Members) > len(out[j].Members)
		}
		return out[i].Members[0] < out[j].Members[0]
	})
	for i := range out {
		out[i].ID = i
	}
	return out
}

// agglomerateLocked clusters the given doc positions bottom-up with
// exact average linkage (Lance-Williams updates), stopping when the
// nearest pair of clusters exceeds the distance threshold.
func (ix *Index) agglomerateLocked(indices []int, threshold float64) [][]int {
	n := len(indices)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return [][]int{{indices[0]}}
	}

	members := make([][]int, n)
	size := make([]int, n)
	alive := make([]bool, n)
	for i, idx := range indices {
		members[i] = []int{idx}
		size[i] = 1
		alive[i] = true
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1 - dotSparse(ix.docs[indices[i]].vector, ix.docs[indices[j]].vector)
			dist[i][j], dist[j][i] = d, d
		}
	}

	for {
		best := math.MaxFloat64
		bi, bj := -1, -1
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !alive[j] {
					continue
				}
				if dist[i][j] < best {
					best, bi, bj = dist[i][j], i, j
				}
			}
		}
		if bi < 0 || best > threshold {
			break
		}

		for k := 0; k < n; k++ {
			if !alive[k] || k == bi || k == bj {
				continue
			}
			d := (float64(size[bi])*dist[bi][k] + float64(size[bj])*dist[bj][k]) / float64(size[bi]+size[bj])
			dist[bi][k], dist[k][bi] = d, d
		}
		members[bi] = append(members[bi], members[bj]...)
		size[bi] += size[bj]
		alive[bj] = false
	}

	var groups [][]int
	for i := 0; i < n; i++ {
		if alive[i] {
			groups = append(groups, members[i])
		}
	}
	return groups
}

func (ix *Index) idsOf(positions []int) []string {
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, ix.docs[p].id)
	}
	sort.Strings(ids)
	return ids
}
