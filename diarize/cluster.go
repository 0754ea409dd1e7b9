package diarize

import "math"

// DefaultMaxSpeakers and DefaultMergeThreshold are the documented defaults
// for the canonical embedder.
const (
	DefaultMaxSpeakers    = 2
	DefaultMergeThreshold = 0.35
)

// Cluster is a speaker cluster: a unit-norm centroid and its membership
// count. IDs are assigned in order of first appearance so they remain
// stable across re-clustering passes.
type Cluster struct {
	ID          int
	Centroid    []float32
	MemberCount int
	LastSeenMs  int64
}

// cluster is the mutable working representation used while merging.
type cluster struct {
	centroid     []float64
	members      []int // indices into the input frame slice
	earliestTime int64
	lastSeenMs   int64
}

// Config controls the Clusterer's agglomerative merge.
type Config struct {
	MaxSpeakers    int
	MergeThreshold float64
}

// DefaultConfig returns the baseline clustering parameters: two speakers,
// merged at a 0.35 cosine-distance threshold.
func DefaultConfig() Config {
	return Config{MaxSpeakers: DefaultMaxSpeakers, MergeThreshold: DefaultMergeThreshold}
}

// ClusterFrames runs agglomerative clustering over frames by cosine distance,
// per §4.4:
//  1. every frame starts as its own cluster;
//  2. repeatedly merge the most-similar pair of clusters while the
//     resulting count would still be >= MaxSpeakers and the pair's
//     similarity is >= 1 - MergeThreshold;
//  3. stop at MaxSpeakers or when no pair qualifies;
//  4. label the surviving clusters 0..K-1 in order of the earliest frame
//     each contains.
//
// It returns, for each input frame (by index, same order as frames), the
// assigned cluster label, plus the resulting cluster summaries in label
// order. Fewer than MaxSpeakers clusters are returned if fewer distinct
// speakers are present; clusters are never padded.
func ClusterFrames(frames []Frame, cfg Config) (labels []int, clusters []Cluster) {
	if len(frames) == 0 {
		return nil, nil
	}
	if cfg.MaxSpeakers <= 0 {
		cfg.MaxSpeakers = DefaultMaxSpeakers
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = DefaultMergeThreshold
	}

	working := make([]*cluster, len(frames))
	for i, f := range frames {
		working[i] = &cluster{
			centroid:     toFloat64(f.Vector),
			members:      []int{i},
			earliestTime: f.TStartMs,
			lastSeenMs:   f.TEndMs,
		}
	}

	simFloor := 1.0 - cfg.MergeThreshold

	for len(working) > cfg.MaxSpeakers {
		bi, bj, bestSim, found := bestMergePair(working, simFloor)
		if !found {
			break
		}
		merged := mergeClusters(working[bi], working[bj])
		_ = bestSim

		next := make([]*cluster, 0, len(working)-1)
		for k, c := range working {
			if k == bi || k == bj {
				continue
			}
			next = append(next, c)
		}
		next = append(next, merged)
		working = next
	}

	// Stable labeling: order by earliest frame contained.
	order := make([]int, len(working))
	for i := range order {
		order[i] = i
	}
	sortByEarliest(working, order)

	labels = make([]int, len(frames))
	clusters = make([]Cluster, len(working))
	for newID, origIdx := range order {
		c := working[origIdx]
		for _, m := range c.members {
			labels[m] = newID
		}
		clusters[newID] = Cluster{
			ID:          newID,
			Centroid:    toFloat32(c.centroid),
			MemberCount: len(c.members),
			LastSeenMs:  c.lastSeenMs,
		}
	}
	return labels, clusters
}

// bestMergePair finds the highest-similarity pair whose similarity meets
// simFloor. Ties (exactly equal similarity) are broken in favor of the pair
// containing the earliest frame.
func bestMergePair(clusters []*cluster, simFloor float64) (bi, bj int, bestSim float64, found bool) {
	bestSim = -2
	bestEarliest := int64(math.MaxInt64)
	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			sim := cosineSimilarity64(clusters[i].centroid, clusters[j].centroid)
			if sim < simFloor {
				continue
			}
			pairEarliest := clusters[i].earliestTime
			if clusters[j].earliestTime < pairEarliest {
				pairEarliest = clusters[j].earliestTime
			}
			if sim > bestSim || (sim == bestSim && pairEarliest < bestEarliest) {
				bestSim = sim
				bestEarliest = pairEarliest
				bi, bj, found = i, j, true
			}
		}
	}
	return bi, bj, bestSim, found
}

func mergeClusters(a, b *cluster) *cluster {
	na, nb := len(a.members), len(b.members)
	total := na + nb
	centroid := make([]float64, len(a.centroid))
	for i := range centroid {
		centroid[i] = (a.centroid[i]*float64(na) + b.centroid[i]*float64(nb)) / float64(total)
	}
	centroid = normalizeFloat64(centroid)

	members := make([]int, 0, total)
	members = append(members, a.members...)
	members = append(members, b.members...)

	earliest := a.earliestTime
	if b.earliestTime < earliest {
		earliest = b.earliestTime
	}
	lastSeen := a.lastSeenMs
	if b.lastSeenMs > lastSeen {
		lastSeen = b.lastSeenMs
	}

	return &cluster{centroid: centroid, members: members, earliestTime: earliest, lastSeenMs: lastSeen}
}

func sortByEarliest(clusters []*cluster, order []int) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && clusters[order[j]].earliestTime < clusters[order[j-1]].earliestTime; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
}

// NearestCluster assigns vector to the cluster with the highest cosine
// similarity, used by the Controller's early-session fallback (§4.6 item
// 2) for frames that have not been through a batch clustering pass yet,
// matched against the clusters of an earlier pass. Ties are broken toward
// the lower-numbered cluster.
func NearestCluster(vector []float32, clusters []Cluster) (id int, confidence float32) {
	if len(clusters) == 0 {
		return UnassignedSpeaker, 0
	}
	v64 := toFloat64(vector)
	bestSim := -2.0
	bestID := clusters[0].ID
	for _, c := range clusters {
		sim := cosineSimilarity64(v64, toFloat64(c.Centroid))
		if sim > bestSim || (sim == bestSim && c.ID < bestID) {
			bestSim = sim
			bestID = c.ID
		}
	}
	return bestID, float32(bestSim)
}

func cosineSimilarity64(a, b []float64) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func normalizeFloat64(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-9 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
