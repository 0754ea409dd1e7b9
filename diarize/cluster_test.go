package diarize

import "testing"

func unit(vals ...float32) []float32 {
	return normalizeFloat32(vals)
}

func normalizeFloat32(v []float32) []float32 {
	return toFloat32(normalizeFloat64(toFloat64(v)))
}

func frame(start, end int64, v []float32) Frame {
	return Frame{TStartMs: start, TEndMs: end, Vector: v, SpeakerID: UnassignedSpeaker}
}

func TestClusterFramesTwoSpeakersSeparate(t *testing.T) {
	a := unit(1, 0, 0)
	b := unit(0, 1, 0)
	frames := []Frame{
		frame(0, 100, a),
		frame(100, 200, a),
		frame(200, 300, b),
		frame(300, 400, b),
	}
	labels, clusters := ClusterFrames(frames, Config{MaxSpeakers: 2, MergeThreshold: 0.35})
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if labels[0] != labels[1] {
		t.Errorf("frames 0,1 (same speaker) got different labels: %v", labels)
	}
	if labels[2] != labels[3] {
		t.Errorf("frames 2,3 (same speaker) got different labels: %v", labels)
	}
	if labels[0] == labels[2] {
		t.Errorf("distinct speakers collapsed into one cluster: %v", labels)
	}
	// Stable labeling: the earliest-appearing speaker must be cluster 0.
	if labels[0] != 0 {
		t.Errorf("earliest frame's cluster should be labeled 0, got %d", labels[0])
	}
}

func TestClusterFramesMergesSimilarVectors(t *testing.T) {
	// MaxSpeakers=1 forces the merge loop to run; with two nearly-identical
	// vectors the similarity gate is easily met and they collapse to 1.
	a := unit(1, 0, 0)
	aNoisy := unit(0.98, 0.05, 0)
	frames := []Frame{frame(0, 100, a), frame(100, 200, aNoisy)}
	labels, clusters := ClusterFrames(frames, Config{MaxSpeakers: 1, MergeThreshold: 0.35})
	if len(clusters) != 1 {
		t.Fatalf("expected near-identical vectors to merge into 1 cluster, got %d", len(clusters))
	}
	if labels[0] != labels[1] {
		t.Errorf("expected same label after merge, got %v", labels)
	}
}

func TestClusterFramesCapsAtMaxSpeakers(t *testing.T) {
	// Three mutually close-enough vectors (all pairwise similarities above
	// the merge floor) should be merged down to exactly MaxSpeakers.
	vs := [][]float32{
		unit(1, 0, 0),
		unit(0.9, 0.2, 0),
		unit(0.8, 0.3, 0.1),
	}
	frames := []Frame{
		frame(0, 100, vs[0]),
		frame(100, 200, vs[1]),
		frame(200, 300, vs[2]),
	}
	_, clusters := ClusterFrames(frames, Config{MaxSpeakers: 2, MergeThreshold: 0.35})
	if len(clusters) != 2 {
		t.Fatalf("expected exactly 2 clusters (capped from 3), got %d", len(clusters))
	}
}

func TestClusterFramesDoesNotForceMergeBelowSimilarityFloor(t *testing.T) {
	// Three mutually orthogonal vectors never meet the similarity floor, so
	// the merge loop stops even though the starting count exceeds
	// MaxSpeakers: the cap is a ceiling on merging, not a guarantee.
	vs := [][]float32{
		unit(1, 0, 0),
		unit(0, 1, 0),
		unit(0, 0, 1),
	}
	frames := []Frame{
		frame(0, 100, vs[0]),
		frame(100, 200, vs[1]),
		frame(200, 300, vs[2]),
	}
	_, clusters := ClusterFrames(frames, Config{MaxSpeakers: 2, MergeThreshold: 0.9})
	if len(clusters) != 3 {
		t.Fatalf("expected no merge among orthogonal vectors, got %d clusters", len(clusters))
	}
}

func TestNearestClusterTieBreaksToLowerID(t *testing.T) {
	clusters := []Cluster{
		{ID: 0, Centroid: unit(1, 0, 0)},
		{ID: 1, Centroid: unit(1, 0, 0)},
	}
	id, conf := NearestCluster(unit(1, 0, 0), clusters)
	if id != 0 {
		t.Errorf("expected tie-break to cluster 0, got %d", id)
	}
	if conf < 0.99 {
		t.Errorf("expected near-1.0 confidence for identical vector, got %f", conf)
	}
}

func TestNearestClusterEmpty(t *testing.T) {
	id, conf := NearestCluster(unit(1, 0, 0), nil)
	if id != UnassignedSpeaker || conf != 0 {
		t.Errorf("expected UnassignedSpeaker/0 for no clusters, got (%d, %f)", id, conf)
	}
}
