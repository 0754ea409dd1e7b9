package controller

import (
	"testing"

	"streamdiarize/asr"
	"streamdiarize/diarize"
)

type fixedEmbedder struct{ vector []float32 }

func (f *fixedEmbedder) Embed(samples []float32) ([]float32, error) { return f.vector, nil }
func (f *fixedEmbedder) Close()                                     {}

// buildAnalyzer produces n frames of durationMs each (back to back, from
// t=0), then assigns labels to them in order via ApplyClusterAssignment.
func buildAnalyzer(t *testing.T, durationMs int, labels []int) *diarize.FrameAnalyzer {
	t.Helper()
	a := diarize.NewFrameAnalyzer(diarize.AnalyzerConfig{HopMs: durationMs, WindowMs: durationMs, HistorySec: 60}, &fixedEmbedder{vector: []float32{1, 0, 0}})
	hopSamples := durationMs * 16000 / 1000
	for range labels {
		a.AddAudio(make([]int16, hopSamples))
	}
	a.ApplyClusterAssignment(labels)
	return a
}

func newTestController(analyzer *diarize.FrameAnalyzer) *Controller {
	c := New()
	c.analyzer = analyzer
	c.cfg.EnableDiarization = true
	c.lastSpeakerID = asr.UnknownSpeaker
	return c
}

func TestAssignSpeakerBelowMinFramesInheritsLast(t *testing.T) {
	analyzer := buildAnalyzer(t, 100, []int{0, 0}) // only 2 frames, below minVotingFrames
	c := newTestController(analyzer)
	c.lastSpeakerID = 3

	id, conf := c.AssignSpeaker(0, 200)
	if id != 3 {
		t.Errorf("expected fallback to lastSpeakerID 3, got %d", id)
	}
	if conf != lowConfidenceFloor {
		t.Errorf("expected lowConfidenceFloor confidence, got %f", conf)
	}
}

func TestAssignSpeakerAllUnassignedEarlySession(t *testing.T) {
	analyzer := diarize.NewFrameAnalyzer(diarize.AnalyzerConfig{HopMs: 100, WindowMs: 100, HistorySec: 60}, &fixedEmbedder{vector: []float32{1, 0, 0}})
	for i := 0; i < 5; i++ {
		analyzer.AddAudio(make([]int16, 1600))
	}
	// No ApplyClusterAssignment call: all frames remain UnassignedSpeaker.
	c := newTestController(analyzer)

	id, _ := c.AssignSpeaker(0, 500)
	if id != asr.UnknownSpeaker {
		t.Errorf("expected UnknownSpeaker before any clustering pass, got %d", id)
	}
}

func TestAssignSpeakerAllUnassignedFallsBackToNearestCluster(t *testing.T) {
	analyzer := diarize.NewFrameAnalyzer(diarize.AnalyzerConfig{HopMs: 100, WindowMs: 100, HistorySec: 60}, &fixedEmbedder{vector: []float32{1, 0, 0}})
	for i := 0; i < 5; i++ {
		analyzer.AddAudio(make([]int16, 1600))
	}
	// No ApplyClusterAssignment: frames remain UnassignedSpeaker, but a
	// clustering pass has already produced a cluster set elsewhere in the
	// session (e.g. from an earlier, differently-timed span of audio) that
	// AssignSpeaker's online fallback should nearest-centroid-match against.
	c := newTestController(analyzer)
	c.clusters = []diarize.Cluster{
		{ID: 0, Centroid: []float32{1, 0, 0}, MemberCount: 4},
		{ID: 1, Centroid: []float32{0, 1, 0}, MemberCount: 4},
	}

	id, conf := c.AssignSpeaker(0, 500)
	if id != 0 {
		t.Errorf("expected nearest-centroid match to cluster 0, got %d", id)
	}
	if conf <= 0 {
		t.Errorf("expected a positive confidence from the cosine match, got %f", conf)
	}
}

func TestAssignSpeakerMajorityVote(t *testing.T) {
	analyzer := buildAnalyzer(t, 100, []int{0, 0, 1, 0, 1})
	c := newTestController(analyzer)

	id, conf := c.AssignSpeaker(0, 500)
	if id != 0 {
		t.Errorf("expected majority speaker 0 (3 votes vs 2), got %d", id)
	}
	if conf < 0.59 || conf > 0.61 {
		t.Errorf("expected confidence ~0.6 (3/5), got %f", conf)
	}
}

func TestAssignSpeakerTieBreaksToMostRecentFrame(t *testing.T) {
	analyzer := buildAnalyzer(t, 100, []int{0, 1, 0, 1})
	c := newTestController(analyzer)

	id, _ := c.AssignSpeaker(0, 400)
	if id != 1 {
		t.Errorf("expected tie-break toward most recent frame's speaker (1), got %d", id)
	}
}

func TestAssignSpeakerDiarizationInactive(t *testing.T) {
	analyzer := buildAnalyzer(t, 100, []int{0, 0, 1, 0, 1})
	c := newTestController(analyzer)
	c.cfg.EnableDiarization = false

	id, conf := c.AssignSpeaker(0, 500)
	if id != asr.UnknownSpeaker || conf != 0 {
		t.Errorf("expected UnknownSpeaker/0 when diarization is inactive, got (%d, %f)", id, conf)
	}
}

func segs(specs ...asr.EmittedSegment) []asr.EmittedSegment {
	out := make([]asr.EmittedSegment, len(specs))
	copy(out, specs)
	return out
}

func TestRunReclassificationIsolatedChunk(t *testing.T) {
	analyzer := buildAnalyzer(t, 100, []int{0, 0, 1, 0, 1})
	c := newTestController(analyzer)
	c.cfg.EnableReclassification = true
	c.cfg.ReclassificationWindowMs = 100000
	c.segments = segs(
		asr.EmittedSegment{ID: 1, TStartMs: 0, TEndMs: 100, SpeakerID: 0},
		asr.EmittedSegment{ID: 2, TStartMs: 100, TEndMs: 200, SpeakerID: 1}, // isolated [A,B,A]
		asr.EmittedSegment{ID: 3, TStartMs: 200, TEndMs: 300, SpeakerID: 0},
	)

	var events []ReclassificationEvent
	c.SubscribeReclassification(func(e ReclassificationEvent) { events = append(events, e) })

	c.runReclassification(300)

	if len(events) != 1 {
		t.Fatalf("expected exactly 1 reclassification event, got %d: %+v", len(events), events)
	}
	if events[0].Reason != ReasonIsolatedChunk {
		t.Errorf("expected isolated_chunk reason, got %s", events[0].Reason)
	}
	if c.segments[1].SpeakerID != 0 {
		t.Errorf("expected isolated segment reassigned to 0, got %d", c.segments[1].SpeakerID)
	}
}

func TestRunReclassificationLowConfidenceCorrection(t *testing.T) {
	// Frames all say speaker 1, so the better-context re-vote agrees with the
	// high-confidence segment and adds no event of its own.
	analyzer := buildAnalyzer(t, 100, []int{1, 1, 1, 1, 1})
	c := newTestController(analyzer)
	c.cfg.EnableReclassification = true
	c.cfg.ReclassificationWindowMs = 100000
	c.segments = segs(
		asr.EmittedSegment{ID: 1, TStartMs: 0, TEndMs: 100, SpeakerID: 0, Confidence: 0.3},
		asr.EmittedSegment{ID: 2, TStartMs: 100, TEndMs: 200, SpeakerID: 1, Confidence: 0.95},
	)

	var events []ReclassificationEvent
	c.SubscribeReclassification(func(e ReclassificationEvent) { events = append(events, e) })

	c.runReclassification(200)

	if len(events) != 1 || events[0].Reason != ReasonLowConfidence {
		t.Fatalf("expected a low_confidence_correction event, got %+v", events)
	}
	if c.segments[0].SpeakerID != 1 {
		t.Errorf("expected low-confidence segment corrected to 1, got %d", c.segments[0].SpeakerID)
	}
}

func TestRunReclassificationSkipsFinalized(t *testing.T) {
	analyzer := buildAnalyzer(t, 100, []int{0, 0, 1, 0, 1})
	c := newTestController(analyzer)
	c.cfg.EnableReclassification = true
	c.cfg.ReclassificationWindowMs = 100000
	c.segments = segs(
		asr.EmittedSegment{ID: 1, TStartMs: 0, TEndMs: 100, SpeakerID: 0},
		asr.EmittedSegment{ID: 2, TStartMs: 100, TEndMs: 200, SpeakerID: 1, IsFinalized: true},
		asr.EmittedSegment{ID: 3, TStartMs: 200, TEndMs: 300, SpeakerID: 0},
	)

	var events []ReclassificationEvent
	c.SubscribeReclassification(func(e ReclassificationEvent) { events = append(events, e) })
	c.runReclassification(300)

	if len(events) != 0 {
		t.Errorf("expected no reclassification of a finalized segment, got %+v", events)
	}
}

func TestFinalizeSegments(t *testing.T) {
	c := newTestController(nil)
	c.cfg.ReclassificationWindowMs = 1000
	c.segments = segs(
		asr.EmittedSegment{ID: 1, TStartMs: 0, TEndMs: 100},
		asr.EmittedSegment{ID: 2, TStartMs: 5000, TEndMs: 5100},
	)

	c.finalizeSegments(6000, false)
	if !c.segments[0].IsFinalized {
		t.Errorf("expected old segment to be finalized")
	}
	if c.segments[1].IsFinalized {
		t.Errorf("expected recent segment to remain unfinalized")
	}

	c.finalizeSegments(6000, true)
	if !c.segments[1].IsFinalized {
		t.Errorf("expected force=true to finalize every segment")
	}
}
