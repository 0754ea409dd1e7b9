package asr

import "testing"

// fakeBackend returns a preconfigured sequence of results, one per call to
// TranscribeChunkSegments, so tests can script exactly what each window
// sees.
type fakeBackend struct {
	results [][]Segment
	errs    []error
	calls   int
}

func (f *fakeBackend) TranscribeChunkSegments(samples []int16) ([]Segment, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], err
	}
	return nil, err
}

func (f *fakeBackend) Close() error { return nil }

type fakeVoter struct {
	speakerID  int
	confidence float32
}

func (v *fakeVoter) AssignSpeaker(tStartMs, tEndMs int64) (int, float32) {
	return v.speakerID, v.confidence
}

func loudSamples(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 10000
		} else {
			out[i] = -10000
		}
	}
	return out
}

func TestWindowerEmitsBeforeOverlapBoundary(t *testing.T) {
	backend := &fakeBackend{
		results: [][]Segment{
			{{Text: "hello there", T0Ms: 0, T1Ms: 500}},
		},
	}
	var emitted []EmittedSegment
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -60, MaxConsecutiveFails: 5},
		backend, nil, &fakeVoter{speakerID: 2, confidence: 0.9},
		func(s EmittedSegment) { emitted = append(emitted, s) },
		nil, nil,
	)

	w.AddChunk(loudSamples(3 * 16000))

	if len(emitted) != 1 {
		t.Fatalf("expected 1 emitted segment, got %d: %+v", len(emitted), emitted)
	}
	if emitted[0].Text != "hello there" {
		t.Errorf("unexpected text: %q", emitted[0].Text)
	}
	if emitted[0].SpeakerID != 2 {
		t.Errorf("expected speaker voted via SpeakerVoter, got %d", emitted[0].SpeakerID)
	}
}

func TestWindowerHoldsSegmentCrossingEmitBoundary(t *testing.T) {
	// emitBoundary = (3-1)*1000 = 2000ms. A segment ending beyond that must
	// be held, not emitted immediately.
	backend := &fakeBackend{
		results: [][]Segment{
			{{Text: "held segment", T0Ms: 1900, T1Ms: 2900}},
			{{Text: "next window text", T0Ms: 1000, T1Ms: 1500}}, // abs 3000-3500, past the held segment
		},
	}
	var emitted []EmittedSegment
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -60, MaxConsecutiveFails: 5},
		backend, nil, &fakeVoter{speakerID: 0, confidence: 0.8},
		func(s EmittedSegment) { emitted = append(emitted, s) },
		nil, nil,
	)

	// Per the hold-and-emit policy, a held segment is released right after
	// its own window's slide (not deferred to the next AddChunk) — holding
	// only prevents it from being emitted ahead of the slide, which is what
	// guarantees the time range is transcribed by exactly one window.
	w.AddChunk(loudSamples(3 * 16000))
	if len(emitted) != 1 || emitted[0].Text != "held segment" {
		t.Fatalf("expected the held segment to flush after its window's slide, got %+v", emitted)
	}

	w.AddChunk(loudSamples(2 * 16000)) // reach buffer_duration_s again after the 2s slide
	if len(emitted) != 2 {
		t.Fatalf("expected the next window's segment to also be emitted, got %d: %+v", len(emitted), emitted)
	}
}

func TestWindowerSkipsAlreadyEmittedRange(t *testing.T) {
	backend := &fakeBackend{
		results: [][]Segment{
			{{Text: "first", T0Ms: 2000, T1Ms: 2500}}, // held, released at abs 2000-2500 after the slide
			{{Text: "first", T0Ms: 0, T1Ms: 500}},     // same absolute range, reseen via overlap
		},
	}
	var emitted []EmittedSegment
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -60, MaxConsecutiveFails: 5},
		backend, nil, &fakeVoter{},
		func(s EmittedSegment) { emitted = append(emitted, s) },
		nil, nil,
	)

	w.AddChunk(loudSamples(3 * 16000))
	w.AddChunk(loudSamples(2 * 16000))

	count := 0
	for _, s := range emitted {
		if s.Text == "first" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected the overlap-reseen segment to be skipped, got %d emissions of it", count)
	}
}

func TestWindowerDedupAgainstTail(t *testing.T) {
	backend := &fakeBackend{
		results: [][]Segment{
			{{Text: "the quick brown fox", T0Ms: 0, T1Ms: 500}},
			{{Text: "brown fox jumps", T0Ms: 0, T1Ms: 500}},
		},
	}
	var emitted []EmittedSegment
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -60, MaxConsecutiveFails: 5},
		backend, nil, &fakeVoter{},
		func(s EmittedSegment) { emitted = append(emitted, s) },
		nil, nil,
	)

	w.AddChunk(loudSamples(3 * 16000))
	w.AddChunk(loudSamples(2 * 16000))

	if len(emitted) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(emitted), emitted)
	}
	if emitted[1].Text != "jumps" {
		t.Errorf("expected repeated leading tokens stripped via tail dedup, got %q", emitted[1].Text)
	}
}

func TestWindowerSilenceGateSkipsASR(t *testing.T) {
	backend := &fakeBackend{
		results: [][]Segment{{{Text: "should not see this", T0Ms: 0, T1Ms: 500}}},
	}
	var emitted []EmittedSegment
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -55, MaxConsecutiveFails: 5},
		backend, nil, &fakeVoter{},
		func(s EmittedSegment) { emitted = append(emitted, s) },
		nil, nil,
	)

	w.AddChunk(make([]int16, 3*16000)) // all zeros: silence
	if backend.calls != 0 {
		t.Errorf("expected silence gate to skip ASR entirely, backend was called %d times", backend.calls)
	}
	if len(emitted) != 0 {
		t.Errorf("expected no segments emitted from silence, got %+v", emitted)
	}
}

func TestWindowerFinishFlushesTail(t *testing.T) {
	backend := &fakeBackend{
		results: [][]Segment{
			{}, // nothing in the main window
			{{Text: "final words", T0Ms: 0, T1Ms: 400}},
		},
	}
	var emitted []EmittedSegment
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -60, MaxConsecutiveFails: 5},
		backend, nil, &fakeVoter{speakerID: 1},
		func(s EmittedSegment) { emitted = append(emitted, s) },
		nil, nil,
	)

	w.AddChunk(loudSamples(3 * 16000))
	w.AddChunk(loudSamples(16000)) // 1s past the overlap that no window has transcribed
	w.Finish()

	if len(emitted) != 1 || emitted[0].Text != "final words" {
		t.Fatalf("expected Finish to flush the tail transcription, got %+v", emitted)
	}
	if emitted[0].SpeakerID != 1 {
		t.Errorf("expected Finish's tail segment to be voted, got speaker %d", emitted[0].SpeakerID)
	}
}

func TestWindowerConsecutiveFailuresTriggerEscalation(t *testing.T) {
	fail := &fakeBackend{
		errs: []error{errFake, errFake, errFake, errFake, errFake},
	}
	var warnings []string
	var fatals []string
	w := NewWindower(
		WindowConfig{BufferDurationS: 3, OverlapDurationS: 1, SilenceThresholdDB: -60, MaxConsecutiveFails: 3},
		fail, nil, &fakeVoter{},
		func(EmittedSegment) {},
		func(msg string) { warnings = append(warnings, msg) },
		func(msg string) { fatals = append(fatals, msg) },
	)

	for i := 0; i < 4; i++ {
		w.AddChunk(loudSamples(2 * 16000))
	}

	// Every failed window fires the ordinary per-window warning...
	if len(warnings) == 0 {
		t.Fatalf("expected per-window warnings for the failed transcriptions, got none")
	}
	for _, msg := range warnings {
		if msg == "asr: consecutive transcription failures exceeded threshold" {
			t.Errorf("escalation message leaked into onError, should only reach onFatal: %q", msg)
		}
	}

	// ...but only the threshold crossing fires the distinct fatal escalation,
	// which the controller must turn into StateError (§4.5/§7), not a warning.
	if len(fatals) != 1 || fatals[0] != "asr: consecutive transcription failures exceeded threshold" {
		t.Errorf("expected exactly one fatal escalation, got %v", fatals)
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFake = fakeErr("boom")
