package asr

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// EmittedSegment is an absolute-time transcript segment, either already
// released to the timeline or still pending in the hold buffer.
type EmittedSegment struct {
	ID          int64
	Text        string
	TStartMs    int64
	TEndMs      int64
	SpeakerID   int
	Confidence  float32
	IsFinalized bool
}

// UnknownSpeaker is used when a segment could not be confidently assigned
// a cluster (§4.6 item 2, §7 embedder-failure degradation).
const UnknownSpeaker = -1

// WindowConfig controls the sliding-buffer hold-and-emit policy (§4.5).
type WindowConfig struct {
	BufferDurationS     float64
	OverlapDurationS    float64
	SilenceThresholdDB  float64
	MaxConsecutiveFails int
}

// DefaultWindowConfig returns the baseline 3s buffer with a 1s overlap
// zone and a -55dBFS silence gate.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		BufferDurationS:     3,
		OverlapDurationS:    1,
		SilenceThresholdDB:  -55,
		MaxConsecutiveFails: 5,
	}
}

func (c WindowConfig) emitBoundaryMs() int64 {
	return int64((c.BufferDurationS - c.OverlapDurationS) * 1000)
}

// FrameFeeder receives every resampled chunk unconditionally, independent
// of ASR windowing (§4.3's contract, fed from §4.5 step 2). Satisfied by
// *diarize.FrameAnalyzer.
type FrameFeeder interface {
	AddAudio(samples []int16)
}

// SpeakerVoter computes a segment's speaker label "now", per §4.6's
// segment-to-speaker voting procedure.
type SpeakerVoter interface {
	AssignSpeaker(tStartMs, tEndMs int64) (speakerID int, confidence float32)
}

// Windower is the Streaming ASR Windower (§4.5): it owns the sliding audio
// buffer, invokes the ASR backend, and applies the hold-and-emit policy so
// that each time range is transcribed by exactly one window.
type Windower struct {
	cfg     WindowConfig
	backend Backend
	frames  FrameFeeder
	voter   SpeakerVoter
	emit    func(EmittedSegment)
	onError func(msg string)
	onFatal func(msg string)

	mu sync.Mutex

	buffer           []int16
	bufferStartMs    int64
	heldSegments     []EmittedSegment
	lastEmittedEndMs int64
	nextID           int64
	paused           bool
	consecutiveFails int

	recentTail []string // rolling tail of tokens from the last emitted text
}

// NewWindower constructs a Windower. emit is invoked synchronously on the
// worker thread for every segment released from the hold-and-emit
// pipeline; the caller (Controller) is responsible for appending it to the
// segment timeline and firing on_segment. onError reports a single
// skipped-window failure (§7's "ASR failure on a window", a WARNING); onFatal
// reports the distinct consecutive-failure escalation (§4.5/§7: "surface
// ERROR"), which the caller must treat as terminal for the session.
func NewWindower(cfg WindowConfig, backend Backend, frames FrameFeeder, voter SpeakerVoter, emit func(EmittedSegment), onError, onFatal func(string)) *Windower {
	if cfg.BufferDurationS <= 0 {
		cfg = DefaultWindowConfig()
	}
	if cfg.MaxConsecutiveFails <= 0 {
		cfg.MaxConsecutiveFails = DefaultWindowConfig().MaxConsecutiveFails
	}
	return &Windower{cfg: cfg, backend: backend, frames: frames, voter: voter, emit: emit, onError: onError, onFatal: onFatal}
}

// SetPaused toggles whether ASR invocation (and buffer sliding) is active.
// While paused the buffer still accumulates and the frame analyzer still
// receives audio, but no transcription happens (§4.6 pause/resume).
func (w *Windower) SetPaused(paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = paused
}

// AddChunk implements the per-chunk operation of §4.5: append to the
// buffer, feed the frame analyzer unconditionally, and if the buffer has
// reached buffer_duration_s, run the silence gate, transcribe, classify
// each resulting segment as skip/hold/emit, slide the buffer, and flush
// any newly-released held segments.
func (w *Windower) AddChunk(samples []int16) {
	if w.frames != nil {
		w.frames.AddAudio(samples)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = append(w.buffer, samples...)

	if w.paused {
		return
	}

	bufferDurationSamples := int(w.cfg.BufferDurationS * 16000)
	if len(w.buffer) < bufferDurationSamples {
		return
	}

	w.processWindow()
}

// processWindow runs one full ASR cycle over the current buffer. Called
// with mu held.
func (w *Windower) processWindow() {
	dbfs := rmsDBFS(w.buffer)
	skipASR := dbfs <= w.cfg.SilenceThresholdDB

	if !skipASR {
		segments, err := w.backend.TranscribeChunkSegments(w.buffer)
		if err != nil {
			w.consecutiveFails++
			if w.onError != nil {
				w.onError(fmt.Sprintf("asr: window transcription failed: %v", err))
			}
			if w.consecutiveFails >= w.cfg.MaxConsecutiveFails && w.onFatal != nil {
				w.onFatal("asr: consecutive transcription failures exceeded threshold")
			}
		} else {
			w.consecutiveFails = 0
			emitBoundary := w.cfg.emitBoundaryMs()
			for _, seg := range segments {
				segStart := w.bufferStartMs + seg.T0Ms
				segEnd := w.bufferStartMs + seg.T1Ms

				if segEnd <= w.lastEmittedEndMs {
					continue // already emitted in a previous window
				}
				if seg.T1Ms >= emitBoundary {
					speakerID, confidence := w.assignSpeaker(segStart, segEnd)
					w.heldSegments = append(w.heldSegments, EmittedSegment{
						Text:       seg.Text,
						TStartMs:   segStart,
						TEndMs:     segEnd,
						SpeakerID:  speakerID,
						Confidence: confidence,
					})
					continue
				}
				w.emitCandidate(EmittedSegment{
					Text:     seg.Text,
					TStartMs: segStart,
					TEndMs:   segEnd,
				}, true)
			}
		}
	}

	// Slide.
	slideSamples := int((w.cfg.BufferDurationS - w.cfg.OverlapDurationS) * 16000)
	if slideSamples > len(w.buffer) {
		slideSamples = len(w.buffer)
	}
	w.buffer = w.buffer[slideSamples:]
	w.bufferStartMs += int64(slideSamples) * 1000 / 16000

	// Flush holds: release exactly now, after the slide decision, before
	// the next window's ASR call sees the slid buffer.
	w.flushHeld()
}

// flushHeld promotes every held segment to emitted, in order. Called with
// mu held.
func (w *Windower) flushHeld() {
	held := w.heldSegments
	w.heldSegments = nil
	for _, s := range held {
		w.emitCandidate(s, false)
	}
}

// assignSpeaker computes a segment's speaker label "now", at hold/emit
// decision time, via the voter (the frame→segment voting procedure of
// §4.6). Called with mu held; the voter itself must not re-enter the
// windower.
func (w *Windower) assignSpeaker(tStartMs, tEndMs int64) (int, float32) {
	if w.voter == nil {
		return UnknownSpeaker, 0
	}
	return w.voter.AssignSpeaker(tStartMs, tEndMs)
}

// emitCandidate runs the Emit step (trim + dedup + append) of §4.5 and, if
// the segment survives, assigns its monotonic ID and invokes emit. Called
// with mu held. needsVote is true for segments classified directly into
// the emit path (their speaker has not been computed yet); held segments
// already carry the speaker ID computed at hold time and pass false.
func (w *Windower) emitCandidate(s EmittedSegment, needsVote bool) {
	text := normalizeText(s.Text)
	if text == "" {
		return
	}

	if s.TStartMs < w.lastEmittedEndMs {
		s.TStartMs = w.lastEmittedEndMs
	}
	if s.TStartMs >= s.TEndMs {
		return
	}

	text = w.dedupAgainstTail(text)
	if text == "" {
		return
	}
	s.Text = text

	if needsVote {
		s.SpeakerID, s.Confidence = w.assignSpeaker(s.TStartMs, s.TEndMs)
	}

	s.ID = w.nextID
	w.nextID++
	w.lastEmittedEndMs = s.TEndMs
	w.updateTail(text)

	if w.emit != nil {
		w.emit(s)
	}
}

// dedupAgainstTail strips a leading run of tokens from text that matches
// the rolling tail of the previously emitted text (up to 12 tokens),
// compensating for ASR backends that repeat a few leading tokens from
// overlapped audio even after timestamp trimming.
func (w *Windower) dedupAgainstTail(text string) string {
	if len(w.recentTail) == 0 {
		return text
	}
	tokens := strings.Fields(text)
	matched := 0
	maxCheck := len(w.recentTail)
	if len(tokens) < maxCheck {
		maxCheck = len(tokens)
	}
	// Longest k such that the last k tail tokens equal the first k tokens.
	for k := maxCheck; k > 0 && matched == 0; k-- {
		tailStart := len(w.recentTail) - k
		matched = k
		for i := 0; i < k; i++ {
			if !strings.EqualFold(tokens[i], w.recentTail[tailStart+i]) {
				matched = 0
				break
			}
		}
	}
	if matched == 0 {
		return text
	}
	remaining := strings.Join(tokens[matched:], " ")
	return strings.TrimSpace(remaining)
}

func (w *Windower) updateTail(text string) {
	tokens := strings.Fields(text)
	w.recentTail = append(w.recentTail, tokens...)
	const maxTail = 12
	if len(w.recentTail) > maxTail {
		w.recentTail = w.recentTail[len(w.recentTail)-maxTail:]
	}
}

// Finish runs the stream-end final flush (§4.5 item 4): release all
// remaining held segments, then transcribe only the untranscribed tail of
// the buffer (beyond the already-transcribed overlap) and emit those
// segments directly with no further holding or sliding.
func (w *Windower) Finish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.flushHeld()

	// Until the first slide no window has transcribed the leading overlap.
	overlapSamples := 0
	if w.bufferStartMs > 0 {
		overlapSamples = int(w.cfg.OverlapDurationS * 16000)
	}
	if overlapSamples >= len(w.buffer) {
		return
	}
	tail := w.buffer[overlapSamples:]
	if len(tail) == 0 {
		return
	}
	if rmsDBFS(tail) <= w.cfg.SilenceThresholdDB {
		return
	}
	segments, err := w.backend.TranscribeChunkSegments(tail)
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Sprintf("asr: final flush transcription failed: %v", err))
		}
		return
	}
	tailStartMs := w.bufferStartMs + int64(overlapSamples)*1000/16000
	for _, seg := range segments {
		w.emitCandidate(EmittedSegment{
			Text:     seg.Text,
			TStartMs: tailStartMs + seg.T0Ms,
			TEndMs:   tailStartMs + seg.T1Ms,
		}, true)
	}
}

// LastEmittedEndMs reports the absolute end time of the most recently
// emitted segment, for diagnostics.
func (w *Windower) LastEmittedEndMs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEmittedEndMs
}

func normalizeText(s string) string {
	return strings.TrimSpace(s)
}

// rmsDBFS computes the RMS level of samples in dBFS, with full scale at
// the int16 maximum.
func rmsDBFS(samples []int16) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sumSq += v * v
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms < 1e-9 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
