package diarize

import "sync"

// UnassignedSpeaker marks an embedding frame that has not yet been through
// a clustering pass.
const UnassignedSpeaker = -1

// Frame is an immutable speaker-embedding record produced at a fixed
// cadence, independent of ASR segmentation.
type Frame struct {
	TStartMs   int64
	TEndMs     int64
	Vector     []float32
	SpeakerID  int
	Confidence float32
}

// AnalyzerConfig controls the cadence and retention of the Frame Analyzer.
type AnalyzerConfig struct {
	HopMs      int
	WindowMs   int
	HistorySec int
}

// DefaultAnalyzerConfig returns the baseline 250ms hop / 1000ms window
// frame cadence with 60s of retained history.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{HopMs: 250, WindowMs: 1000, HistorySec: 60}
}

// FrameAnalyzer produces a regular time series of speaker embeddings. It
// operates on the same resampled 16 kHz stream as the ASR Windower but owns
// an independent copy of the audio it needs, so it can never be on the ASR
// critical path and can never mutate the windower's buffer.
type FrameAnalyzer struct {
	cfg      AnalyzerConfig
	embedder Embedder

	mu sync.Mutex

	// pending holds raw float32 samples not yet consumed into a completed
	// window; it is trimmed to windowMs worth of audio at every hop boundary.
	pending []float32

	totalSamples    int64 // absolute samples seen since stream start
	sinceLastFrame  int64 // samples accumulated since the last frame emission
	frames          []Frame
}

// NewFrameAnalyzer constructs an analyzer bound to embedder. A nil embedder
// disables frame extraction entirely (AddAudio becomes a no-op), matching
// the embedder-failure degradation path in §7.
func NewFrameAnalyzer(cfg AnalyzerConfig, embedder Embedder) *FrameAnalyzer {
	if cfg.HopMs <= 0 {
		cfg.HopMs = 250
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 1000
	}
	if cfg.HistorySec <= 0 {
		cfg.HistorySec = 60
	}
	return &FrameAnalyzer{cfg: cfg, embedder: embedder}
}

// AddAudio appends samples (16 kHz mono) to the analyzer's internal stream.
// For every additional hop_ms of audio that accumulates, one frame is
// extracted from the most recent window_ms window and appended to history.
// Embedding failures are swallowed: the caller is responsible for deciding
// whether repeated failures should disable diarization (§7).
//
// A single call's samples may span more than one hop (e.g. a 1s chunk with
// the default 250ms hop). Each hop boundary is walked one at a time so that
// every emitted frame sees the pending buffer and totalSamples counter as
// they stood exactly at that hop — never the call-final values — otherwise
// every frame produced within one call would carry identical, incorrect
// timestamps (§3: "successive frame centers are hop_ms apart").
func (a *FrameAnalyzer) AddAudio(samples []int16) {
	if a.embedder == nil || len(samples) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	hopSamples := int64(a.cfg.HopMs) * 16000 / 1000
	windowSamples := int(int64(a.cfg.WindowMs) * 16000 / 1000)

	pos := 0
	for pos < len(samples) {
		remainingToHop := hopSamples - a.sinceLastFrame
		take := int64(len(samples) - pos)
		if remainingToHop < take {
			take = remainingToHop
		}

		chunk := samples[pos : pos+int(take)]
		floatChunk := make([]float32, len(chunk))
		for i, s := range chunk {
			floatChunk[i] = float32(s) / 32768.0
		}
		a.pending = append(a.pending, floatChunk...)
		a.totalSamples += take
		a.sinceLastFrame += take
		pos += int(take)

		if a.sinceLastFrame >= hopSamples {
			a.sinceLastFrame -= hopSamples
			// A frame's span must equal window_ms exactly (§3's Embedding
			// Frame invariant); don't emit until a full window's worth of
			// audio has actually accumulated.
			if a.totalSamples >= int64(windowSamples) {
				a.emitFrame(windowSamples)
			}
			// Trim to the most recent windowSamples immediately after this
			// hop, before the next hop in the same call accumulates more.
			if len(a.pending) > windowSamples {
				a.pending = a.pending[len(a.pending)-windowSamples:]
			}
		}
	}

	a.trimHistory()
}

// emitFrame extracts the most recent windowSamples window, computes its
// embedding, and appends a new Frame. Called with mu held.
func (a *FrameAnalyzer) emitFrame(windowSamples int) {
	window := a.pending
	if len(window) > windowSamples {
		window = window[len(window)-windowSamples:]
	}
	if len(window) == 0 {
		return
	}

	vec, err := a.embedder.Embed(window)
	if err != nil {
		return
	}
	vec = l2Normalize(vec)

	endMs := a.totalSamples * 1000 / 16000
	startMs := endMs - int64(a.cfg.WindowMs)
	if startMs < 0 {
		startMs = 0
	}

	a.frames = append(a.frames, Frame{
		TStartMs:   startMs,
		TEndMs:     endMs,
		Vector:     vec,
		SpeakerID:  UnassignedSpeaker,
		Confidence: 0,
	})
}

// trimHistory drops frames older than HistorySec relative to the newest
// frame. Called with mu held.
func (a *FrameAnalyzer) trimHistory() {
	if len(a.frames) == 0 {
		return
	}
	cutoff := a.frames[len(a.frames)-1].TEndMs - int64(a.cfg.HistorySec)*1000
	i := 0
	for i < len(a.frames) && a.frames[i].TEndMs < cutoff {
		i++
	}
	if i > 0 {
		a.frames = a.frames[i:]
	}
}

// GetFramesInRange returns, in time order, every frame whose
// [TStartMs, TEndMs] intersects [tStartMs, tEndMs].
func (a *FrameAnalyzer) GetFramesInRange(tStartMs, tEndMs int64) []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Frame, 0)
	for _, f := range a.frames {
		if f.TEndMs >= tStartMs && f.TStartMs <= tEndMs {
			out = append(out, f)
		}
	}
	return out
}

// AllFrames returns a snapshot copy of the full retained frame history, in
// time order. Used by the periodic re-clustering pass.
func (a *FrameAnalyzer) AllFrames() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Frame, len(a.frames))
	copy(out, a.frames)
	return out
}

// ApplyClusterAssignment overwrites the SpeakerID/Confidence of frames in
// history matching the given indices-to-labels mapping produced by a
// clustering pass. assignments must be the same length and order as the
// slice previously returned by AllFrames.
func (a *FrameAnalyzer) ApplyClusterAssignment(labels []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(labels)
	if n > len(a.frames) {
		n = len(a.frames)
	}
	for i := 0; i < n; i++ {
		a.frames[i].SpeakerID = labels[i]
	}
}

// FrameCount returns the number of retained frames.
func (a *FrameAnalyzer) FrameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// DurationMs returns the total audio duration seen so far, in milliseconds.
func (a *FrameAnalyzer) DurationMs() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalSamples * 1000 / 16000
}
