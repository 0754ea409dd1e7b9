// Package asr implements the sliding-window hold-and-emit ASR engine: the
// backend collaborator contract (§6.2) and the Windower (§4.5) that
// drives it.
package asr

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Segment is a single ASR output with times relative to the start of the
// buffer that was transcribed (§6.2).
type Segment struct {
	Text string
	T0Ms int64
	T1Ms int64
}

// Backend is the ASR backend collaborator (§6.2): a synchronous,
// thread-confined function from a 16 kHz mono buffer to zero or more
// timestamped text segments.
type Backend interface {
	TranscribeChunkSegments(samples []int16) ([]Segment, error)
	Close() error
}

// WhisperConfig configures the whisper.cpp-backed Backend.
type WhisperConfig struct {
	ModelPath string
	Language  string
	Threads   int // 0 = auto
}

// WhisperBackend implements Backend using the published whisper.cpp Go
// bindings. Calls on one WhisperBackend are serialized by an internal
// mutex; the controller makes them from the worker thread only, which
// matches the concurrency model in §5: the ASR call is the worker's only
// other blocking point besides AudioQueue.pop.
type WhisperBackend struct {
	model    whisperlib.Model
	language string
	threads  uint
	mu       sync.Mutex
}

// NewWhisperBackend loads the model at cfg.ModelPath.
func NewWhisperBackend(cfg WhisperConfig) (*WhisperBackend, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("asr: model path required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("asr: model file not found: %w", err)
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("asr: load model %q: %w", cfg.ModelPath, err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	threads := uint(cfg.Threads)
	if threads == 0 {
		threads = uint(runtime.NumCPU())
	}
	return &WhisperBackend{model: model, language: lang, threads: threads}, nil
}

// TranscribeChunkSegments runs whisper.cpp inference over samples (16 kHz
// mono int16) and returns timestamped segments relative to the start of
// the buffer. Empty-text segments are filtered out.
func (w *WhisperBackend) TranscribeChunkSegments(samples []int16) ([]Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, err := w.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("asr: new context: %w", err)
	}

	if err := ctx.SetLanguage(w.language); err != nil {
		_ = ctx.SetLanguage("auto")
	}
	ctx.SetTranslate(false)
	ctx.SetThreads(w.threads)
	ctx.SetBeamSize(5)
	ctx.SetTemperature(0.0)
	ctx.SetTemperatureFallback(0.2)
	ctx.SetMaxTokensPerSegment(128)
	ctx.SetSplitOnWord(true)
	ctx.SetEntropyThold(2.4)
	ctx.SetMaxContext(-1)

	norm := int16ToFloat32(samples)
	if err := ctx.Process(norm, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("asr: process: %w", err)
	}

	var segments []Segment
	for {
		seg, err := ctx.NextSegment()
		if err != nil {
			break
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text: text,
			T0Ms: seg.Start.Milliseconds(),
			T1Ms: seg.End.Milliseconds(),
		})
	}
	return segments, nil
}

// Close releases the underlying model.
func (w *WhisperBackend) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model != nil {
		return w.model.Close()
	}
	return nil
}

func int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
