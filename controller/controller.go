package controller

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"streamdiarize/asr"
	"streamdiarize/audio"
	"streamdiarize/diarize"
)

// Config holds the recognized configuration options of §4.6.
type Config struct {
	ModelPath              string
	EmbedderModelPath      string
	Language               string
	NThreads               int
	BufferDurationS        float64
	OverlapDurationS       float64
	EnableASR              bool
	EnableDiarization      bool
	MaxSpeakers            int
	SpeakerThreshold       float64
	EnableReclassification bool
	ReclassificationWindowMs int64

	DeviceID       string
	InputWAVPath   string // non-empty selects a file-driven Source instead of the microphone
	SaveMicWAVPath string
	SaveASRWAVPath string
	Verbose        bool

	QueueCapacity int
}

// DefaultConfig returns the engine's baseline tuning: a 3s/1s buffer and
// overlap, two-speaker diarization at a 0.35 merge threshold, and
// reclassification enabled over a 5s trailing window.
func DefaultConfig() Config {
	return Config{
		Language:                 "en",
		BufferDurationS:          3,
		OverlapDurationS:         1,
		EnableASR:                true,
		EnableDiarization:        true,
		MaxSpeakers:              2,
		SpeakerThreshold:         0.35,
		EnableReclassification:  true,
		ReclassificationWindowMs: 5000,
		QueueCapacity:            audio.DefaultCapacity,
	}
}

// clusterIntervalMs is how often the worker re-runs batch clustering over
// the retained frame history (the streaming variant of §4.4's "online
// variant").
const clusterIntervalMs = 2000

// Controller is the Transcription Controller (§4.6): it owns the worker
// thread and orchestrates the Audio Queue, Resampler, Frame Analyzer,
// Clusterer, and ASR Windower, maintaining the segment timeline and
// firing events to subscribers.
type Controller struct {
	subs subscribers

	mu    sync.Mutex
	state State

	cfg        Config
	queue      *audio.Queue
	source     audio.Source
	resampler  *audio.Resampler
	analyzer   *diarize.FrameAnalyzer
	embedder   *trackingEmbedder
	backend    asr.Backend
	windower   *asr.Windower

	micWav *audio.WAVWriter
	asrWav *audio.WAVWriter

	diarizationDisabled atomic.Bool

	// worker-owned state: segment timeline, last speaker, metrics. Written
	// only from the worker goroutine; snapMu guards the short-held
	// snapshot window for reader accessors (§5: single-writer/multi-reader).
	snapMu        sync.Mutex
	segments      []asr.EmittedSegment
	lastSpeakerID int
	metrics       Metrics
	sessionStart  time.Time
	lastClusterAtMs int64
	// clusters is the cluster set produced by the most recent clustering
	// pass (§4.4). AssignSpeaker's early-session fallback (§4.6 item 2)
	// nearest-centroid-matches against this before any frame in range has
	// gone through a clustering pass of its own.
	clusters []diarize.Cluster
	// audioMs tracks elapsed resampled-audio duration when EnableASR is
	// false and no Windower exists to report it.
	audioMs int64

	wg sync.WaitGroup
}

// New constructs an idle Controller.
func New() *Controller {
	return &Controller{state: StateIdle, lastSpeakerID: asr.UnknownSpeaker}
}

// SubscribeSegment registers a callback invoked exactly once per emitted
// segment ID.
func (c *Controller) SubscribeSegment(fn func(asr.EmittedSegment)) { c.subs.SubscribeSegment(fn) }

// SubscribeReclassification registers a callback for reclassification
// batches.
func (c *Controller) SubscribeReclassification(fn func(ReclassificationEvent)) {
	c.subs.SubscribeReclassification(fn)
}

// SubscribeStatus registers a callback for periodic status/metrics events.
func (c *Controller) SubscribeStatus(fn func(StatusEvent)) { c.subs.SubscribeStatus(fn) }

// SubscribeError registers a callback for on_error events.
func (c *Controller) SubscribeError(fn func(ErrorEvent)) { c.subs.SubscribeError(fn) }

// ListAudioDevices is query-only and has no side effects.
func (c *Controller) ListAudioDevices() ([]audio.Device, error) {
	cap, err := audio.NewCapture()
	if err != nil {
		return nil, err
	}
	defer cap.Close()
	return cap.ListDevices()
}

// SelectAudioDevice must be called while IDLE.
func (c *Controller) SelectAudioDevice(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.cfg.DeviceID = id
	return true
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SourceExhausted reports whether the active audio source has stopped
// producing chunks on its own (e.g. a file-driven Source reaching end of
// file), as opposed to having been stopped by the caller. Callers driving a
// single-shot file run use this to detect natural completion instead of
// waiting indefinitely on a live microphone's Source, which never reports
// exhaustion this way.
func (c *Controller) SourceExhausted() bool {
	c.mu.Lock()
	running := c.state == StateRunning || c.state == StatePaused
	source := c.source
	c.mu.Unlock()
	if !running || source == nil {
		return false
	}
	return !source.IsCapturing()
}

// Start transitions IDLE -> STARTING -> RUNNING: it loads the ASR model,
// creates the embedder, spawns the worker thread, and begins capture.
func (c *Controller) Start(cfg Config) bool {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return false
	}
	c.state = StateStarting
	c.cfg = cfg
	c.mu.Unlock()

	// EnableASR=false is the audio-only isolation path (§6.4's --no-asr):
	// no Backend, no Windower, no diarization, just capture + resample.
	if !cfg.EnableASR {
		c.diarizationDisabled.Store(true)
	} else {
		backend, err := asr.NewWhisperBackend(asr.WhisperConfig{
			ModelPath: cfg.ModelPath,
			Language:  cfg.Language,
			Threads:   cfg.NThreads,
		})
		if err != nil {
			c.fail(fmt.Sprintf("controller: load ASR model: %v", err))
			return false
		}
		c.backend = backend

		var feeder asr.FrameFeeder
		if cfg.EnableDiarization && cfg.EmbedderModelPath != "" {
			raw, err := diarize.NewONNXEmbedder(diarize.DefaultONNXEmbedderConfig(cfg.EmbedderModelPath))
			if err != nil {
				c.fail(fmt.Sprintf("controller: load speaker embedder: %v", err))
				backend.Close()
				return false
			}
			c.embedder = &trackingEmbedder{inner: raw, onFail: c.onEmbedderFailure}
			c.analyzer = diarize.NewFrameAnalyzer(diarize.DefaultAnalyzerConfig(), c.embedder)
			feeder = c.analyzer
		} else {
			c.diarizationDisabled.Store(true)
		}

		c.windower = asr.NewWindower(
			asr.WindowConfig{
				BufferDurationS:    cfg.BufferDurationS,
				OverlapDurationS:   cfg.OverlapDurationS,
				SilenceThresholdDB: -55,
			},
			backend, feeder, c,
			c.onSegmentEmitted,
			func(msg string) { c.subs.fireError(ErrorEvent{Severity: SeverityWarning, Message: msg}) },
			func(msg string) { c.fail(fmt.Sprintf("controller: %s", msg)) },
		)
	}

	c.queue = audio.NewQueue(cfg.QueueCapacity)
	c.resampler = audio.NewResampler()

	if cfg.SaveMicWAVPath != "" {
		micRate := 48000 // audio.Capture requests 48 kHz from the device
		if cfg.InputWAVPath != "" {
			micRate = audio.TargetSampleRate // FileSource delivers 16 kHz chunks
		}
		w, err := audio.NewWAVWriter(cfg.SaveMicWAVPath, micRate, 1)
		if err == nil {
			c.micWav = w
		}
	}
	if cfg.SaveASRWAVPath != "" {
		w, err := audio.NewWAVWriter(cfg.SaveASRWAVPath, audio.TargetSampleRate, 1)
		if err == nil {
			c.asrWav = w
		}
	}

	var source audio.Source
	if cfg.InputWAVPath != "" {
		fileSource, err := audio.NewFileSource(cfg.InputWAVPath)
		if err != nil {
			c.fail(fmt.Sprintf("controller: load input wav: %v", err))
			return false
		}
		source = fileSource
	} else {
		capture, err := audio.NewCapture()
		if err != nil {
			c.fail(fmt.Sprintf("controller: init capture: %v", err))
			return false
		}
		source = capture
	}
	c.source = source

	c.segments = nil
	c.lastSpeakerID = asr.UnknownSpeaker
	c.metrics = Metrics{}
	c.sessionStart = time.Now()

	if err := source.Start(cfg.DeviceID, c.onCaptureChunk, c.onCaptureError); err != nil {
		c.fail(fmt.Sprintf("controller: start capture: %v", err))
		return false
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runWorker()
	return true
}

// fail transitions the controller to ERROR and fires on_error(ERROR). ERROR
// is terminal for the session (§4.6's state machine): if capture has already
// started, fail also stops the source and closes the queue so the worker
// loop's next Pop unblocks with a closed result and runs the final flush,
// exactly as a caller-initiated Stop would. Called both synchronously from
// Start (before the queue/source exist) and from the worker thread (via the
// Windower's consecutive-failure escalation).
func (c *Controller) fail(msg string) {
	c.mu.Lock()
	c.state = StateError
	c.mu.Unlock()
	c.subs.fireError(ErrorEvent{Severity: SeverityError, Message: msg})
	if c.source != nil {
		c.source.Stop()
	}
	if c.queue != nil {
		c.queue.Stop()
	}
}

// onCaptureChunk is the capture-thread callback (§6.1): it must never
// block. It downmixes and enqueues; all heavier work happens on the
// worker.
func (c *Controller) onCaptureChunk(samples []int16, sampleRate, channels int) {
	mono := audio.DownmixToMono(samples, channels)
	c.queue.Push(audio.Chunk{
		Samples:      mono,
		SampleRate:   sampleRate,
		CapturedAtMs: time.Since(c.sessionStart).Milliseconds(),
	})
}

func (c *Controller) onCaptureError(err error) {
	c.subs.fireError(ErrorEvent{Severity: SeverityWarning, Message: fmt.Sprintf("audio: capture error: %v", err)})
}

// onEmbedderFailure implements §7's embedder-failure degradation: disable
// diarization for the remainder of the session and surface a warning.
func (c *Controller) onEmbedderFailure(err error) {
	if c.diarizationDisabled.CompareAndSwap(false, true) {
		c.subs.fireError(ErrorEvent{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("diarize: embedder failed, disabling diarization for the rest of the session: %v", err),
		})
	}
}

func (c *Controller) diarizationActive() bool {
	return c.cfg.EnableDiarization && !c.diarizationDisabled.Load()
}

// elapsedAudioMs returns the session's current audio time in milliseconds.
// With a Windower present this is the end time of its most recently emitted
// segment, so it does not advance over audio that has emitted nothing yet
// (silence, or audio still in the buffer); in the audio-only
// (EnableASR=false) path there is no Windower, so it returns the running
// tally of resampled audio kept in runWorker.
func (c *Controller) elapsedAudioMs() int64 {
	if c.windower != nil {
		return c.windower.LastEmittedEndMs()
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.audioMs
}

// onSegmentEmitted is the Windower's emit callback: append to the
// timeline (worker-owned, no lock needed for internal use) and fan out
// on_segment.
func (c *Controller) onSegmentEmitted(seg asr.EmittedSegment) {
	c.snapMu.Lock()
	c.segments = append(c.segments, seg)
	if seg.SpeakerID != asr.UnknownSpeaker {
		c.lastSpeakerID = seg.SpeakerID
	}
	c.metrics.SegmentsEmitted++
	c.snapMu.Unlock()
	c.subs.fireSegment(seg)
}

// runWorker is the single worker thread (§5): it blocks on AudioQueue.pop,
// resamples, dispatches to the frame analyzer and ASR windower, reclusters
// and reclassifies periodically, and performs the final flush on stop.
func (c *Controller) runWorker() {
	defer c.wg.Done()

	statusTicker := time.NewTicker(500 * time.Millisecond)
	defer statusTicker.Stop()

	for {
		chunk, ok := c.queue.Pop()
		if !ok {
			break
		}

		c.mu.Lock()
		paused := c.state == StatePaused
		c.mu.Unlock()

		if c.micWav != nil {
			c.micWav.Write(chunk.Samples)
		}

		t0 := time.Now()
		resampled := c.resampler.Resample(chunk.Samples, chunk.SampleRate)
		resampleMs := time.Since(t0).Milliseconds()

		if c.asrWav != nil && len(resampled) > 0 {
			c.asrWav.Write(resampled)
		}

		if c.windower != nil {
			c.windower.SetPaused(paused)
			if len(resampled) > 0 {
				c.windower.AddChunk(resampled)
			}
		} else if len(resampled) > 0 {
			c.snapMu.Lock()
			c.audioMs += int64(len(resampled)) * 1000 / int64(audio.TargetSampleRate)
			c.snapMu.Unlock()
		}

		nowMs := c.elapsedAudioMs()
		if c.diarizationActive() && nowMs-c.lastClusterAtMs >= clusterIntervalMs {
			c.recluster(nowMs)
			c.lastClusterAtMs = nowMs
		}

		c.snapMu.Lock()
		c.metrics.ResampleMsTotal += resampleMs
		if len(resampled) > 0 {
			c.metrics.WindowsProcessed++
		}
		c.metrics.DroppedChunks = c.queue.DroppedCount()
		c.snapMu.Unlock()

		select {
		case <-statusTicker.C:
			c.emitStatus()
		default:
		}
	}

	c.finalFlush()
}

// recluster re-runs batch clustering over the retained frame history and
// then re-evaluates reclassification for recently emitted segments (the
// streaming variant of the Clusterer's "online variant", §4.4).
func (c *Controller) recluster(nowMs int64) {
	t0 := time.Now()
	frames := c.analyzer.AllFrames()
	if len(frames) == 0 {
		return
	}
	labels, clusters := diarize.ClusterFrames(frames, diarize.Config{
		MaxSpeakers:    c.cfg.MaxSpeakers,
		MergeThreshold: c.cfg.SpeakerThreshold,
	})
	c.analyzer.ApplyClusterAssignment(labels)
	c.clusters = clusters
	diarMs := time.Since(t0).Milliseconds()
	c.snapMu.Lock()
	c.metrics.DiarizationMsTotal += diarMs
	c.snapMu.Unlock()

	c.runReclassification(nowMs)
	c.finalizeSegments(nowMs, false)
}

func (c *Controller) emitStatus() {
	elapsed := time.Since(c.sessionStart).Milliseconds()
	audioMs := c.elapsedAudioMs()

	c.snapMu.Lock()
	if audioMs > 0 {
		c.metrics.RealTimeFactor = float64(c.metrics.ResampleMsTotal+c.metrics.DiarizationMsTotal+c.metrics.ASRMsTotal) / float64(audioMs)
	}
	snapshot := c.metrics
	c.snapMu.Unlock()

	c.subs.fireStatus(StatusEvent{State: c.State(), ElapsedMs: elapsed, Metrics: snapshot})
}

// finalFlush runs the §4.5 item 4 stream-end flush, finalizes every
// remaining segment, and fires a final status transition.
func (c *Controller) finalFlush() {
	if c.windower != nil {
		c.windower.Finish()
	}
	if c.diarizationActive() {
		c.recluster(c.elapsedAudioMs())
	}
	c.finalizeSegments(c.elapsedAudioMs(), true)

	if c.micWav != nil {
		c.micWav.Close()
	}
	if c.asrWav != nil {
		c.asrWav.Close()
	}
	if c.backend != nil {
		c.backend.Close()
	}
	if c.embedder != nil {
		c.embedder.Close()
	}
	if c.source != nil {
		c.source.Close()
	}

	c.mu.Lock()
	if c.state != StateError {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.emitStatus()
}

// Stop transitions RUNNING/PAUSED -> STOPPING -> IDLE. Idempotent: a
// second call while already stopping/idle is a no-op, per §8 item 8.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()
	c.subs.fireStatus(StatusEvent{State: StateStopping, ElapsedMs: time.Since(c.sessionStart).Milliseconds(), Metrics: c.GetMetrics()})

	if c.source != nil {
		c.source.Stop()
	}
	c.queue.Stop()
	c.wg.Wait()
}

// Pause toggles RUNNING -> PAUSED. In PAUSED the worker still drains the
// queue but does not invoke ASR.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.state = StatePaused
	}
}

// Resume toggles PAUSED -> RUNNING.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		c.state = StateRunning
	}
}

// GetAllSegments returns a snapshot copy of the segment timeline.
func (c *Controller) GetAllSegments() []asr.EmittedSegment {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	out := make([]asr.EmittedSegment, len(c.segments))
	copy(out, c.segments)
	return out
}

// GetMetrics returns a snapshot copy of the current performance metrics.
func (c *Controller) GetMetrics() Metrics {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.metrics
}

// trackingEmbedder decorates a diarize.Embedder, disabling itself and
// invoking onFail the first time Embed returns an error (§7).
type trackingEmbedder struct {
	inner    diarize.Embedder
	onFail   func(error)
	disabled atomic.Bool
}

func (t *trackingEmbedder) Embed(samples []float32) ([]float32, error) {
	if t.disabled.Load() {
		return nil, fmt.Errorf("diarize: embedder disabled after earlier failure")
	}
	v, err := t.inner.Embed(samples)
	if err != nil {
		if t.disabled.CompareAndSwap(false, true) && t.onFail != nil {
			t.onFail(err)
		}
		return nil, err
	}
	return v, nil
}

func (t *trackingEmbedder) Close() {
	t.inner.Close()
}
