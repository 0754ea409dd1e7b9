// Command streamdiarize is the reference console runner (§6.4): it wires
// internal/config's parsed flags into a controller.Controller, prints
// emitted segments and reclassifications to stdout, and drives the
// session either from the microphone or from a WAV file given as a
// positional argument.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamdiarize/asr"
	"streamdiarize/controller"
	"streamdiarize/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.NoASR {
		runAudioOnly(cfg)
		return
	}

	modelPath, err := resolveModelPath(cfg)
	if err != nil {
		log.Printf("model: %v", err)
		os.Exit(1)
	}

	ctrl := controller.New()

	segmentCount := 0
	ctrl.SubscribeSegment(func(seg asr.EmittedSegment) {
		segmentCount++
		speaker := "?"
		if seg.SpeakerID != asr.UnknownSpeaker {
			speaker = fmt.Sprintf("SPK%d", seg.SpeakerID)
		}
		fmt.Printf("[%6dms-%6dms] %-6s %s\n", seg.TStartMs, seg.TEndMs, speaker, seg.Text)
	})
	ctrl.SubscribeReclassification(func(ev controller.ReclassificationEvent) {
		if cfg.Verbose {
			log.Printf("reclassify: chunks=%v SPK%d -> SPK%d (%s)", ev.ChunkIDs, ev.OldSpeakerID, ev.NewSpeakerID, ev.Reason)
		}
	})
	ctrl.SubscribeError(func(ev controller.ErrorEvent) {
		log.Printf("[%s] %s", ev.Severity, ev.Message)
	})
	ctrl.SubscribeStatus(func(ev controller.StatusEvent) {
		if cfg.Verbose {
			log.Printf("status: state=%s elapsed=%dms rtf=%.2f dropped=%d",
				ev.State, ev.ElapsedMs, ev.Metrics.RealTimeFactor, ev.Metrics.DroppedChunks)
		}
	})

	ctrlCfg := controller.DefaultConfig()
	ctrlCfg.ModelPath = modelPath
	ctrlCfg.NThreads = cfg.Threads
	ctrlCfg.DeviceID = cfg.Device
	ctrlCfg.InputWAVPath = cfg.InputWAVPath
	ctrlCfg.Verbose = cfg.Verbose
	ctrlCfg.EnableDiarization = !cfg.NoDiarization
	ctrlCfg.EmbedderModelPath = cfg.EmbedderModel
	if cfg.SaveMicWAV != "" {
		ctrlCfg.SaveMicWAVPath = cfg.SaveMicWAV
	}

	if !ctrl.Start(ctrlCfg) {
		log.Printf("controller: failed to start (state=%s)", ctrl.State())
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	deadline := make(<-chan time.Time)
	if cfg.LimitSeconds > 0 {
		deadline = time.After(time.Duration(cfg.LimitSeconds) * time.Second)
	}

	drained := make(chan struct{})
	if cfg.InputWAVPath != "" {
		go func() {
			for ctrl.State() == controller.StateRunning || ctrl.State() == controller.StatePaused {
				if ctrl.SourceExhausted() {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
			close(drained)
		}()
	}

	select {
	case <-sigCh:
		log.Println("interrupted, stopping")
	case <-deadline:
		log.Println("limit-seconds reached, stopping")
	case <-drained:
		log.Println("input file exhausted, stopping")
	}

	ctrl.Stop()

	if cfg.InputWAVPath != "" && segmentCount == 0 {
		os.Exit(2)
	}
}

// resolveModelPath honors --model if given, otherwise probes
// config.DefaultModels in order and returns the first one found on disk.
func resolveModelPath(cfg *config.Config) (string, error) {
	if cfg.Model != "" {
		if _, err := os.Stat(cfg.Model); err != nil {
			return "", fmt.Errorf("model path %q: %w", cfg.Model, err)
		}
		return cfg.Model, nil
	}
	for _, candidate := range config.DefaultModels {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no --model given and none of the default models were found: %v", config.DefaultModels)
}

// runAudioOnly drives the capture/resample path with no ASR backend and no
// diarization attached, for isolation testing of the audio pipeline
// (--no-asr). No model path is required: EnableASR=false skips loading a
// Backend entirely. It exits 0 on a clean stop.
func runAudioOnly(cfg *config.Config) {
	log.Println("running audio-only path (--no-asr): capture + resample, no transcription")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	deadline := make(<-chan time.Time)
	if cfg.LimitSeconds > 0 {
		deadline = time.After(time.Duration(cfg.LimitSeconds) * time.Second)
	}

	ctrl := controller.New()
	ctrlCfg := controller.DefaultConfig()
	ctrlCfg.EnableASR = false
	ctrlCfg.EnableDiarization = false
	ctrlCfg.DeviceID = cfg.Device
	ctrlCfg.InputWAVPath = cfg.InputWAVPath
	ctrlCfg.SaveMicWAVPath = cfg.SaveMicWAV

	if !ctrl.Start(ctrlCfg) {
		log.Printf("controller: failed to start (state=%s)", ctrl.State())
		os.Exit(1)
	}

	select {
	case <-sigCh:
		log.Println("interrupted, stopping")
	case <-deadline:
		log.Println("limit-seconds reached, stopping")
	}
	ctrl.Stop()
	os.Exit(0)
}
