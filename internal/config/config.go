// Package config implements the CLI / Configuration Surface (§6.4) of the
// reference console runner.
package config

import (
	"flag"
)

// Config is the parsed command-line configuration for the console runner.
type Config struct {
	Model         string
	LimitSeconds  int
	Device        string
	Threads       int
	NoDiarization bool
	NoASR         bool
	PlayFile      bool
	SaveMicWAV    string
	Verbose       bool
	InputWAVPath  string // POSITIONAL; empty means microphone

	EmbedderModel string
}

// DefaultModels is the short list of default ASR model names/paths tried,
// in order, when --model is not given.
var DefaultModels = []string{
	"ggml-base.en.bin",
	"ggml-base.bin",
	"ggml-small.bin",
}

// Load parses the process's command-line arguments per §6.4.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("streamdiarize", flag.ContinueOnError)

	model := fs.String("model", "", "ASR model path or short name (falls back through defaults)")
	limitSeconds := fs.Int("limit-seconds", 0, "Stop after N seconds of audio (0 = unlimited)")
	device := fs.String("device", "", "Select non-default capture device")
	threads := fs.Int("threads", 0, "Override ASR thread count (0 = auto)")
	noDiar := fs.Bool("no-diar", false, "Disable diarization subsystem entirely")
	noASR := fs.Bool("no-asr", false, "Run only the audio path, for isolation testing")
	playFile := fs.Bool("play-file", false, "Parsed but unused: file-driven runs are not rendered to speakers")
	noPlayFile := fs.Bool("no-play-file", false, "Disable --play-file (explicit negation, matching the reference CLI surface)")
	saveMicWAV := fs.String("save-mic-wav", "", "Persist captured mono int16 at the input rate")
	verbose := fs.Bool("verbose", false, "Log reclassification and periodic status events (no per-window or per-frame diagnostics)")
	embedderModel := fs.String("embedder-model", "", "Speaker embedder ONNX model path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Model:         *model,
		LimitSeconds:  *limitSeconds,
		Device:        *device,
		Threads:       *threads,
		NoDiarization: *noDiar,
		NoASR:         *noASR,
		PlayFile:      *playFile && !*noPlayFile,
		SaveMicWAV:    *saveMicWAV,
		Verbose:       *verbose,
		EmbedderModel: *embedderModel,
	}
	if fs.NArg() > 0 {
		cfg.InputWAVPath = fs.Arg(0)
	}
	return cfg, nil
}

// ResolveModel returns cfg.Model if set, otherwise the first entry of
// DefaultModels (the caller is responsible for checking existence; exact
// on-disk fallback probing lives in cmd/streamdiarize, matching the
// teacher's own model-manager short-list fallback policy).
func (c *Config) ResolveModel() string {
	if c.Model != "" {
		return c.Model
	}
	return DefaultModels[0]
}
