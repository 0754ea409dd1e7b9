package diarize

import (
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EmbeddingDim is the vector size produced by the canonical embedder
// (WeSpeaker ResNet34-style speaker encoders commonly emit 256-wide
// embeddings; other models use 192 — the analyzer trusts whatever width
// the configured Embedder returns).
const EmbeddingDim = 256

// Embedder is the speaker embedder collaborator (§6.3): a synchronous
// function from a window of 16 kHz mono samples to a fixed-width feature
// vector. Implementations need not normalize; the Frame Analyzer
// L2-normalizes whatever is returned.
type Embedder interface {
	Embed(samples []float32) ([]float32, error)
	Close()
}

// ONNXEmbedderConfig configures the ONNX Runtime-backed embedder.
type ONNXEmbedderConfig struct {
	ModelPath string
	NMels     int
	HopLength int
	WinLength int
	NFFT      int
}

// DefaultONNXEmbedderConfig returns the configuration for a WeSpeaker
// ResNet34-style speaker encoder.
func DefaultONNXEmbedderConfig(modelPath string) ONNXEmbedderConfig {
	return ONNXEmbedderConfig{
		ModelPath: modelPath,
		NMels:     80,
		HopLength: 160,
		WinLength: 400,
		NFFT:      512,
	}
}

// ONNXEmbedder computes speaker embeddings via an ONNX Runtime session.
type ONNXEmbedder struct {
	cfg     ONNXEmbedderConfig
	mel     *melProcessor
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewONNXEmbedder loads the model at cfg.ModelPath and initializes the ONNX
// Runtime session used to run it. The caller must call Close when done.
func NewONNXEmbedder(cfg ONNXEmbedderConfig) (*ONNXEmbedder, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("diarize: embedder model not found: %w", err)
	}

	e := &ONNXEmbedder{
		cfg: cfg,
		mel: newMelProcessor(melConfig{
			SampleRate: 16000,
			NMels:      cfg.NMels,
			HopLength:  cfg.HopLength,
			WinLength:  cfg.WinLength,
			NFFT:       cfg.NFFT,
		}),
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("diarize: init onnxruntime: %w", err)
		}
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("diarize: inspect model: %w", err)
	}
	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("diarize: session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("diarize: create onnx session: %w", err)
	}
	e.session = session
	return e, nil
}

// Embed extracts a speaker embedding vector from samples (16 kHz mono
// float32, unnormalized). Returns an error for audio shorter than 100 ms.
func (e *ONNXEmbedder) Embed(samples []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(samples) < 1600 {
		return nil, fmt.Errorf("diarize: audio window too short for embedding")
	}

	melSpec := e.mel.compute(samples)
	numFrames := len(melSpec)

	flat := make([]float32, numFrames*e.cfg.NMels)
	for t, row := range melSpec {
		copy(flat[t*e.cfg.NMels:(t+1)*e.cfg.NMels], row)
	}

	inputShape := ort.NewShape(1, int64(numFrames), int64(e.cfg.NMels))
	inputTensor, err := ort.NewTensor(inputShape, flat)
	if err != nil {
		return nil, fmt.Errorf("diarize: build input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("diarize: onnx inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("diarize: unexpected output tensor type")
	}
	data := outTensor.GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

// Close releases the ONNX session.
func (e *ONNXEmbedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}

// l2Normalize returns a unit-norm copy of v. If v is (near) zero, it is
// returned unchanged to avoid division by zero.
func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sumSq))
	if norm < 1e-6 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
