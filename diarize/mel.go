package diarize

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// melConfig parameterizes the log-mel filterbank fed to the speaker
// embedder. Defaults match a WeSpeaker-style ResNet34 embedding model.
type melConfig struct {
	SampleRate int
	NMels      int
	HopLength  int
	WinLength  int
	NFFT       int
}

func defaultMelConfig() melConfig {
	return melConfig{
		SampleRate: 16000,
		NMels:      80,
		HopLength:  160,
		WinLength:  400,
		NFFT:       512,
	}
}

// melProcessor computes a log-mel spectrogram from a window of samples. It
// is reused across windows; its FFT plan and filterbank are fixed at
// construction.
type melProcessor struct {
	cfg     melConfig
	filters [][]float64
	window  []float64
	fft     *fourier.FFT
}

func newMelProcessor(cfg melConfig) *melProcessor {
	return &melProcessor{
		cfg:     cfg,
		filters: melFilterbank(cfg.NFFT, cfg.NMels, cfg.SampleRate),
		window:  hannWindow(cfg.WinLength),
		fft:     fourier.NewFFT(cfg.NFFT),
	}
}

// compute returns frame-major log-mel energies: result[frame][mel].
func (p *melProcessor) compute(samples []float32) [][]float32 {
	var numFrames int
	if len(samples) >= p.cfg.WinLength {
		numFrames = (len(samples)-p.cfg.WinLength)/p.cfg.HopLength + 1
	} else {
		numFrames = 1
	}

	out := make([][]float32, numFrames)
	frameBuf := make([]float64, p.cfg.NFFT)
	powerSpec := make([]float64, p.cfg.NFFT/2+1)

	for frame := 0; frame < numFrames; frame++ {
		start := frame * p.cfg.HopLength
		for i := range frameBuf {
			frameBuf[i] = 0
		}
		for i := 0; i < p.cfg.WinLength; i++ {
			idx := start + i
			if idx >= 0 && idx < len(samples) {
				frameBuf[i] = float64(samples[idx]) * p.window[i]
			}
		}

		coeffs := p.fft.Coefficients(nil, frameBuf)
		for i := range powerSpec {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			powerSpec[i] = re*re + im*im
		}

		melRow := make([]float32, p.cfg.NMels)
		for m := 0; m < p.cfg.NMels; m++ {
			var sum float64
			filter := p.filters[m]
			for k, pw := range powerSpec {
				sum += pw * filter[k]
			}
			if sum < 1e-9 {
				sum = 1e-9
			}
			melRow[m] = float32(math.Log(sum))
		}
		out[frame] = melRow
	}
	return out
}

func melFilterbank(nFFT, nMels, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595.0 * math.Log10(1.0+hz/700.0) }
	melToHz := func(mel float64) float64 { return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0) }

	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	allFreqs := make([]float64, numBins)
	for i := range allFreqs {
		allFreqs[i] = float64(i) * fMax / float64(numBins-1)
	}

	mMin, mMax := hzToMel(0), hzToMel(fMax)
	fPts := make([]float64, nMels+2)
	for i := range fPts {
		fPts[i] = melToHz(mMin + float64(i)*(mMax-mMin)/float64(nMels+1))
	}
	fDiff := make([]float64, nMels+1)
	for i := range fDiff {
		fDiff[i] = fPts[i+1] - fPts[i]
	}

	filters := make([][]float64, nMels)
	for m := range filters {
		filters[m] = make([]float64, numBins)
		for k, freq := range allFreqs {
			lower := (freq - fPts[m]) / fDiff[m]
			upper := (fPts[m+2] - freq) / fDiff[m+1]
			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val
		}
	}
	return filters
}

func hannWindow(size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w
}
