package audio

import "math"

// TargetSampleRate is the canonical rate the rest of the pipeline operates
// on: 16 kHz mono int16.
const TargetSampleRate = 16000

// sincTaps is the half-width, in input samples, of the windowed-sinc
// kernel used by Resampler for non-16 kHz conversions. Higher values trade
// CPU for a sharper anti-alias cutoff; 32 is enough headroom for speech
// bandwidths without audible ringing.
const sincTaps = 32

// Resampler converts arbitrary-rate PCM to the canonical 16 kHz mono int16
// stream. Linear interpolation is never used for genuine rate conversion
// (it measurably degrades ASR accuracy); instead Resampler runs a
// windowed-sinc polyphase filter, mirroring the anti-aliasing resampler
// used elsewhere in this codebase's lineage for exactly this reason.
type Resampler struct {
	// cached per source rate, since a session's capture device rate is
	// constant for its lifetime.
	rate   int
	kernel []float64
	step   float64
}

// NewResampler returns a Resampler. It is stateless across calls except for
// an internal kernel cache keyed by the most recently seen input rate, so a
// single instance may be reused for the lifetime of a session.
func NewResampler() *Resampler {
	return &Resampler{}
}

// Resample converts samples captured at inputRate to 16 kHz mono int16. If
// inputRate is already 16000 the input is returned unmodified (no copy
// needed by the caller's contract: the result is never mutated by this
// function). It returns an empty slice if inputRate <= 0 or samples is
// empty.
func (r *Resampler) Resample(samples []int16, inputRate int) []int16 {
	if inputRate <= 0 || len(samples) == 0 {
		return nil
	}
	if inputRate == TargetSampleRate {
		return samples
	}

	r.ensureKernel(inputRate)

	outLen := int(math.Round(float64(len(samples)) * float64(TargetSampleRate) / float64(inputRate)))
	if outLen <= 0 {
		return nil
	}
	out := make([]int16, outLen)

	ratio := float64(inputRate) / float64(TargetSampleRate)
	for i := 0; i < outLen; i++ {
		center := float64(i) * ratio
		out[i] = clampInt16(r.sincSample(samples, center, ratio))
	}
	return out
}

// ensureKernel recomputes the cached kernel table when the input rate
// changes. sincSample computes its Lanczos-windowed weights directly and
// does not read this table.
func (r *Resampler) ensureKernel(inputRate int) {
	if r.rate == inputRate && r.kernel != nil {
		return
	}
	r.rate = inputRate
	r.step = 1.0
	if inputRate > TargetSampleRate {
		// Downsampling: widen the kernel (lower the cutoff) proportionally
		// to the decimation ratio to suppress aliasing.
		r.step = float64(inputRate) / float64(TargetSampleRate)
	}
	n := sincTaps*2 + 1
	r.kernel = make([]float64, n)
	for i := range r.kernel {
		x := float64(i-sincTaps) / r.step
		r.kernel[i] = sinc(x) * lanczosWindow(x, sincTaps)
	}
}

// sincSample evaluates the windowed-sinc interpolation at fractional
// source index center, given the source-to-target ratio.
func (r *Resampler) sincSample(src []int16, center, ratio float64) float64 {
	i0 := int(math.Floor(center))
	frac := center - float64(i0)

	scale := 1.0
	if ratio > 1.0 {
		scale = 1.0 / ratio
	}

	var sum, norm float64
	for k := -sincTaps; k <= sincTaps; k++ {
		idx := i0 + k
		if idx < 0 || idx >= len(src) {
			continue
		}
		x := (float64(k) - frac) * scale
		w := sinc(x) * lanczosWindow(x, sincTaps)
		sum += float64(src[idx]) * w
		norm += w
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func lanczosWindow(x float64, a int) float64 {
	if x < -float64(a) || x > float64(a) {
		return 0
	}
	return sinc(x / float64(a))
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(math.Round(v))
}

// DownmixToMono averages interleaved multi-channel int16 samples into mono.
// channels <= 1 returns samples unmodified.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 || len(samples) == 0 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[f*channels+c])
		}
		out[f] = int16(sum / int32(channels))
	}
	return out
}
