package mixer

import "math"

// resampleTaps is the kernel width of the windowed sinc. 32 taps keeps
// aliasing below the 16-bit noise floor for the rate pairs we see in
// practice (44.1k, 48k, 16k).
const resampleTaps = 32

// Resample converts interleaved PCM between sample rates with a sinc
// kernel shaped by a Blackman-Harris window. Each channel is filtered
// independently. The output holds round(inFrames * outRate/inRate) frames
// so the stream duration is preserved exactly.
func Resample(in []float32, inRate, outRate, channels int) []float32 {
	if inRate == outRate || len(in) == 0 || channels <= 0 {
		return in
	}

	inFrames := len(in) / channels
	ratio := float64(outRate) / float64(inRate)
	outFrames := int(math.Round(float64(inFrames) * ratio))
	out := make([]float32, outFrames*channels)

	// When downsampling the kernel is widened by 1/ratio to keep the
	// cutoff below the output Nyquist frequency.
	cutoff := 1.0
	if ratio < 1 {
		cutoff = ratio
	}
	halfTaps := float64(resampleTaps) / 2 / cutoff

	for ch := 0; ch < channels; ch++ {
		for i := 0; i < outFrames; i++ {
			srcPos := float64(i) / ratio

			lo := int(math.Ceil(srcPos - halfTaps))
			hi := int(math.Floor(srcPos + halfTaps))
			if lo < 0 {
				lo = 0
			}
			if hi > inFrames-1 {
				hi = inFrames - 1
			}

			var acc, wsum float64
			for j := lo; j <= hi; j++ {
				d := (float64(j) - srcPos) * cutoff
				w := sinc(d) * blackmanHarris((d/float64(resampleTaps))+0.5)
				acc += w * float64(in[j*channels+ch])
				wsum += w
			}
			if wsum != 0 {
				out[i*channels+ch] = float32(acc / wsum)
			}
		}
	}

	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackmanHarris evaluates the 4-term window at x in [0, 1].
func blackmanHarris(x float64) float64 {
	if x < 0 || x > 1 {
		return 0
	}
	const (
		a0 = 0.35875
		a1 = 0.48829
		a2 = 0.14128
		a3 = 0.01168
	)
	return a0 -
		a1*math.Cos(2*math.Pi*x) +
		a2*math.Cos(4*math.Pi*x) -
		a3*math.Cos(6*math.Pi*x)
}
