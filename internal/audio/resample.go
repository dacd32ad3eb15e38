package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrBadRate is returned when a sample rate is zero or negative.
var ErrBadRate = errors.New("sample rate must be positive")

// sincTaps is the number of sinc zero crossings kept on each side of the
// interpolation point. 16 taps is the "fast" quality tier: audibly clean for
// speech while staying cheap enough to run per request.
const sincTaps = 16

// Resample converts mono 16-bit PCM from srcRate to dstRate using band-limited
// windowed-sinc interpolation over normalized float32 samples.
//
// The whole buffer is converted in one shot; the output length is exactly
// len(in) * dstRate / srcRate rounded down. When srcRate == dstRate the input
// slice is returned unchanged.
func Resample(in []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resample %d -> %d: %w", srcRate, dstRate, ErrBadRate)
	}
	if srcRate == dstRate {
		return in, nil
	}
	outFrames := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if outFrames == 0 {
		return []int16{}, nil
	}

	src := Int16ToFloat32(in)
	dst := make([]float32, outFrames)

	ratio := float64(dstRate) / float64(srcRate)
	// When downsampling the filter cutoff drops to the output Nyquist, which
	// widens the sinc kernel by 1/ratio input samples per side.
	cutoff := 1.0
	if ratio < 1.0 {
		cutoff = ratio
	}
	halfWidth := int(math.Ceil(float64(sincTaps) / cutoff))

	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < outFrames; i++ {
		center := float64(i) * step
		lo := int(center) - halfWidth
		if lo < 0 {
			lo = 0
		}
		hi := int(center) + halfWidth
		if hi >= len(src) {
			hi = len(src) - 1
		}

		var acc, norm float64
		for j := lo; j <= hi; j++ {
			x := (float64(j) - center) * cutoff
			w := sinc(x) * blackman(x/float64(sincTaps))
			acc += float64(src[j]) * w
			norm += w
		}
		// Normalizing by the window sum keeps unity gain near the buffer
		// edges where the kernel is truncated.
		if norm != 0 {
			dst[i] = float32(acc / norm)
		}
	}

	return Float32ToInt16(dst), nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates a Blackman window over x in [-1, 1]; zero outside.
func blackman(x float64) float64 {
	if x < -1 || x > 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*x) + 0.08*math.Cos(2*math.Pi*x)
}
