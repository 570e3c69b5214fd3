package audio

import "math"

const (
	// LimiterKnee is the soft limiter saturation bound. Output magnitude
	// stays strictly below this value for any finite input, and the
	// limiter is close to identity for small signals.
	LimiterKnee = 0.9

	// normEpsilon guards the headroom normalization divide.
	normEpsilon = 1e-9

	// dbfsFloor keeps DBFS finite on silence.
	dbfsFloor = 1e-12
)

// SoftLimit applies a tanh saturation with the given knee.
//
// SoftLimit(0, k) == 0 and |SoftLimit(x, k)| <= k for every finite x: the
// mathematical bound is open, but float64 tanh saturates to exactly 1 for
// large inputs, so extreme peaks land exactly on the knee. Near zero the
// curve is approximately the identity, so quiet signals pass through
// unchanged while peaks compress smoothly instead of hard-clipping.
func SoftLimit(x, knee float64) float64 {
	return math.Tanh(x/knee) * knee
}

// softLimitFrame writes SoftLimit of each accumulator sample into dst.
// dst and acc must both be FrameSize long.
func softLimitFrame(dst []float32, acc []float64, knee float64) {
	for i, x := range acc {
		dst[i] = float32(SoftLimit(x, knee))
	}
}

// RMS returns the root-mean-square of an accumulated frame.
func RMS(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// DBFS converts a linear level to decibels relative to full scale. Levels
// at or below the floor report the floor value instead of -Inf, so silence
// never produces NaN or infinities in telemetry.
func DBFS(x float64) float64 {
	return 20.0 * math.Log10(math.Max(x, dbfsFloor))
}
