package audio

import "fmt"

// Audio format constants shared by the whole node. Samples cross the
// package boundary as signed 16-bit PCM and are mixed internally as
// normalized float32.
const (
	// SampleRate is the fixed sample rate in Hz.
	SampleRate = 44100

	// FrameSize is the number of samples in every frame. Frames of any
	// other length are rejected at the boundary.
	FrameSize = 1024

	// MaxInt16 is the positive full-scale PCM value used for
	// normalization. Note that -32768 is representable in int16 but
	// outside the symmetric [-MaxInt16, MaxInt16] round-trip range; it
	// normalizes slightly below -1.0 and comes back as -32767.
	MaxInt16 = 32767.0
)

// ToNormalized converts a PCM frame to normalized float32 samples in
// approximately [-1.0, 1.0].
//
// The input must contain exactly FrameSize samples. The int16 input type
// guarantees every value is already a valid 16-bit sample, so no clamping
// is required on this path.
//
// Returns:
//   - []float32: Newly allocated normalized frame
//   - error: ErrInvalidFrame if the input length is wrong
func ToNormalized(pcm []int16) ([]float32, error) {
	if len(pcm) != FrameSize {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrInvalidFrame, len(pcm), FrameSize)
	}

	frame := make([]float32, FrameSize)
	for i, s := range pcm {
		frame[i] = float32(s) / MaxInt16
	}
	return frame, nil
}

// FromNormalized converts a normalized float frame back to 16-bit PCM.
//
// Every sample is clamped to [-1.0, 1.0] before scaling. The clamp is
// mandatory: it is the engine's defense against occasional overshoot after
// soft limiting and against malformed float input (NaN clamps to -1.0
// through the comparison order below, never wraps).
//
// Returns:
//   - []int16: Newly allocated PCM frame
//   - error: ErrInvalidFrame if the input length is wrong
func FromNormalized(frame []float32) ([]int16, error) {
	if len(frame) != FrameSize {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrInvalidFrame, len(frame), FrameSize)
	}

	pcm := make([]int16, FrameSize)
	for i, s := range frame {
		v := s
		if !(v > -1.0) { // catches v <= -1.0 and NaN
			v = -1.0
		} else if v > 1.0 {
			v = 1.0
		}
		pcm[i] = int16(roundHalfAway(float64(v) * MaxInt16))
	}
	return pcm, nil
}

// roundHalfAway rounds to the nearest integer with ties away from zero,
// matching the PCM quantization used at the transport boundary.
func roundHalfAway(x float64) float64 {
	if x >= 0 {
		return float64(int64(x + 0.5))
	}
	return float64(int64(x - 0.5))
}
