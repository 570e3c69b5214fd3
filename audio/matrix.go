package audio

import (
	"fmt"
	"math"
)

// RoutingMatrix is a two-level weighted routing table: outer key is the
// destination endpoint ID, inner key is the contributing endpoint ID, value
// is a unitless linear gain multiplier (not dB).
//
// For the uplink direction the outer keys are channel IDs and the inner
// keys tablet IDs; the downlink direction is the reverse. Negative gains
// are legal and produce phase-inverted contributions; NaN and infinite
// gains are rejected at the boundary.
type RoutingMatrix map[int]map[int]float64

// Clone returns a deep copy of the matrix. Used by the mixer so callers
// cannot mutate engine-owned state through a retained map reference.
func (m RoutingMatrix) Clone() RoutingMatrix {
	out := make(RoutingMatrix, len(m))
	for dst, row := range m {
		cp := make(map[int]float64, len(row))
		for src, gain := range row {
			cp[src] = gain
		}
		out[dst] = cp
	}
	return out
}

// MixConfig is the mutable routing state owned by a Mixer: the two
// directed gain graphs, the mute maps, and the shared headroom target.
// It is mutated only through Mixer configuration calls and read by Step.
type MixConfig struct {
	TabletMute  map[int]bool
	ChannelMute map[int]bool
	Uplink      RoutingMatrix
	Downlink    RoutingMatrix
	HeadroomDB  float64
}

// newMixConfig returns an empty configuration with the default headroom
// target and one (empty) row per destination.
func newMixConfig(numChannels, numTablets int) MixConfig {
	cfg := MixConfig{
		TabletMute:  make(map[int]bool),
		ChannelMute: make(map[int]bool),
		Uplink:      make(RoutingMatrix, numChannels),
		Downlink:    make(RoutingMatrix, numTablets),
		HeadroomDB:  DefaultHeadroomDB,
	}
	for ch := 1; ch <= numChannels; ch++ {
		cfg.Uplink[ch] = make(map[int]float64)
	}
	for tid := 1; tid <= numTablets; tid++ {
		cfg.Downlink[tid] = make(map[int]float64)
	}
	return cfg
}

// ValidateMatrix checks a routing matrix against the endpoint ID ranges of
// a mixer before it is installed. Destination IDs must lie in
// [1, maxDst], contributor IDs in [1, maxSrc], and every gain must be
// finite. Validation happens here, at the configuration boundary, so Step
// never has to reject a contributor.
//
// Returns:
//   - error: ErrInvalidMatrix (wrapped with detail) on the first offending
//     entry, nil if the matrix is installable
func ValidateMatrix(m RoutingMatrix, maxDst, maxSrc int) error {
	for dst, row := range m {
		if dst < 1 || dst > maxDst {
			return fmt.Errorf("%w: destination ID %d out of range [1,%d]", ErrInvalidMatrix, dst, maxDst)
		}
		for src, gain := range row {
			if src < 1 || src > maxSrc {
				return fmt.Errorf("%w: contributor ID %d out of range [1,%d] for destination %d",
					ErrInvalidMatrix, src, maxSrc, dst)
			}
			if math.IsNaN(gain) || math.IsInf(gain, 0) {
				return fmt.Errorf("%w: gain %f for (%d,%d): %w",
					ErrInvalidMatrix, gain, dst, src, ErrInvalidGain)
			}
		}
	}
	return nil
}
