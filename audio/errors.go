package audio

import "errors"

// Sentinel errors for audio package operations.
// These errors enable reliable error classification using errors.Is().

// Validation errors. These indicate caller mistakes rejected at the
// configuration or frame boundary before any engine state is mutated.
var (
	// ErrInvalidFrame indicates a pushed frame does not contain exactly
	// FrameSize samples.
	ErrInvalidFrame = errors.New("invalid frame length")

	// ErrUnknownEndpoint indicates a tablet or channel ID outside the
	// range configured at mixer construction.
	ErrUnknownEndpoint = errors.New("unknown endpoint ID")

	// ErrInvalidMatrix indicates a routing matrix with malformed shape,
	// out-of-range IDs or non-finite gains.
	ErrInvalidMatrix = errors.New("invalid routing matrix")

	// ErrInvalidGain indicates a gain value that is NaN or infinite.
	ErrInvalidGain = errors.New("invalid gain value")
)

// Invariant errors. These must not occur under a correct boundary layer;
// when they do, Step fails loudly instead of silently zero-filling.
var (
	// ErrInternalInvariant indicates engine state that should be
	// impossible, such as a stored frame with the wrong length.
	ErrInternalInvariant = errors.New("internal invariant violation")
)
