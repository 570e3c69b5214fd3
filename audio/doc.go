// Package audio implements the real-time mixing core of the intercom node.
//
// The package provides a bidirectional routing matrix between a fixed set of
// tablet endpoints (input sources) and channel buses (output mixes). Each
// tick, the Mixer consumes one frame per endpoint, applies per-connection
// gains with headroom-limited normalization, soft-limits the result and
// updates exponentially smoothed RMS level estimates.
//
// The design follows established patterns from the intercom codebase:
// - Explicit owned instances instead of package-level state
// - Thread-safe operations with a single mutex per component
// - Validation at the configuration boundary, never inside Step
// - Pure Go implementation with no CGo dependencies
//
// Example:
//
//	mixer, err := audio.NewMixer(4, 16)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mixer.PushTabletFrame(1, pcm)
//	if err := mixer.Step(); err != nil {
//	    log.Fatal(err)
//	}
//	out, _ := mixer.PullChannelFrame(1)
package audio
