// Package rtp provides RTP transport for intercom audio frames.
//
// This package wraps raw PCM frames in RTP packets using the pion/rtp
// library and carries them over the intercom packet transport. A Session
// binds a transport to a Mixer: inbound frames are pushed into the mixer's
// input buffers, outbound mixes are pulled and packetized.
//
// Design principles:
// - Leverage the existing intercom transport infrastructure
// - Use pion/rtp for standards-compliant RTP packet handling
// - Carry PCM directly; codec work is out of scope at this boundary
// - Detect and count sequence gaps without blocking the mix
package rtp
