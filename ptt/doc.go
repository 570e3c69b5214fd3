// Package ptt implements push-to-talk arbitration for the intercom node.
//
// The Arbiter tracks, per channel, the set of tablets currently holding
// transmit rights. It is consulted by the transport layer independently of
// the per-tick audio path: requesting or releasing transmit rights never
// touches the mixer.
//
// Arbitration is deliberately simple: first come, first served, idempotent,
// and conflict-free. A priority value is accepted and recorded with every
// request but performs no preemption; it is reserved for a future policy.
// PTT operations never fail — unknown channels are lazily created with an
// empty active set, and releasing rights that were never held is a no-op.
//
// Every state transition is appended to a bounded history log (capacity
// 1000, oldest evicted first) so the transport layer can resynchronize
// clients after reconnects.
package ptt
