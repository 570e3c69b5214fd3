// Package transport implements the packet transport for intercom node
// links.
//
// The package handles packet framing, UDP communication, and optional
// Noise-IK link encryption. The audio core itself is transport-free; this
// package carries its boundary traffic: PCM frame ingress/egress, routing
// and mute control, PTT arbitration calls, and VU/state telemetry.
//
// Example:
//
//	tr, err := transport.NewUDPTransport(":33445")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tr.RegisterHandler(transport.PacketPTTRequest, handlePTTRequest)
//
//	err = tr.Send(&transport.Packet{
//	    PacketType: transport.PacketVUQuery,
//	    Data:       payload,
//	}, remoteAddr)
package transport
