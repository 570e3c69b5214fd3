package transport

import (
	"errors"
)

// PacketType identifies the type of an intercom packet.
type PacketType byte

const (
	// Media packet types
	PacketAudioFrame PacketType = iota + 1

	// Mixer control packet types
	PacketMatrixUpdate
	PacketMuteTablet
	PacketMuteChannel

	// PTT arbitration packet types
	PacketPTTRequest
	PacketPTTRelease
	PacketPTTState

	// Telemetry packet types
	PacketVUQuery
	PacketVUSubscribe
	PacketVUUnsubscribe
	PacketVULevels

	// State synchronization packet types
	PacketStateQuery
	PacketState
	PacketHealthQuery
	PacketHealth

	// Error response packet type
	PacketError

	// Configuration management packet type
	PacketConfigReload

	// Noise Protocol Framework packet types
	PacketNoiseHandshake PacketType = 250
	PacketNoiseMessage   PacketType = 251
)

// Packet represents an intercom protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
