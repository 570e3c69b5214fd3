package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/audio"
	"github.com/opd-ai/intercom/transport"
)

// EndpointKind distinguishes the two endpoint directions in a frame
// payload.
type EndpointKind byte

const (
	// EndpointTablet marks a frame belonging to a tablet endpoint.
	EndpointTablet EndpointKind = 0x01
	// EndpointChannel marks a frame belonging to a channel endpoint.
	EndpointChannel EndpointKind = 0x02
)

// audioPayloadType is the dynamic RTP payload type used for intercom PCM.
const audioPayloadType = 96

// endpointHeaderSize is the frame payload prefix: kind (1) + ID (2).
const endpointHeaderSize = 3

// FramePacketizer converts PCM frames into RTP packets and sends them
// over the intercom transport.
type FramePacketizer struct {
	mu             sync.Mutex
	ssrc           uint32
	sequenceNumber uint16
	timestamp      uint32
	transport      transport.Transport
	remoteAddr     net.Addr
}

// NewFramePacketizer creates a packetizer toward one remote node.
//
// Parameters:
//   - tr: Intercom transport for packet transmission
//   - remoteAddr: Remote node address
//
// Returns:
//   - *FramePacketizer: New packetizer with a random SSRC
//   - error: Validation or entropy error
func NewFramePacketizer(tr transport.Transport, remoteAddr net.Addr) (*FramePacketizer, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if remoteAddr == nil {
		return nil, fmt.Errorf("remote address cannot be nil")
	}

	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	ssrc := binary.BigEndian.Uint32(ssrcBytes)

	logrus.WithFields(logrus.Fields{
		"function":    "NewFramePacketizer",
		"ssrc":        ssrc,
		"remote_addr": remoteAddr.String(),
	}).Info("Frame packetizer created")

	return &FramePacketizer{
		ssrc:       ssrc,
		transport:  tr,
		remoteAddr: remoteAddr,
	}, nil
}

// SendFrame wraps one PCM frame in an RTP packet and transmits it.
//
// The RTP payload is [kind (1)][endpoint ID (2, BE)][samples (int16 LE)].
// The timestamp advances by FrameSize per frame at the engine clock rate.
func (fp *FramePacketizer) SendFrame(kind EndpointKind, endpointID int, pcm []int16) error {
	if len(pcm) != audio.FrameSize {
		return fmt.Errorf("send frame: %w: got %d samples", audio.ErrInvalidFrame, len(pcm))
	}
	if endpointID < 0 || endpointID > 0xffff {
		return fmt.Errorf("send frame: endpoint ID %d out of range", endpointID)
	}

	payload := make([]byte, endpointHeaderSize+2*len(pcm))
	payload[0] = byte(kind)
	binary.BigEndian.PutUint16(payload[1:3], uint16(endpointID))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(payload[endpointHeaderSize+2*i:], uint16(s))
	}

	fp.mu.Lock()
	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    audioPayloadType,
			SequenceNumber: fp.sequenceNumber,
			Timestamp:      fp.timestamp,
			SSRC:           fp.ssrc,
		},
		Payload: payload,
	}
	fp.sequenceNumber++
	fp.timestamp += audio.FrameSize
	fp.mu.Unlock()

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("marshal RTP packet: %w", err)
	}

	return fp.transport.Send(&transport.Packet{
		PacketType: transport.PacketAudioFrame,
		Data:       data,
	}, fp.remoteAddr)
}

// FrameDepacketizer parses inbound RTP packets back into PCM frames and
// tracks sequence continuity.
type FrameDepacketizer struct {
	mu           sync.Mutex
	started      bool
	lastSequence uint16
	sequenceGaps uint64
}

// NewFrameDepacketizer creates a depacketizer.
func NewFrameDepacketizer() *FrameDepacketizer {
	return &FrameDepacketizer{}
}

// ParseFrame extracts the endpoint and PCM samples from an RTP packet.
//
// Returns:
//   - EndpointKind: Tablet or channel marker
//   - int: Endpoint ID
//   - []int16: PCM samples (always FrameSize long on success)
//   - error: Parse/validation error for malformed or foreign packets
func (fd *FrameDepacketizer) ParseFrame(data []byte) (EndpointKind, int, []int16, error) {
	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		return 0, 0, nil, fmt.Errorf("unmarshal RTP packet: %w", err)
	}

	if packet.PayloadType != audioPayloadType {
		return 0, 0, nil, fmt.Errorf("unexpected payload type %d", packet.PayloadType)
	}
	if len(packet.Payload) != endpointHeaderSize+2*audio.FrameSize {
		return 0, 0, nil, fmt.Errorf("%w: payload length %d", audio.ErrInvalidFrame, len(packet.Payload))
	}

	kind := EndpointKind(packet.Payload[0])
	if kind != EndpointTablet && kind != EndpointChannel {
		return 0, 0, nil, fmt.Errorf("unknown endpoint kind 0x%02x", packet.Payload[0])
	}
	endpointID := int(binary.BigEndian.Uint16(packet.Payload[1:3]))

	pcm := make([]int16, audio.FrameSize)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(packet.Payload[endpointHeaderSize+2*i:]))
	}

	fd.trackSequence(packet.SequenceNumber)
	return kind, endpointID, pcm, nil
}

// SequenceGaps returns the number of detected sequence discontinuities.
func (fd *FrameDepacketizer) SequenceGaps() uint64 {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.sequenceGaps
}

// trackSequence counts discontinuities. Wraparound from 65535 to 0 is a
// normal increment, not a gap.
func (fd *FrameDepacketizer) trackSequence(seq uint16) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	if fd.started && seq != fd.lastSequence+1 {
		fd.sequenceGaps++
		logrus.WithFields(logrus.Fields{
			"function": "FrameDepacketizer.trackSequence",
			"expected": fd.lastSequence + 1,
			"got":      seq,
		}).Debug("RTP sequence gap detected")
	}
	fd.started = true
	fd.lastSequence = seq
}
