package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/crypto"
)

// NoiseTransport decorates an underlying transport with Noise-IK link
// encryption.
//
// Every non-handshake packet is serialized, encrypted with the peer's
// established session, and carried inside a PacketNoiseMessage. Handshake
// packets themselves travel unencrypted on the underlying transport.
//
// Peers are operator-provisioned: the initiator side must know the remote
// static public key via AddPeer before the first Send. The responder side
// learns the initiator's key from the IK handshake itself. Packets sent
// while a handshake is still in flight are queued and flushed on
// completion.
type NoiseTransport struct {
	underlying Transport
	keyPair    *crypto.KeyPair

	peerKeys map[string][32]byte
	sessions map[string]*crypto.NoiseSession
	pending  map[string]*crypto.NoiseHandshake
	queued   map[string][]*Packet

	handlers map[PacketType]PacketHandler

	mu sync.RWMutex
}

// NewNoiseTransport creates an encrypted transport around an existing one.
//
// Parameters:
//   - underlying: The plaintext transport to wrap
//   - keyPair: This node's static key pair
//
// Returns:
//   - *NoiseTransport: The new encrypted transport
//   - error: Validation error for nil inputs
func NewNoiseTransport(underlying Transport, keyPair *crypto.KeyPair) (*NoiseTransport, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewNoiseTransport",
	}).Info("Creating Noise-encrypted transport")

	if underlying == nil {
		return nil, fmt.Errorf("underlying transport cannot be nil")
	}
	if keyPair == nil {
		return nil, fmt.Errorf("static key pair cannot be nil")
	}

	nt := &NoiseTransport{
		underlying: underlying,
		keyPair:    keyPair,
		peerKeys:   make(map[string][32]byte),
		sessions:   make(map[string]*crypto.NoiseSession),
		pending:    make(map[string]*crypto.NoiseHandshake),
		queued:     make(map[string][]*Packet),
		handlers:   make(map[PacketType]PacketHandler),
	}

	underlying.RegisterHandler(PacketNoiseHandshake, nt.handleHandshakePacket)
	underlying.RegisterHandler(PacketNoiseMessage, nt.handleEncryptedPacket)

	return nt, nil
}

// AddPeer registers the static public key of a remote node, enabling this
// side to initiate handshakes toward it.
func (nt *NoiseTransport) AddPeer(addr net.Addr, publicKey [32]byte) error {
	if addr == nil {
		return fmt.Errorf("peer address cannot be nil")
	}

	nt.mu.Lock()
	defer nt.mu.Unlock()
	nt.peerKeys[addr.String()] = publicKey

	logrus.WithFields(logrus.Fields{
		"function": "NoiseTransport.AddPeer",
		"peer":     addr.String(),
	}).Info("Peer key registered")
	return nil
}

// Send encrypts and transmits a packet. If no session exists yet, the
// packet is queued and a handshake is initiated toward the peer.
func (nt *NoiseTransport) Send(packet *Packet, addr net.Addr) error {
	key := addr.String()

	nt.mu.Lock()
	session, ok := nt.sessions[key]
	if !ok {
		if _, inFlight := nt.pending[key]; !inFlight {
			if err := nt.initiateHandshakeLocked(addr); err != nil {
				nt.mu.Unlock()
				return fmt.Errorf("initiate handshake with %s: %w", key, err)
			}
		}
		nt.queued[key] = append(nt.queued[key], packet)
		nt.mu.Unlock()
		return nil
	}
	nt.mu.Unlock()

	return nt.sendEncrypted(packet, session, addr)
}

// Close shuts down the underlying transport.
func (nt *NoiseTransport) Close() error {
	return nt.underlying.Close()
}

// LocalAddr returns the local address of the underlying transport.
func (nt *NoiseTransport) LocalAddr() net.Addr {
	return nt.underlying.LocalAddr()
}

// RegisterHandler registers a handler invoked with decrypted packets of
// the given type.
func (nt *NoiseTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	nt.handlers[packetType] = handler
}

// initiateHandshakeLocked starts an IK handshake toward a provisioned
// peer. Caller holds mu.
func (nt *NoiseTransport) initiateHandshakeLocked(addr net.Addr) error {
	key := addr.String()

	peerKey, ok := nt.peerKeys[key]
	if !ok {
		return fmt.Errorf("no static key provisioned for peer %s", key)
	}

	hs, err := crypto.NewNoiseHandshake(true, nt.keyPair, peerKey)
	if err != nil {
		return err
	}

	msg, _, err := hs.WriteMessage(nil)
	if err != nil {
		return err
	}
	nt.pending[key] = hs

	logrus.WithFields(logrus.Fields{
		"function": "NoiseTransport.initiateHandshake",
		"peer":     key,
	}).Debug("Sending handshake initiation")

	return nt.underlying.Send(&Packet{PacketType: PacketNoiseHandshake, Data: msg}, addr)
}

// handleHandshakePacket advances a handshake: as initiator it consumes the
// response and flushes queued packets, as responder it consumes the
// initiation and replies with the completing message.
func (nt *NoiseTransport) handleHandshakePacket(packet *Packet, addr net.Addr) error {
	key := addr.String()

	nt.mu.Lock()

	if hs, ok := nt.pending[key]; ok {
		// Initiator side: this is the responder's completing message.
		_, session, err := hs.ReadMessage(packet.Data)
		delete(nt.pending, key)
		if err == nil && session == nil {
			err = fmt.Errorf("handshake did not complete")
		}
		if err != nil {
			nt.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "NoiseTransport.handleHandshakePacket",
				"peer":     key,
				"error":    err.Error(),
			}).Error("Handshake completion failed")
			return fmt.Errorf("handshake with %s failed: %w", key, err)
		}
		nt.sessions[key] = session
		flush := nt.queued[key]
		delete(nt.queued, key)
		nt.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "NoiseTransport.handleHandshakePacket",
			"peer":     key,
			"queued":   len(flush),
		}).Info("Noise session established (initiator)")

		for _, p := range flush {
			if err := nt.sendEncrypted(p, session, addr); err != nil {
				return err
			}
		}
		return nil
	}

	// Responder side: consume the initiation and complete in one reply.
	hs, err := crypto.NewNoiseHandshake(false, nt.keyPair, [32]byte{})
	if err != nil {
		nt.mu.Unlock()
		return err
	}
	if _, _, err := hs.ReadMessage(packet.Data); err != nil {
		nt.mu.Unlock()
		return fmt.Errorf("read handshake initiation from %s: %w", key, err)
	}
	msg, session, err := hs.WriteMessage(nil)
	if err == nil && session == nil {
		err = fmt.Errorf("handshake did not complete")
	}
	if err != nil {
		nt.mu.Unlock()
		return fmt.Errorf("write handshake response to %s: %w", key, err)
	}
	nt.sessions[key] = session
	nt.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "NoiseTransport.handleHandshakePacket",
		"peer":     key,
	}).Info("Noise session established (responder)")

	return nt.underlying.Send(&Packet{PacketType: PacketNoiseHandshake, Data: msg}, addr)
}

// handleEncryptedPacket decrypts a transport message and dispatches the
// inner packet to the registered handler.
func (nt *NoiseTransport) handleEncryptedPacket(packet *Packet, addr net.Addr) error {
	key := addr.String()

	nt.mu.RLock()
	session, ok := nt.sessions[key]
	nt.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "NoiseTransport.handleEncryptedPacket",
			"peer":     key,
		}).Debug("Discarding encrypted packet without session")
		return fmt.Errorf("no session with peer %s", key)
	}

	plaintext, err := session.Decrypt(packet.Data)
	if err != nil {
		return fmt.Errorf("decrypt packet from %s: %w", key, err)
	}

	inner, err := ParsePacket(plaintext)
	if err != nil {
		return fmt.Errorf("parse decrypted packet from %s: %w", key, err)
	}

	nt.mu.RLock()
	handler, exists := nt.handlers[inner.PacketType]
	nt.mu.RUnlock()
	if !exists {
		return nil
	}
	return handler(inner, addr)
}

// sendEncrypted wraps one packet in an encrypted noise message.
func (nt *NoiseTransport) sendEncrypted(packet *Packet, session *crypto.NoiseSession, addr net.Addr) error {
	plaintext, err := packet.Serialize()
	if err != nil {
		return err
	}

	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt packet for %s: %w", addr.String(), err)
	}

	return nt.underlying.Send(&Packet{PacketType: PacketNoiseMessage, Data: ciphertext}, addr)
}
