package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// NoiseHandshake manages one Noise-IK handshake between two nodes.
//
// The IK pattern is used because intercom peers are statically provisioned:
// the initiator already knows the responder's public key, which lets the
// handshake complete in a single round trip while authenticating both
// sides.
type NoiseHandshake struct {
	handshake *noise.HandshakeState
	initiator bool
	peerKey   [32]byte
	completed bool
}

// NoiseSession is an established transport-phase session with directional
// cipher states.
//
// Encrypt and Decrypt advance their cipher state's nonce and must be
// serialized; each direction carries its own lock so full-duplex traffic
// does not contend.
type NoiseSession struct {
	SendCipher  *noise.CipherState
	RecvCipher  *noise.CipherState
	PeerKey     [32]byte
	Established time.Time

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewNoiseHandshake creates a Noise-IK handshake
// (Noise_IK_25519_ChaChaPoly_SHA256).
//
// Parameters:
//   - initiator: Whether this side sends the first handshake message
//   - keys: This node's static key pair
//   - peerKey: The remote static public key; required for the initiator,
//     ignored for the responder (IK reveals it during the handshake)
//
// Returns:
//   - *NoiseHandshake: The new handshake state
//   - error: Any error from handshake state construction
func NewNoiseHandshake(initiator bool, keys *KeyPair, peerKey [32]byte) (*NoiseHandshake, error) {
	if keys == nil {
		return nil, errors.New("static key pair cannot be nil")
	}
	if initiator && isZeroKey(peerKey) {
		return nil, errors.New("initiator requires the peer's static public key")
	}

	cfg := noise.Config{
		CipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: keys.Private[:],
			Public:  keys.Public[:],
		},
	}
	if initiator {
		cfg.PeerStatic = peerKey[:]
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &NoiseHandshake{
		handshake: hs,
		initiator: initiator,
		peerKey:   peerKey,
	}, nil
}

// WriteMessage produces the next outbound handshake message. When the
// handshake completes on a write, the established session is returned
// alongside the final message.
func (nh *NoiseHandshake) WriteMessage(payload []byte) ([]byte, *NoiseSession, error) {
	if nh.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	message, cs1, cs2, err := nh.handshake.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write handshake message: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		return message, nh.finish(cs1, cs2), nil
	}
	return message, nil, nil
}

// ReadMessage consumes an inbound handshake message. When the handshake
// completes on a read, the established session is returned alongside the
// decrypted payload.
func (nh *NoiseHandshake) ReadMessage(message []byte) ([]byte, *NoiseSession, error) {
	if nh.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	payload, cs1, cs2, err := nh.handshake.ReadMessage(nil, message)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read handshake message: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		return payload, nh.finish(cs1, cs2), nil
	}
	return payload, nil, nil
}

// IsCompleted returns whether the handshake has finished.
func (nh *NoiseHandshake) IsCompleted() bool {
	return nh.completed
}

// finish builds the session with the cipher states oriented by role:
// the first cipher state is the initiator-to-responder direction.
func (nh *NoiseHandshake) finish(cs1, cs2 *noise.CipherState) *NoiseSession {
	nh.completed = true

	session := &NoiseSession{
		Established: time.Now(),
	}
	if nh.initiator {
		session.SendCipher = cs1
		session.RecvCipher = cs2
	} else {
		session.SendCipher = cs2
		session.RecvCipher = cs1
	}

	if remote := nh.handshake.PeerStatic(); len(remote) == 32 {
		copy(session.PeerKey[:], remote)
	} else {
		session.PeerKey = nh.peerKey
	}
	return session
}

// Encrypt encrypts a transport-phase message for the peer. Safe for
// concurrent use.
func (ns *NoiseSession) Encrypt(plaintext []byte) ([]byte, error) {
	if ns.SendCipher == nil {
		return nil, errors.New("session not established")
	}

	ns.sendMu.Lock()
	defer ns.sendMu.Unlock()

	ciphertext, err := ns.SendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts a transport-phase message from the peer. Safe for
// concurrent use.
func (ns *NoiseSession) Decrypt(ciphertext []byte) ([]byte, error) {
	if ns.RecvCipher == nil {
		return nil, errors.New("session not established")
	}

	ns.recvMu.Lock()
	defer ns.recvMu.Unlock()

	plaintext, err := ns.RecvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message: %w", err)
	}
	return plaintext, nil
}
