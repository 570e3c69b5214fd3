// Package crypto implements the cryptographic primitives for intercom
// node links.
//
// This package provides Curve25519 key pair management through Go's
// x/crypto packages and the Noise-IK handshake used to establish encrypted
// transport sessions between nodes. Intercom deployments use statically
// configured peer keys: the operator provisions each node with its own key
// pair and the public keys of its remote peers, so there is no key
// discovery or rotation machinery here.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
