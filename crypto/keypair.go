// Package crypto implements the per-connection encryption service of the
// relay server.
//
// Each accepted connection is bootstrapped with an X25519 key exchange: the
// server sends an ephemeral public key, the client answers with its own, and
// both sides derive a symmetric session key. All non-handshake traffic is
// then wrapped in ENCRYPTED packets whose headers stay in the clear so the
// server can route them.
//
// The session cipher is pluggable; the default is NaCl secretbox.
package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// DeriveSharedSecret computes the X25519 shared secret between a private
// key and a peer's public key. The result is used directly as the session
// key.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	secret, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], secret)
	ZeroBytes(secret)

	return result, nil
}

// GenerateNonce creates a cryptographically secure random 24-byte nonce.
func GenerateNonce() ([24]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// ZeroBytes overwrites b with zeros so key material does not linger.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
