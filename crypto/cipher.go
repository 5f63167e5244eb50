package crypto

import (
	"errors"
	"fmt"
)

// ErrSecurityViolation indicates a replayed, tampered or otherwise
// unverifiable encrypted packet. The caller must close the connection.
var ErrSecurityViolation = errors.New("crypto: security violation")

// Cipher is a pluggable symmetric cipher for session traffic.
type Cipher interface {
	// Seal encrypts plaintext under key and nonce.
	Seal(key [32]byte, nonce [24]byte, plaintext []byte) []byte

	// Open decrypts and, when the cipher authenticates, verifies
	// ciphertext. Failure returns ErrSecurityViolation.
	Open(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, error)

	// Authenticated reports whether Open verifies integrity. Replay
	// sequence checking is mandatory only for authenticated ciphers.
	Authenticated() bool

	// Name identifies the cipher suite in configuration.
	Name() string
}

// NewCipher returns the cipher suite registered under name.
func NewCipher(name string) (Cipher, error) {
	switch name {
	case "", "secretbox":
		return SecretboxCipher{}, nil
	case "xor":
		return XORCipher{}, nil
	default:
		return nil, fmt.Errorf("unknown cipher suite %q", name)
	}
}
