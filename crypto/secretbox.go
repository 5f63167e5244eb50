package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// SecretboxCipher is the default session cipher: NaCl secretbox
// (XSalsa20-Poly1305).
type SecretboxCipher struct{}

// Seal encrypts and authenticates plaintext.
func (SecretboxCipher) Seal(key [32]byte, nonce [24]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, &nonce, &key)
}

// Open verifies and decrypts ciphertext.
func (SecretboxCipher) Open(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: secretbox open failed", ErrSecurityViolation)
	}
	return plaintext, nil
}

// Authenticated reports that secretbox verifies integrity.
func (SecretboxCipher) Authenticated() bool { return true }

// Name returns the configuration name of the suite.
func (SecretboxCipher) Name() string { return "secretbox" }

// XORCipher is a placeholder suite for tests and protocol bring-up. It
// provides no confidentiality or integrity.
type XORCipher struct{}

func xorStream(key [32]byte, nonce [24]byte, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)] ^ nonce[i%len(nonce)]
	}
	return out
}

// Seal obfuscates plaintext with the key stream.
func (XORCipher) Seal(key [32]byte, nonce [24]byte, plaintext []byte) []byte {
	return xorStream(key, nonce, plaintext)
}

// Open reverses Seal. It cannot detect tampering.
func (XORCipher) Open(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	return xorStream(key, nonce, ciphertext), nil
}

// Authenticated reports that XOR performs no verification.
func (XORCipher) Authenticated() bool { return false }

// Name returns the configuration name of the suite.
func (XORCipher) Name() string { return "xor" }
