package crypto

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/wire"
)

// session is the symmetric state for one established channel.
type session struct {
	key     [32]byte
	sendSeq uint64
	recvSeq uint64 // highest sequence accepted so far
	mu      sync.Mutex
}

// Service manages per-connection key exchanges and session encryption.
// Channels are identified by the connection serial assigned on accept.
type Service struct {
	cipher   Cipher
	pending  *xsync.MapOf[uint64, *KeyPair]
	sessions *xsync.MapOf[uint64, *session]
}

// NewService creates a Service using the given session cipher.
func NewService(cipher Cipher) *Service {
	return &Service{
		cipher:   cipher,
		pending:  xsync.NewMapOf[uint64, *KeyPair](),
		sessions: xsync.NewMapOf[uint64, *session](),
	}
}

// InitiateKeyExchange generates an ephemeral key pair for the channel and
// returns the SERVER_KEY_EXCHANGE packet carrying the public half. The
// private half is retained until the client responds or the channel closes.
func (s *Service) InitiateKeyExchange(channel uint64) (*wire.Packet, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("key exchange initiation failed: %w", err)
	}

	s.pending.Store(channel, keyPair)

	logrus.WithFields(logrus.Fields{
		"function":   "InitiateKeyExchange",
		"channel":    channel,
		"key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Debug("Key exchange initiated")

	return wire.Encode(&wire.Message{
		Type: wire.TypeServerKeyExchange,
		Body: &wire.ServerKeyExchange{PublicKey: keyPair.Public},
	})
}

// IsKeyExchangePending reports whether the channel is awaiting the client's
// response.
func (s *Service) IsKeyExchangePending(channel uint64) bool {
	_, ok := s.pending.Load(channel)
	return ok
}

// Established reports whether the channel has a session key.
func (s *Service) Established(channel uint64) bool {
	_, ok := s.sessions.Load(channel)
	return ok
}

// HandleKeyExchangeResponse derives the session key for the channel from
// the client's public key. It returns false on any cryptographic failure;
// the caller must close the connection.
func (s *Service) HandleKeyExchangeResponse(channel uint64, pkt *wire.Packet) bool {
	keyPair, ok := s.pending.LoadAndDelete(channel)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "HandleKeyExchangeResponse",
			"channel":  channel,
		}).Warn("Key exchange response without pending exchange")
		return false
	}

	msg, err := wire.Decode(pkt)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleKeyExchangeResponse",
			"channel":  channel,
			"error":    err.Error(),
		}).Warn("Malformed key exchange response")
		return false
	}

	resp, ok := msg.Body.(*wire.ServerKeyExchangeResponse)
	if !ok || isZeroKey(resp.PublicKey) {
		return false
	}

	key, err := DeriveSharedSecret(resp.PublicKey, keyPair.Private)
	ZeroBytes(keyPair.Private[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleKeyExchangeResponse",
			"channel":  channel,
			"error":    err.Error(),
		}).Error("Shared secret derivation failed")
		return false
	}

	s.sessions.Store(channel, &session{key: key})

	logrus.WithFields(logrus.Fields{
		"function": "HandleKeyExchangeResponse",
		"channel":  channel,
	}).Info("Session key established")

	return true
}

// ShouldEncrypt reports whether packets of type t are wrapped once a
// session is established. Handshake traffic is always plaintext.
func (s *Service) ShouldEncrypt(t wire.MessageType) bool {
	switch t {
	case wire.TypeServerKeyExchange, wire.TypeServerKeyExchangeResponse,
		wire.TypeKeyExchange, wire.TypeKeyExchangeResponse:
		return false
	default:
		return true
	}
}

// EncryptOutgoing wraps pkt in an ENCRYPTED packet for the channel. The
// From and To header fields are preserved so routing still works.
func (s *Service) EncryptOutgoing(channel uint64, pkt *wire.Packet) (*wire.Packet, error) {
	sess, ok := s.sessions.Load(channel)
	if !ok {
		return nil, fmt.Errorf("no session for channel %d", channel)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, 4+len(pkt.Payload))
	binary.BigEndian.PutUint32(plaintext[0:4], uint32(pkt.Type))
	copy(plaintext[4:], pkt.Payload)

	sess.mu.Lock()
	sess.sendSeq++
	seq := sess.sendSeq
	key := sess.key
	sess.mu.Unlock()

	ciphertext := s.cipher.Seal(key, nonce, plaintext)
	ZeroBytes(plaintext)

	return wire.Encode(&wire.Message{
		Type: wire.TypeEncrypted,
		From: pkt.From,
		To:   pkt.To,
		Body: &wire.EncryptedWrapper{Seq: seq, Nonce: nonce, Ciphertext: ciphertext},
	})
}

// DecryptIncoming unwraps an ENCRYPTED packet received on the channel. A
// replayed sequence number or a tamper detected by the cipher fails with
// ErrSecurityViolation.
func (s *Service) DecryptIncoming(channel uint64, pkt *wire.Packet) (*wire.Packet, error) {
	sess, ok := s.sessions.Load(channel)
	if !ok {
		return nil, fmt.Errorf("%w: encrypted packet before handshake", ErrSecurityViolation)
	}

	wrapper, err := wire.DecodeEncryptedWrapper(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurityViolation, err)
	}

	sess.mu.Lock()
	if wrapper.Seq <= sess.recvSeq {
		sess.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "DecryptIncoming",
			"channel":  channel,
			"seq":      wrapper.Seq,
		}).Warn("Replayed sequence number rejected")
		return nil, fmt.Errorf("%w: replayed sequence %d", ErrSecurityViolation, wrapper.Seq)
	}
	key := sess.key
	sess.mu.Unlock()

	plaintext, err := s.cipher.Open(key, wrapper.Nonce, wrapper.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 4 {
		return nil, fmt.Errorf("%w: truncated inner packet", ErrSecurityViolation)
	}

	// Advance the replay window only after successful verification.
	sess.mu.Lock()
	if wrapper.Seq > sess.recvSeq {
		sess.recvSeq = wrapper.Seq
	}
	sess.mu.Unlock()

	innerType := wire.MessageType(binary.BigEndian.Uint32(plaintext[0:4]))
	payload := make([]byte, len(plaintext)-4)
	copy(payload, plaintext[4:])
	ZeroBytes(plaintext)

	return &wire.Packet{
		Type:    innerType,
		From:    pkt.From,
		To:      pkt.To,
		Payload: payload,
	}, nil
}

// OnConnectionClosed drops all key material held for the channel.
func (s *Service) OnConnectionClosed(channel uint64) {
	if keyPair, ok := s.pending.LoadAndDelete(channel); ok {
		ZeroBytes(keyPair.Private[:])
	}
	if sess, ok := s.sessions.LoadAndDelete(channel); ok {
		sess.mu.Lock()
		ZeroBytes(sess.key[:])
		sess.mu.Unlock()
	}
}
