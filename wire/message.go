package wire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// fieldSep separates the sub-fields of textual payloads. The final field of
// every variant is free-form and may itself contain the separator.
const fieldSep = "|"

// Body is the typed payload of a protocol message. Exactly one concrete
// variant exists per message type (management types share one variant).
type Body interface {
	encodePayload() ([]byte, error)
}

// Message is the decoded view of a packet: header addressing plus a typed
// body.
type Message struct {
	Type MessageType
	From uint32
	To   uint32
	Body Body
}

// TextMessage is a point-to-point or group text message.
type TextMessage struct {
	MessageID string
	Timestamp int64 // unix milliseconds
	ReplyTo   string
	Content   string
}

// MediaMessage carries one chunk of a media transfer. The chunk is
// Base64-encoded on the wire so binary data survives the textual framing.
type MediaMessage struct {
	MessageID string
	Timestamp int64
	ReplyTo   string
	MediaName string
	Size      int64 // total media size in bytes
	Chunk     []byte
}

// ReactionMessage is an emoji reaction to an earlier message (ReplyTo).
type ReactionMessage struct {
	MessageID string
	Timestamp int64
	ReplyTo   string
	Reaction  string
}

// AckMessage acknowledges an earlier message.
type AckMessage struct {
	AckedMessageID string
	Status         AckStatus
	ErrorReason    string
}

// ManagementMessage is the shared body of all user and group management
// operations: a flat string parameter map. Numeric and boolean parameters
// are accessed through the typed getters.
type ManagementMessage struct {
	Params map[string]string
}

// ContactRequestMessage asks the recipient to become a contact.
type ContactRequestMessage struct {
	RequestID string
}

// ContactRequestResponseMessage answers a pending contact request.
type ContactRequestResponseMessage struct {
	RequestID string
	Accepted  bool
}

// ErrorMessage reports a connection-level problem to a client.
type ErrorMessage struct {
	Level   ErrorLevel
	Kind    string
	Message string
}

// KeyExchangeMessage carries a client's public key to a peer (relayed
// end-to-end, never interpreted by the server).
type KeyExchangeMessage struct {
	PublicKey [32]byte
}

// KeyExchangeResponseMessage answers a peer key exchange.
type KeyExchangeResponseMessage struct {
	PublicKey [32]byte
}

// ServerKeyExchange carries the server's ephemeral public key on accept.
type ServerKeyExchange struct {
	PublicKey [32]byte
}

// ServerKeyExchangeResponse carries the client's public key back to the
// server, completing the handshake.
type ServerKeyExchangeResponse struct {
	PublicKey [32]byte
}

// EncryptedWrapper envelopes an encrypted inner packet. Seq is a
// per-direction monotonic counter used for replay rejection; the plaintext
// is the inner message type (4 bytes big-endian) followed by its payload.
type EncryptedWrapper struct {
	Seq        uint64
	Nonce      [24]byte
	Ciphertext []byte
}

// Encode serializes a message into a packet.
func Encode(m *Message) (*Packet, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("%w: nil body", ErrMalformedPayload)
	}

	payload, err := m.Body.encodePayload()
	if err != nil {
		return nil, err
	}

	return &Packet{
		Type:    m.Type,
		From:    m.From,
		To:      m.To,
		Payload: payload,
	}, nil
}

// Decode parses a packet into its typed message. The packet type must be a
// registered, non-wrapper type; EncryptedWrapper payloads are handled by
// the encryption service before decoding.
func Decode(p *Packet) (*Message, error) {
	if !p.Type.Registered() {
		return nil, fmt.Errorf("%w: code %d", ErrUnknownType, uint32(p.Type))
	}

	body, err := decodeBody(p.Type, p.Payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type: p.Type,
		From: p.From,
		To:   p.To,
		Body: body,
	}, nil
}

func decodeBody(t MessageType, payload []byte) (Body, error) {
	switch t {
	case TypeText:
		return decodeText(payload)
	case TypeMedia:
		return decodeMedia(payload)
	case TypeReaction:
		return decodeReaction(payload)
	case TypeMessageAck:
		return decodeAck(payload)
	case TypeError:
		return decodeError(payload)
	case TypeCreateUser, TypeConnectUser, TypeUpdatePseudo,
		TypeAddContact, TypeRemoveContact,
		TypeCreateGroup, TypeDeleteGroup, TypeLeaveGroup,
		TypeAddGroupMember, TypeRemoveGroupMember, TypeUpdateGroupName:
		return decodeManagement(payload)
	case TypeContactRequest:
		return &ContactRequestMessage{RequestID: string(payload)}, nil
	case TypeContactRequestResponse:
		return decodeContactResponse(payload)
	case TypeKeyExchange:
		key, err := decodePublicKey(payload)
		if err != nil {
			return nil, err
		}
		return &KeyExchangeMessage{PublicKey: key}, nil
	case TypeKeyExchangeResponse:
		key, err := decodePublicKey(payload)
		if err != nil {
			return nil, err
		}
		return &KeyExchangeResponseMessage{PublicKey: key}, nil
	case TypeServerKeyExchange:
		key, err := decodePublicKey(payload)
		if err != nil {
			return nil, err
		}
		return &ServerKeyExchange{PublicKey: key}, nil
	case TypeServerKeyExchangeResponse:
		key, err := decodePublicKey(payload)
		if err != nil {
			return nil, err
		}
		return &ServerKeyExchangeResponse{PublicKey: key}, nil
	case TypeEncrypted:
		return DecodeEncryptedWrapper(payload)
	default:
		return nil, fmt.Errorf("%w: %s has no body", ErrUnknownType, t)
	}
}

// splitParts splits payload into exactly want fields; the final field is
// free-form and may contain the separator.
func splitParts(t MessageType, payload []byte, want int) ([]string, error) {
	parts := strings.SplitN(string(payload), fieldSep, want)
	if len(parts) != want {
		return nil, fmt.Errorf("%w: %s expects %d parts, got %d", ErrMalformedPayload, t, want, len(parts))
	}
	return parts, nil
}

func parseTimestamp(t MessageType, s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s timestamp %q", ErrMalformedPayload, t, s)
	}
	return ts, nil
}

func (m *TextMessage) encodePayload() ([]byte, error) {
	return []byte(m.MessageID + fieldSep + strconv.FormatInt(m.Timestamp, 10) +
		fieldSep + m.ReplyTo + fieldSep + m.Content), nil
}

func decodeText(payload []byte) (*TextMessage, error) {
	parts, err := splitParts(TypeText, payload, 4)
	if err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(TypeText, parts[1])
	if err != nil {
		return nil, err
	}
	return &TextMessage{
		MessageID: parts[0],
		Timestamp: ts,
		ReplyTo:   parts[2],
		Content:   parts[3],
	}, nil
}

func (m *MediaMessage) encodePayload() ([]byte, error) {
	return []byte(m.MessageID + fieldSep + strconv.FormatInt(m.Timestamp, 10) +
		fieldSep + m.ReplyTo + fieldSep + m.MediaName +
		fieldSep + strconv.FormatInt(m.Size, 10) +
		fieldSep + base64.StdEncoding.EncodeToString(m.Chunk)), nil
}

func decodeMedia(payload []byte) (*MediaMessage, error) {
	parts, err := splitParts(TypeMedia, payload, 6)
	if err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(TypeMedia, parts[1])
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: media size %q", ErrMalformedPayload, parts[4])
	}
	chunk, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: media chunk is not valid base64", ErrMalformedPayload)
	}
	return &MediaMessage{
		MessageID: parts[0],
		Timestamp: ts,
		ReplyTo:   parts[2],
		MediaName: parts[3],
		Size:      size,
		Chunk:     chunk,
	}, nil
}

func (m *ReactionMessage) encodePayload() ([]byte, error) {
	return []byte(m.MessageID + fieldSep + strconv.FormatInt(m.Timestamp, 10) +
		fieldSep + m.ReplyTo + fieldSep + m.Reaction), nil
}

func decodeReaction(payload []byte) (*ReactionMessage, error) {
	parts, err := splitParts(TypeReaction, payload, 4)
	if err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(TypeReaction, parts[1])
	if err != nil {
		return nil, err
	}
	return &ReactionMessage{
		MessageID: parts[0],
		Timestamp: ts,
		ReplyTo:   parts[2],
		Reaction:  parts[3],
	}, nil
}

func (m *AckMessage) encodePayload() ([]byte, error) {
	return []byte(m.AckedMessageID + fieldSep + strconv.Itoa(int(m.Status)) +
		fieldSep + m.ErrorReason), nil
}

func decodeAck(payload []byte) (*AckMessage, error) {
	parts, err := splitParts(TypeMessageAck, payload, 3)
	if err != nil {
		return nil, err
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 0 || code > int(AckCriticalFailure) {
		return nil, fmt.Errorf("%w: ack status %q", ErrMalformedPayload, parts[1])
	}
	return &AckMessage{
		AckedMessageID: parts[0],
		Status:         AckStatus(code),
		ErrorReason:    parts[2],
	}, nil
}

func (m *ErrorMessage) encodePayload() ([]byte, error) {
	return []byte(m.Level.String() + fieldSep + m.Kind + fieldSep + m.Message), nil
}

func decodeError(payload []byte) (*ErrorMessage, error) {
	parts, err := splitParts(TypeError, payload, 3)
	if err != nil {
		return nil, err
	}
	level, err := ParseErrorLevel(parts[0])
	if err != nil {
		return nil, err
	}
	return &ErrorMessage{
		Level:   level,
		Kind:    parts[1],
		Message: parts[2],
	}, nil
}

// paramEscaper protects the pair syntax: "%", the field separator and "="
// inside keys or values are percent-escaped so free-form text (pseudos,
// group names) survives the round trip.
var paramEscaper = strings.NewReplacer("%", "%25", fieldSep, "%7C", "=", "%3D")

func unescapeParam(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated escape in %q", ErrMalformedPayload, s)
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "7C":
			b.WriteByte('|')
		case "3D":
			b.WriteByte('=')
		default:
			return "", fmt.Errorf("%w: unknown escape %q", ErrMalformedPayload, s[i:i+3])
		}
		i += 2
	}
	return b.String(), nil
}

// encodePayload renders the parameter map as key=value pairs joined by the
// field separator, keys sorted so encoding is canonical.
func (m *ManagementMessage) encodePayload() ([]byte, error) {
	if len(m.Params) == 0 {
		return []byte{}, nil
	}

	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, paramEscaper.Replace(k)+"="+paramEscaper.Replace(m.Params[k]))
	}
	return []byte(strings.Join(pairs, fieldSep)), nil
}

func decodeManagement(payload []byte) (*ManagementMessage, error) {
	params := make(map[string]string)
	if len(payload) == 0 {
		return &ManagementMessage{Params: params}, nil
	}

	for _, pair := range strings.Split(string(payload), fieldSep) {
		rawKey, rawVal, found := strings.Cut(pair, "=")
		if !found || rawKey == "" {
			return nil, fmt.Errorf("%w: management pair %q", ErrMalformedPayload, pair)
		}
		k, err := unescapeParam(rawKey)
		if err != nil {
			return nil, err
		}
		v, err := unescapeParam(rawVal)
		if err != nil {
			return nil, err
		}
		params[k] = v
	}
	return &ManagementMessage{Params: params}, nil
}

// StringParam returns the named parameter, or "" when absent.
func (m *ManagementMessage) StringParam(key string) string {
	return m.Params[key]
}

// UintParam parses the named parameter as an unsigned 32-bit integer.
func (m *ManagementMessage) UintParam(key string) (uint32, bool) {
	v, ok := m.Params[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// BoolParam parses the named parameter as a boolean ("true"/"false"/"1"/"0").
func (m *ManagementMessage) BoolParam(key string) bool {
	v, ok := m.Params[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func (m *ContactRequestMessage) encodePayload() ([]byte, error) {
	return []byte(m.RequestID), nil
}

func (m *ContactRequestResponseMessage) encodePayload() ([]byte, error) {
	accepted := "0"
	if m.Accepted {
		accepted = "1"
	}
	return []byte(m.RequestID + fieldSep + accepted), nil
}

func decodeContactResponse(payload []byte) (*ContactRequestResponseMessage, error) {
	parts, err := splitParts(TypeContactRequestResponse, payload, 2)
	if err != nil {
		return nil, err
	}
	if parts[1] != "0" && parts[1] != "1" {
		return nil, fmt.Errorf("%w: contact response flag %q", ErrMalformedPayload, parts[1])
	}
	return &ContactRequestResponseMessage{
		RequestID: parts[0],
		Accepted:  parts[1] == "1",
	}, nil
}

func encodePublicKey(key [32]byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(key[:]))
}

func decodePublicKey(payload []byte) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return key, fmt.Errorf("%w: public key is not valid base64", ErrMalformedPayload)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrMalformedPayload, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func (m *KeyExchangeMessage) encodePayload() ([]byte, error) {
	return encodePublicKey(m.PublicKey), nil
}

func (m *KeyExchangeResponseMessage) encodePayload() ([]byte, error) {
	return encodePublicKey(m.PublicKey), nil
}

func (m *ServerKeyExchange) encodePayload() ([]byte, error) {
	return encodePublicKey(m.PublicKey), nil
}

func (m *ServerKeyExchangeResponse) encodePayload() ([]byte, error) {
	return encodePublicKey(m.PublicKey), nil
}

// encodePayload serializes the wrapper as [seq (8)][nonce (24)][ciphertext].
func (m *EncryptedWrapper) encodePayload() ([]byte, error) {
	buf := make([]byte, 8+24+len(m.Ciphertext))
	binary.BigEndian.PutUint64(buf[0:8], m.Seq)
	copy(buf[8:32], m.Nonce[:])
	copy(buf[32:], m.Ciphertext)
	return buf, nil
}

// DecodeEncryptedWrapper parses the binary wrapper payload.
func DecodeEncryptedWrapper(payload []byte) (*EncryptedWrapper, error) {
	if len(payload) < 32 {
		return nil, fmt.Errorf("%w: encrypted wrapper needs at least 32 bytes, got %d", ErrMalformedPayload, len(payload))
	}

	w := &EncryptedWrapper{
		Seq:        binary.BigEndian.Uint64(payload[0:8]),
		Ciphertext: make([]byte, len(payload)-32),
	}
	copy(w.Nonce[:], payload[8:32])
	copy(w.Ciphertext, payload[32:])
	return w, nil
}
