// Package wire implements the binary packet protocol shared by the relay
// server and its clients.
//
// A packet is a fixed 16-byte big-endian header followed by an opaque
// payload whose interpretation depends on the message type:
//
//	[length (4)][type (4)][from (4)][to (4)][payload (length bytes)]
//
// The codec never performs I/O; framing over a stream is the connection
// manager's job.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of the packet header in bytes.
	HeaderSize = 16

	// MaxMessageSize is the maximum allowed payload length in bytes.
	MaxMessageSize = 1 << 20
)

var (
	// ErrMalformedHeader indicates a negative or oversized payload length.
	ErrMalformedHeader = errors.New("wire: malformed packet header")

	// ErrUnknownType indicates a message type code that is not registered.
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrMalformedPayload indicates a payload whose sub-fields do not match
	// the expected part count of its message type.
	ErrMalformedPayload = errors.New("wire: malformed payload")
)

// MessageType identifies the kind of protocol message a packet carries.
// The numeric codes are part of the wire contract and must not change.
type MessageType uint32

const (
	TypeNone                      MessageType = 0
	TypeText                      MessageType = 1
	TypeMedia                     MessageType = 2
	TypeReaction                  MessageType = 3
	TypeMessageAck                MessageType = 4
	TypeError                     MessageType = 5
	TypeCreateUser                MessageType = 6
	TypeConnectUser               MessageType = 7
	TypeUpdatePseudo              MessageType = 8
	TypeAddContact                MessageType = 9
	TypeRemoveContact             MessageType = 10
	TypeContactRequest            MessageType = 11
	TypeContactRequestResponse    MessageType = 12
	TypeCreateGroup               MessageType = 13
	TypeDeleteGroup               MessageType = 14
	TypeLeaveGroup                MessageType = 15
	TypeAddGroupMember            MessageType = 16
	TypeRemoveGroupMember         MessageType = 17
	TypeUpdateGroupName           MessageType = 18
	TypeKeyExchange               MessageType = 19
	TypeKeyExchangeResponse       MessageType = 20
	TypeServerKeyExchange         MessageType = 21
	TypeServerKeyExchangeResponse MessageType = 22
	TypeEncrypted                 MessageType = 23
)

var typeNames = map[MessageType]string{
	TypeNone:                      "NONE",
	TypeText:                      "TEXT",
	TypeMedia:                     "MEDIA",
	TypeReaction:                  "REACTION",
	TypeMessageAck:                "MESSAGE_ACK",
	TypeError:                     "ERROR",
	TypeCreateUser:                "CREATE_USER",
	TypeConnectUser:               "CONNECT_USER",
	TypeUpdatePseudo:              "UPDATE_PSEUDO",
	TypeAddContact:                "ADD_CONTACT",
	TypeRemoveContact:             "REMOVE_CONTACT",
	TypeContactRequest:            "CONTACT_REQUEST",
	TypeContactRequestResponse:    "CONTACT_REQUEST_RESPONSE",
	TypeCreateGroup:               "CREATE_GROUP",
	TypeDeleteGroup:               "DELETE_GROUP",
	TypeLeaveGroup:                "LEAVE_GROUP",
	TypeAddGroupMember:            "ADD_GROUP_MEMBER",
	TypeRemoveGroupMember:         "REMOVE_GROUP_MEMBER",
	TypeUpdateGroupName:           "UPDATE_GROUP_NAME",
	TypeKeyExchange:               "KEY_EXCHANGE",
	TypeKeyExchangeResponse:       "KEY_EXCHANGE_RESPONSE",
	TypeServerKeyExchange:         "SERVER_KEY_EXCHANGE",
	TypeServerKeyExchangeResponse: "SERVER_KEY_EXCHANGE_RESPONSE",
	TypeEncrypted:                 "ENCRYPTED",
}

// Registered reports whether t is a known message type code.
func (t MessageType) Registered() bool {
	_, ok := typeNames[t]
	return ok
}

// String returns the canonical name of the message type.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// Packet is the framed unit of the wire protocol: a typed, addressed
// payload. From and To are client ids; id 0 designates the server itself
// (or an unidentified sender).
type Packet struct {
	Type    MessageType
	From    uint32
	To      uint32
	Payload []byte
}

// Header is the decoded fixed-size packet header.
type Header struct {
	Length uint32
	Type   MessageType
	From   uint32
	To     uint32
}

// Marshal serializes the packet as header followed by payload.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformedHeader, len(p.Payload), MaxMessageSize)
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(p.Payload)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Type))
	binary.BigEndian.PutUint32(buf[8:12], p.From)
	binary.BigEndian.PutUint32(buf[12:16], p.To)
	copy(buf[HeaderSize:], p.Payload)

	return buf, nil
}

// ParseHeader decodes and validates the fixed-size header at the start of
// data. The payload length is rejected when it is negative as a signed
// 32-bit value or exceeds MaxMessageSize.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedHeader, HeaderSize, len(data))
	}

	length := binary.BigEndian.Uint32(data[0:4])
	if length&0x80000000 != 0 {
		return Header{}, fmt.Errorf("%w: negative payload length", ErrMalformedHeader)
	}
	if length > MaxMessageSize {
		return Header{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformedHeader, length, MaxMessageSize)
	}

	return Header{
		Length: length,
		Type:   MessageType(binary.BigEndian.Uint32(data[4:8])),
		From:   binary.BigEndian.Uint32(data[8:12]),
		To:     binary.BigEndian.Uint32(data[12:16]),
	}, nil
}
