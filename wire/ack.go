package wire

import (
	"fmt"
	"strings"
)

// AckStatus is the delivery state carried by an AckMessage. The numeric
// codes 0..5 are part of the wire contract.
type AckStatus uint8

const (
	AckSending AckStatus = iota
	AckSent
	AckDelivered
	AckRead
	AckFailed
	AckCriticalFailure
)

var ackStatusNames = [...]string{
	"SENDING", "SENT", "DELIVERED", "READ", "FAILED", "CRITICAL_FAILURE",
}

// String returns the canonical name of the status.
func (s AckStatus) String() string {
	if int(s) < len(ackStatusNames) {
		return ackStatusNames[s]
	}
	return fmt.Sprintf("AckStatus(%d)", uint8(s))
}

// ErrorLevel is the severity carried by an ErrorMessage.
type ErrorLevel uint8

const (
	LevelInfo ErrorLevel = iota
	LevelWarning
	LevelError
	LevelCritical
)

var errorLevelNames = [...]string{"INFO", "WARNING", "ERROR", "CRITICAL"}

// String returns the canonical name of the level.
func (l ErrorLevel) String() string {
	if int(l) < len(errorLevelNames) {
		return errorLevelNames[l]
	}
	return fmt.Sprintf("ErrorLevel(%d)", uint8(l))
}

// ParseErrorLevel parses a canonical level name.
func ParseErrorLevel(s string) (ErrorLevel, error) {
	for i, name := range errorLevelNames {
		if strings.EqualFold(s, name) {
			return ErrorLevel(i), nil
		}
	}
	return 0, fmt.Errorf("%w: error level %q", ErrMalformedPayload, s)
}

// Well-known error kinds for ErrorMessage payloads.
const (
	ErrKindUserNotFound     = "USER_NOT_FOUND"
	ErrKindAlreadyConnected = "ALREADY_CONNECTED"
	ErrKindInternal         = "INTERNAL_ERROR"
)

// NewAckPacket builds an acknowledgement packet addressed to a client.
// From is 0: acknowledgements built here always originate at the server.
func NewAckPacket(to uint32, ackedID string, status AckStatus) *Packet {
	p, _ := Encode(&Message{
		Type: TypeMessageAck,
		From: 0,
		To:   to,
		Body: &AckMessage{AckedMessageID: ackedID, Status: status},
	})
	return p
}

// NewFailedAckPacket builds a FAILED acknowledgement carrying a
// human-readable reason.
func NewFailedAckPacket(to uint32, ackedID, reason string) *Packet {
	p, _ := Encode(&Message{
		Type: TypeMessageAck,
		From: 0,
		To:   to,
		Body: &AckMessage{AckedMessageID: ackedID, Status: AckFailed, ErrorReason: reason},
	})
	return p
}

// NewErrorPacket builds a server-originated error message packet.
func NewErrorPacket(to uint32, level ErrorLevel, kind, message string) *Packet {
	p, _ := Encode(&Message{
		Type: TypeError,
		From: 0,
		To:   to,
		Body: &ErrorMessage{Level: level, Kind: kind, Message: message},
	})
	return p
}
