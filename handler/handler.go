// Package handler implements the relay server's message handlers: message
// relaying, acknowledgement forwarding, contact requests, user lifecycle,
// group management and the connection handshake.
//
// Handlers run on the server's worker pool. Validation failures reach the
// originator as FAILED acknowledgements or ERROR messages; handler errors
// are logged by the dispatcher and never tear down the loop.
package handler

import (
	"github.com/google/uuid"

	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// Parameter keys of management message payloads.
const (
	paramClientID  = "clientId"
	paramPseudo    = "pseudo"
	paramNewPseudo = "newPseudo"
	paramContactID = "contactId"
	paramGroupID   = "groupId"
	paramName      = "name"
	paramAdminID   = "adminId"
	paramMemberID  = "memberId"
	paramNewMember = "newMemberId"
	paramAck       = "ack"
	paramMessageID = "messageId"
)

// typeSet gives handlers their Types and CanHandle implementations.
type typeSet []wire.MessageType

func (ts typeSet) Types() []wire.MessageType {
	return ts
}

func (ts typeSet) CanHandle(t wire.MessageType) bool {
	for _, candidate := range ts {
		if candidate == t {
			return true
		}
	}
	return false
}

// sendFailedAck reports a rejected operation back to a client. When the
// triggering message carries no id of its own, a fresh uuid keeps the ack
// traceable in client logs.
func sendFailedAck(ctx server.Context, to uint32, ackedID, reason string) {
	if ackedID == "" {
		ackedID = uuid.NewString()
	}
	_ = ctx.Send(wire.NewFailedAckPacket(to, ackedID, reason))
}

// managementAckID extracts the optional messageId parameter used to
// correlate acks with management operations.
func managementAckID(m *wire.ManagementMessage) string {
	return m.StringParam(paramMessageID)
}
