package handler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// Validation failure reasons surfaced to senders.
const (
	reasonSenderNotRegistered = "Sender not registered"
	reasonRecipientMissing    = "Recipient does not exist"
	reasonNotInContacts       = "Recipient not in contacts"
	reasonNotGroupMember      = "Sender not a group member"
)

// Relay forwards TEXT, MEDIA and REACTION packets from sender to recipient,
// fanning group traffic out to every member except the sender.
type Relay struct {
	typeSet
}

// NewRelay creates the relay handler.
func NewRelay() *Relay {
	return &Relay{typeSet: typeSet{wire.TypeText, wire.TypeMedia, wire.TypeReaction}}
}

// relayedMessageID extracts the client-assigned message id from a relayable
// body.
func relayedMessageID(body wire.Body) string {
	switch b := body.(type) {
	case *wire.TextMessage:
		return b.MessageID
	case *wire.MediaMessage:
		return b.MessageID
	case *wire.ReactionMessage:
		return b.MessageID
	default:
		return ""
	}
}

// Handle validates sender, recipient and their relationship, then emits a
// SENT ack to the sender and the packet to the recipient(s). Any failed
// validation yields a FAILED ack instead.
func (h *Relay) Handle(msg *wire.Message, ctx server.Context) error {
	msgID := relayedMessageID(msg.Body)

	if !ctx.Users().Has(msg.From) {
		sendFailedAck(ctx, msg.From, msgID, reasonSenderNotRegistered)
		return nil
	}

	pkt, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to re-encode relayed message: %w", err)
	}

	if group, ok := ctx.Groups().Get(msg.To); ok {
		return h.relayToGroup(msg, pkt, msgID, group.MemberIDs(), group.HasMember(msg.From), ctx)
	}
	return h.relayToUser(msg, pkt, msgID, ctx)
}

func (h *Relay) relayToUser(msg *wire.Message, pkt *wire.Packet, msgID string, ctx server.Context) error {
	if !ctx.Users().Has(msg.To) {
		sendFailedAck(ctx, msg.From, msgID, reasonRecipientMissing)
		return nil
	}

	// A one-sided contact relationship in either direction satisfies the
	// relay gate.
	if !ctx.Users().IsContact(msg.From, msg.To) && !ctx.Users().IsContact(msg.To, msg.From) {
		sendFailedAck(ctx, msg.From, msgID, reasonNotInContacts)
		return nil
	}

	if err := ctx.Send(wire.NewAckPacket(msg.From, msgID, wire.AckSent)); err != nil {
		return err
	}
	return ctx.Send(pkt)
}

// relayToGroup fans the packet out to every member except the sender. The
// member snapshot is taken before delivery, so concurrent membership
// changes do not retroactively alter the fan-out.
func (h *Relay) relayToGroup(msg *wire.Message, pkt *wire.Packet, msgID string, members []uint32, senderIsMember bool, ctx server.Context) error {
	if !senderIsMember {
		sendFailedAck(ctx, msg.From, msgID, reasonNotGroupMember)
		return nil
	}

	if err := ctx.Send(wire.NewAckPacket(msg.From, msgID, wire.AckSent)); err != nil {
		return err
	}

	for _, member := range members {
		if member == msg.From {
			continue
		}
		// The group id stays in the To field so recipients can attribute
		// the message to the conversation.
		if err := ctx.SendTo(pkt, member); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "relayToGroup",
				"group_id":  msg.To,
				"member_id": member,
				"error":     err.Error(),
			}).Error("Group fan-out delivery failed")
		}
	}
	return nil
}
