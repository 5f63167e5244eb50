package handler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// AckForwarder propagates DELIVERED/READ acknowledgements from the
// receiving client back to the original sender.
type AckForwarder struct {
	typeSet
}

// NewAckForwarder creates the acknowledgement handler.
func NewAckForwarder() *AckForwarder {
	return &AckForwarder{typeSet: typeSet{wire.TypeMessageAck}}
}

// Handle forwards the ack to its recipient when addressed; unaddressed
// acks (to == 0) terminate at the server.
func (h *AckForwarder) Handle(msg *wire.Message, ctx server.Context) error {
	ack, ok := msg.Body.(*wire.AckMessage)
	if !ok {
		return fmt.Errorf("unexpected body %T for MESSAGE_ACK", msg.Body)
	}

	if msg.To == 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "Handle",
			"from":       msg.From,
			"acked_id":   ack.AckedMessageID,
			"ack_status": ack.Status.String(),
		}).Debug("Ack without recipient, dropped")
		return nil
	}

	if !ctx.Users().Has(msg.From) {
		sendFailedAck(ctx, msg.From, ack.AckedMessageID, reasonSenderNotRegistered)
		return nil
	}
	if !ctx.Users().Has(msg.To) {
		sendFailedAck(ctx, msg.From, ack.AckedMessageID, reasonRecipientMissing)
		return nil
	}
	if !ctx.Users().IsContact(msg.From, msg.To) && !ctx.Users().IsContact(msg.To, msg.From) {
		sendFailedAck(ctx, msg.From, ack.AckedMessageID, reasonNotInContacts)
		return nil
	}

	pkt, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to re-encode ack: %w", err)
	}
	return ctx.Send(pkt)
}
