package handler

import (
	"fmt"

	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// KeyExchange relays peer-to-peer key material between contacts. The
// server-side channel handshake itself is completed by the connection
// manager on the reader path, before packets reach the worker pool.
type KeyExchange struct {
	typeSet
}

// NewKeyExchange creates the key exchange handler.
func NewKeyExchange() *KeyExchange {
	return &KeyExchange{
		typeSet: typeSet{wire.TypeKeyExchange, wire.TypeKeyExchangeResponse},
	}
}

// Handle relays the key packet opaque; the server never inspects
// client-to-client key material beyond framing.
func (h *KeyExchange) Handle(msg *wire.Message, ctx server.Context) error {
	if !ctx.Users().Has(msg.From) {
		sendFailedAck(ctx, msg.From, "", reasonSenderNotRegistered)
		return nil
	}
	if !ctx.Users().Has(msg.To) {
		sendFailedAck(ctx, msg.From, "", reasonRecipientMissing)
		return nil
	}
	if !ctx.Users().IsContact(msg.From, msg.To) && !ctx.Users().IsContact(msg.To, msg.From) {
		sendFailedAck(ctx, msg.From, "", reasonNotInContacts)
		return nil
	}

	pkt, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to re-encode peer key exchange: %w", err)
	}
	return ctx.Send(pkt)
}
