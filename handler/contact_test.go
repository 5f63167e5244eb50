package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatrelay/wire"
)

func contactRequest(from, to uint32, id string) *wire.Message {
	return &wire.Message{
		Type: wire.TypeContactRequest,
		From: from,
		To:   to,
		Body: &wire.ContactRequestMessage{RequestID: id},
	}
}

func contactResponse(from, to uint32, id string, accepted bool) *wire.Message {
	return &wire.Message{
		Type: wire.TypeContactRequestResponse,
		From: from,
		To:   to,
		Body: &wire.ContactRequestResponseMessage{RequestID: id, Accepted: accepted},
	}
}

func TestContactRequestForwardedAndStored(t *testing.T) {
	ctx := newFakeContext()
	ctx.users.Create(1, "A")
	ctx.users.Create(2, "B")

	h := NewContactRequests(time.Hour)
	require.NoError(t, h.Handle(contactRequest(1, 2, "req-1"), ctx))

	require.Equal(t, 1, h.PendingCount())
	require.Len(t, ctx.sent, 1)
	fwd := decodePacket(t, ctx.sent[0])
	require.Equal(t, wire.TypeContactRequest, fwd.Type)
	require.Equal(t, uint32(2), fwd.To)
}

func TestContactRequestRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeContext)
		msg    *wire.Message
		reason string
	}{
		{
			name: "to self",
			setup: func(ctx *fakeContext) {
				ctx.users.Create(1, "A")
			},
			msg:    contactRequest(1, 1, "req-1"),
			reason: "Cannot send a contact request to yourself",
		},
		{
			name:   "sender unknown",
			setup:  func(ctx *fakeContext) { ctx.users.Create(2, "B") },
			msg:    contactRequest(1, 2, "req-2"),
			reason: reasonSenderNotRegistered,
		},
		{
			name:   "receiver unknown",
			setup:  func(ctx *fakeContext) { ctx.users.Create(1, "A") },
			msg:    contactRequest(1, 2, "req-3"),
			reason: reasonRecipientMissing,
		},
		{
			name:   "already contacts",
			setup:  func(ctx *fakeContext) { twoContacts(ctx, 1, 2) },
			msg:    contactRequest(1, 2, "req-4"),
			reason: "Already contacts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newFakeContext()
			tt.setup(ctx)

			h := NewContactRequests(time.Hour)
			require.NoError(t, h.Handle(tt.msg, ctx))

			require.Zero(t, h.PendingCount())
			require.Len(t, ctx.sent, 1)
			requireFailedAck(t, ctx.sent[0], tt.msg.From, tt.reason)
		})
	}
}

func TestContactResponseAcceptedAddsBothDirections(t *testing.T) {
	ctx := newFakeContext()
	ctx.users.Create(1, "A")
	ctx.users.Create(2, "B")

	h := NewContactRequests(time.Hour)
	require.NoError(t, h.Handle(contactRequest(1, 2, "req-1"), ctx))
	require.NoError(t, h.Handle(contactResponse(2, 1, "req-1", true), ctx))

	require.Zero(t, h.PendingCount())
	require.True(t, ctx.users.IsContact(1, 2))
	require.True(t, ctx.users.IsContact(2, 1))

	// Request forwarded to receiver, response forwarded to original sender.
	require.Len(t, ctx.sent, 2)
	resp := decodePacket(t, ctx.sent[1])
	require.Equal(t, uint32(1), resp.To)
	require.True(t, resp.Body.(*wire.ContactRequestResponseMessage).Accepted)
}

func TestContactResponseDeclinedLeavesNoContact(t *testing.T) {
	ctx := newFakeContext()
	ctx.users.Create(1, "A")
	ctx.users.Create(2, "B")

	h := NewContactRequests(time.Hour)
	require.NoError(t, h.Handle(contactRequest(1, 2, "req-1"), ctx))
	require.NoError(t, h.Handle(contactResponse(2, 1, "req-1", false), ctx))

	require.Zero(t, h.PendingCount())
	require.False(t, ctx.users.IsContact(1, 2))
	require.False(t, ctx.users.IsContact(2, 1))
	require.Len(t, ctx.sent, 2)
}

func TestContactResponseValidation(t *testing.T) {
	ctx := newFakeContext()
	ctx.users.Create(1, "A")
	ctx.users.Create(2, "B")
	ctx.users.Create(3, "C")

	h := NewContactRequests(time.Hour)
	require.NoError(t, h.Handle(contactRequest(1, 2, "req-1"), ctx))
	ctx.sent = nil

	// Unknown request id.
	require.NoError(t, h.Handle(contactResponse(2, 1, "req-unknown", true), ctx))
	requireFailedAck(t, ctx.sent[0], 2, "Unknown contact request")

	// A third party cannot answer on the receiver's behalf.
	ctx.sent = nil
	require.NoError(t, h.Handle(contactResponse(3, 1, "req-1", true), ctx))
	requireFailedAck(t, ctx.sent[0], 3, "Contact request mismatch")

	// The mismatched response leaves the request answerable.
	require.Equal(t, 1, h.PendingCount())
	require.False(t, ctx.users.IsContact(1, 2))
}

func TestContactRequestSweep(t *testing.T) {
	ctx := newFakeContext()
	ctx.users.Create(1, "A")
	ctx.users.Create(2, "B")
	ctx.users.Create(3, "C")

	h := NewContactRequests(time.Hour)

	base := time.Now()
	h.now = func() time.Time { return base }
	require.NoError(t, h.Handle(contactRequest(1, 2, "req-old"), ctx))

	h.now = func() time.Time { return base.Add(PendingRequestTTL / 2) }
	require.NoError(t, h.Handle(contactRequest(1, 3, "req-new"), ctx))

	h.now = func() time.Time { return base.Add(PendingRequestTTL + time.Minute) }
	require.Equal(t, 1, h.Sweep())
	require.Equal(t, 1, h.PendingCount())

	// The expired request can no longer be answered.
	ctx.sent = nil
	require.NoError(t, h.Handle(contactResponse(2, 1, "req-old", true), ctx))
	requireFailedAck(t, ctx.sent[0], 2, "Unknown contact request")
}
