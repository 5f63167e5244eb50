package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatrelay/ident"
	"github.com/opd-ai/chatrelay/repo"
	"github.com/opd-ai/chatrelay/wire"
)

// directedPacket records a SendTo call, which overrides header addressing.
type directedPacket struct {
	pkt      *wire.Packet
	clientID uint32
}

// fakeContext is an in-memory server.Context for handler tests. Repos and
// id generation are real; delivery and connection management are recorded.
type fakeContext struct {
	users  *repo.Users
	groups *repo.Groups
	ids    *ident.Generator

	sent      []*wire.Packet
	sentTo    []directedPacket
	replies   []*wire.Packet
	connected map[uint32]bool
	removed   []uint32

	clientID    uint32
	registered  []uint32
	registerErr error
	closed      bool
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		users:     repo.NewUsers(),
		groups:    repo.NewGroups(),
		ids:       ident.New(),
		connected: make(map[uint32]bool),
	}
}

func (f *fakeContext) Users() *repo.Users   { return f.users }
func (f *fakeContext) Groups() *repo.Groups { return f.groups }
func (f *fakeContext) NextClientID() uint32 { return f.ids.NextClientID() }
func (f *fakeContext) NextGroupID() uint32  { return f.ids.NextGroupID() }

func (f *fakeContext) Send(p *wire.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeContext) SendTo(p *wire.Packet, clientID uint32) error {
	f.sentTo = append(f.sentTo, directedPacket{pkt: p, clientID: clientID})
	return nil
}

func (f *fakeContext) Reply(p *wire.Packet) error {
	f.replies = append(f.replies, p)
	return nil
}

func (f *fakeContext) Register(clientID uint32) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, clientID)
	f.connected[clientID] = true
	f.clientID = clientID
	return nil
}

func (f *fakeContext) IsConnected(clientID uint32) bool { return f.connected[clientID] }

func (f *fakeContext) RemoveClient(clientID uint32) {
	f.removed = append(f.removed, clientID)
	delete(f.connected, clientID)
}

func (f *fakeContext) ClientID() uint32 { return f.clientID }

func (f *fakeContext) CloseConnection() { f.closed = true }

// decodePacket parses a recorded packet back into its typed message.
func decodePacket(t *testing.T, p *wire.Packet) *wire.Message {
	t.Helper()
	msg, err := wire.Decode(p)
	require.NoError(t, err)
	return msg
}

// requireFailedAck asserts that p is a FAILED acknowledgement addressed to
// `to` carrying the given reason.
func requireFailedAck(t *testing.T, p *wire.Packet, to uint32, reason string) {
	t.Helper()
	require.Equal(t, wire.TypeMessageAck, p.Type)
	require.Equal(t, to, p.To)

	msg := decodePacket(t, p)
	ack, ok := msg.Body.(*wire.AckMessage)
	require.True(t, ok)
	require.Equal(t, wire.AckFailed, ack.Status)
	require.Equal(t, reason, ack.ErrorReason)
}

// twoContacts registers users a and b as mutual contacts.
func twoContacts(f *fakeContext, a, b uint32) {
	f.users.Create(a, "UserA")
	f.users.Create(b, "UserB")
	f.users.AddContact(a, b)
	f.users.AddContact(b, a)
}
