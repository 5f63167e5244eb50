package server_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatrelay/crypto"
	"github.com/opd-ai/chatrelay/handler"
	"github.com/opd-ai/chatrelay/ident"
	"github.com/opd-ai/chatrelay/repo"
	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// testFixture bundles one running server with its shared state.
type testFixture struct {
	srv    *server.Server
	users  *repo.Users
	groups *repo.Groups
	cancel context.CancelFunc
	served chan error
}

func startServer(t *testing.T, cfg server.Config) *testFixture {
	t.Helper()

	users := repo.NewUsers()
	groups := repo.NewGroups()
	ids := ident.New()
	cryptoSvc := crypto.NewService(crypto.SecretboxCipher{})

	router := server.NewRouter()
	for _, h := range []server.Handler{
		handler.NewKeyExchange(),
		handler.NewUserManagement(),
		handler.NewGroupManagement(),
		handler.NewRelay(),
		handler.NewAckForwarder(),
		handler.NewContactRequests(time.Hour),
	} {
		require.NoError(t, router.Register(h))
	}

	srv := server.New(cfg, users, groups, ids, cryptoSvc, router)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	f := &testFixture{srv: srv, users: users, groups: groups, cancel: cancel, served: served}
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.served:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return f
}

func testConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.WorkerThreads = 2
	cfg.IdentifyTimeout = 2 * time.Second
	cfg.KeyExchangeTimeout = 2 * time.Second
	return cfg
}

// testClient is a protocol client used by integration tests: it performs
// the channel handshake and speaks encrypted packets.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	cipher  crypto.SecretboxCipher
	key     [32]byte
	sendSeq uint64
}

func dialClient(t *testing.T, addr net.Addr) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	c.handshake()
	return c
}

func (c *testClient) readPacket() *wire.Packet {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	head := make([]byte, wire.HeaderSize)
	_, err := io.ReadFull(c.conn, head)
	require.NoError(c.t, err)
	h, err := wire.ParseHeader(head)
	require.NoError(c.t, err)

	payload := make([]byte, h.Length)
	_, err = io.ReadFull(c.conn, payload)
	require.NoError(c.t, err)

	return &wire.Packet{Type: h.Type, From: h.From, To: h.To, Payload: payload}
}

func (c *testClient) writePacket(p *wire.Packet) {
	c.t.Helper()
	data, err := p.Marshal()
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

// answerOffer consumes the server's key offer, derives the session key and
// returns the framed response without writing it, so tests control how the
// response hits the wire.
func (c *testClient) answerOffer() []byte {
	c.t.Helper()

	offer := c.readPacket()
	require.Equal(c.t, wire.TypeServerKeyExchange, offer.Type)
	msg, err := wire.Decode(offer)
	require.NoError(c.t, err)
	serverKey := msg.Body.(*wire.ServerKeyExchange).PublicKey

	kp, err := crypto.GenerateKeyPair()
	require.NoError(c.t, err)
	c.key, err = crypto.DeriveSharedSecret(serverKey, kp.Private)
	require.NoError(c.t, err)

	resp, err := wire.Encode(&wire.Message{
		Type: wire.TypeServerKeyExchangeResponse,
		Body: &wire.ServerKeyExchangeResponse{PublicKey: kp.Public},
	})
	require.NoError(c.t, err)
	data, err := resp.Marshal()
	require.NoError(c.t, err)
	return data
}

// handshake answers the server's key offer, establishing the session.
func (c *testClient) handshake() {
	c.t.Helper()
	data := c.answerOffer()
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

// encrypt wraps one message in an ENCRYPTED packet under the session key.
func (c *testClient) encrypt(msg *wire.Message) *wire.Packet {
	c.t.Helper()

	inner, err := wire.Encode(msg)
	require.NoError(c.t, err)

	plaintext := make([]byte, 4+len(inner.Payload))
	binary.BigEndian.PutUint32(plaintext[0:4], uint32(inner.Type))
	copy(plaintext[4:], inner.Payload)

	nonce, err := crypto.GenerateNonce()
	require.NoError(c.t, err)

	c.sendSeq++
	wrapped, err := wire.Encode(&wire.Message{
		Type: wire.TypeEncrypted,
		From: msg.From,
		To:   msg.To,
		Body: &wire.EncryptedWrapper{
			Seq:        c.sendSeq,
			Nonce:      nonce,
			Ciphertext: c.cipher.Seal(c.key, nonce, plaintext),
		},
	})
	require.NoError(c.t, err)
	return wrapped
}

// send encrypts and writes one message.
func (c *testClient) send(msg *wire.Message) {
	c.t.Helper()
	c.writePacket(c.encrypt(msg))
}

// recv reads one message, unwrapping encryption when present.
func (c *testClient) recv() *wire.Message {
	c.t.Helper()

	pkt := c.readPacket()
	if pkt.Type == wire.TypeEncrypted {
		wrapper, err := wire.DecodeEncryptedWrapper(pkt.Payload)
		require.NoError(c.t, err)
		plaintext, err := c.cipher.Open(c.key, wrapper.Nonce, wrapper.Ciphertext)
		require.NoError(c.t, err)
		require.GreaterOrEqual(c.t, len(plaintext), 4)
		pkt = &wire.Packet{
			Type:    wire.MessageType(binary.BigEndian.Uint32(plaintext[0:4])),
			From:    pkt.From,
			To:      pkt.To,
			Payload: plaintext[4:],
		}
	}

	msg, err := wire.Decode(pkt)
	require.NoError(c.t, err)
	return msg
}

func TestServerCreateUserOverTCP(t *testing.T) {
	f := startServer(t, testConfig())

	c := dialClient(t, f.srv.Addr())
	c.send(&wire.Message{
		Type: wire.TypeCreateUser,
		Body: &wire.ManagementMessage{Params: map[string]string{"pseudo": "alice"}},
	})

	reply := c.recv()
	require.Equal(t, wire.TypeCreateUser, reply.Type)
	params := reply.Body.(*wire.ManagementMessage)
	require.Equal(t, "1", params.StringParam("clientId"))
	require.Equal(t, "alice", params.StringParam("pseudo"))

	require.True(t, f.users.Has(1))
}

func TestServerPipelinedHandshakeAndFirstPacket(t *testing.T) {
	f := startServer(t, testConfig())

	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	c := &testClient{t: t, conn: conn}
	respBytes := c.answerOffer()

	encPkt := c.encrypt(&wire.Message{
		Type: wire.TypeCreateUser,
		Body: &wire.ManagementMessage{Params: map[string]string{"pseudo": "alice"}},
	})
	encBytes, err := encPkt.Marshal()
	require.NoError(t, err)

	// Handshake response and first encrypted packet in one write, with no
	// turnaround waiting for the server in between.
	_, err = conn.Write(append(respBytes, encBytes...))
	require.NoError(t, err)

	reply := c.recv()
	require.Equal(t, wire.TypeCreateUser, reply.Type)
	require.Equal(t, "1", reply.Body.(*wire.ManagementMessage).StringParam("clientId"))
	require.True(t, f.users.Has(1))
}

func TestServerClosesOnPlaintextAfterEstablishment(t *testing.T) {
	f := startServer(t, testConfig())

	c := dialClient(t, f.srv.Addr())

	// An unwrapped management packet on an established channel violates
	// the protocol.
	pkt, err := wire.Encode(&wire.Message{
		Type: wire.TypeCreateUser,
		Body: &wire.ManagementMessage{},
	})
	require.NoError(t, err)
	c.writePacket(pkt)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServerRelayBetweenClients(t *testing.T) {
	f := startServer(t, testConfig())

	// Two pre-registered mutual contacts reconnecting.
	f.users.Create(1, "alice")
	f.users.Create(2, "bob")
	f.users.AddContact(1, 2)
	f.users.AddContact(2, 1)

	alice := dialClient(t, f.srv.Addr())
	alice.send(&wire.Message{Type: wire.TypeConnectUser, From: 1, Body: &wire.ManagementMessage{}})
	require.Equal(t, wire.TypeConnectUser, alice.recv().Type)

	bob := dialClient(t, f.srv.Addr())
	bob.send(&wire.Message{Type: wire.TypeConnectUser, From: 2, Body: &wire.ManagementMessage{}})
	require.Equal(t, wire.TypeConnectUser, bob.recv().Type)

	alice.send(&wire.Message{
		Type: wire.TypeText,
		From: 1,
		To:   2,
		Body: &wire.TextMessage{MessageID: "m-1", Timestamp: 1700000000000, Content: "hello bob"},
	})

	ackMsg := alice.recv()
	require.Equal(t, wire.TypeMessageAck, ackMsg.Type)
	ack := ackMsg.Body.(*wire.AckMessage)
	require.Equal(t, wire.AckSent, ack.Status)
	require.Equal(t, "m-1", ack.AckedMessageID)

	relayed := bob.recv()
	require.Equal(t, wire.TypeText, relayed.Type)
	require.Equal(t, uint32(1), relayed.From)
	require.Equal(t, uint32(2), relayed.To)
	require.Equal(t, "hello bob", relayed.Body.(*wire.TextMessage).Content)
}

func TestServerQueuedDeliveryOnReconnect(t *testing.T) {
	f := startServer(t, testConfig())

	f.users.Create(1, "alice")
	f.users.Create(2, "bob")
	f.users.AddContact(1, 2)
	f.users.AddContact(2, 1)

	alice := dialClient(t, f.srv.Addr())
	alice.send(&wire.Message{Type: wire.TypeConnectUser, From: 1, Body: &wire.ManagementMessage{}})
	require.Equal(t, wire.TypeConnectUser, alice.recv().Type)

	// Bob is offline; the message queues.
	alice.send(&wire.Message{
		Type: wire.TypeText,
		From: 1,
		To:   2,
		Body: &wire.TextMessage{MessageID: "m-1", Timestamp: 1700000000000, Content: "while you were out"},
	})
	require.Equal(t, wire.TypeMessageAck, alice.recv().Type)

	bob := dialClient(t, f.srv.Addr())
	bob.send(&wire.Message{Type: wire.TypeConnectUser, From: 2, Body: &wire.ManagementMessage{}})

	// The connect reply and the queued message both arrive; queued traffic
	// enqueued before identification was framed in the clear.
	var sawReply, sawText bool
	for i := 0; i < 2; i++ {
		msg := bob.recv()
		switch msg.Type {
		case wire.TypeConnectUser:
			sawReply = true
		case wire.TypeText:
			sawText = true
			require.Equal(t, "while you were out", msg.Body.(*wire.TextMessage).Content)
		}
	}
	require.True(t, sawReply)
	require.True(t, sawText)
}

func TestServerRejectsSecondSessionForSameID(t *testing.T) {
	f := startServer(t, testConfig())
	f.users.Create(1, "alice")

	first := dialClient(t, f.srv.Addr())
	first.send(&wire.Message{Type: wire.TypeConnectUser, From: 1, Body: &wire.ManagementMessage{}})
	require.Equal(t, wire.TypeConnectUser, first.recv().Type)

	second := dialClient(t, f.srv.Addr())
	second.send(&wire.Message{Type: wire.TypeConnectUser, From: 1, Body: &wire.ManagementMessage{}})

	errMsg := second.recv()
	require.Equal(t, wire.TypeError, errMsg.Type)
	require.Equal(t, wire.ErrKindAlreadyConnected, errMsg.Body.(*wire.ErrorMessage).Kind)

	// The server closes the duplicate session.
	second.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := second.conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServerClosesOnPlaintextAfterHandshakeOffer(t *testing.T) {
	f := startServer(t, testConfig())

	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Consume the key offer, then violate the gate with a plaintext packet.
	head := make([]byte, wire.HeaderSize)
	_, err = io.ReadFull(conn, head)
	require.NoError(t, err)
	h, err := wire.ParseHeader(head)
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, h.Length))
	require.NoError(t, err)

	pkt, err := wire.Encode(&wire.Message{
		Type: wire.TypeCreateUser,
		Body: &wire.ManagementMessage{},
	})
	require.NoError(t, err)
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServerHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.KeyExchangeTimeout = 200 * time.Millisecond
	f := startServer(t, cfg)

	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Never answer the key offer; the server must hang up.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.Copy(io.Discard, conn)
	require.NoError(t, err)
}

func TestServerIdentifyTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdentifyTimeout = 200 * time.Millisecond
	f := startServer(t, cfg)

	c := dialClient(t, f.srv.Addr())

	// Handshake done but no CREATE_USER/CONNECT_USER follows.
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.Copy(io.Discard, c.conn)
	require.NoError(t, err)
}
