package server

import (
	"errors"

	"github.com/opd-ai/chatrelay/repo"
	"github.com/opd-ai/chatrelay/wire"
)

// ErrAlreadyConnected is returned by Register when the client id already
// has an active connection.
var ErrAlreadyConnected = errors.New("server: client id already connected")

// Context is the facade handed to handlers for each dispatched message. It
// binds the originating connection explicitly, so handlers never reach for
// shared mutable dispatch state.
type Context interface {
	// Users returns the user repository.
	Users() *repo.Users

	// Groups returns the group repository.
	Groups() *repo.Groups

	// NextClientID allocates a fresh client id.
	NextClientID() uint32

	// NextGroupID allocates a fresh group id.
	NextGroupID() uint32

	// Send enqueues the packet for the client in its To field.
	Send(p *wire.Packet) error

	// SendTo enqueues the packet for clientID, ignoring the To field.
	// Group fan-out uses this to keep the group id in the header.
	SendTo(p *wire.Packet, clientID uint32) error

	// Reply writes a packet directly to the originating connection,
	// bypassing the send queues. Only used before the connection is
	// identified, when no queue writer is attached yet.
	Reply(p *wire.Packet) error

	// Register binds the originating connection to clientID. Fails with
	// ErrAlreadyConnected when the id has an active connection.
	Register(clientID uint32) error

	// IsConnected reports whether clientID has an active connection.
	IsConnected(clientID uint32) bool

	// RemoveClient disconnects clientID and discards its send queue.
	RemoveClient(clientID uint32)

	// ClientID returns the originating connection's bound id, 0 if none.
	ClientID() uint32

	// CloseConnection closes the originating connection.
	CloseConnection()
}

// dispatchContext is the Context implementation bound to one dispatch.
type dispatchContext struct {
	srv  *Server
	conn *Conn
}

func (d *dispatchContext) Users() *repo.Users   { return d.srv.users }
func (d *dispatchContext) Groups() *repo.Groups { return d.srv.groups }
func (d *dispatchContext) NextClientID() uint32 { return d.srv.ids.NextClientID() }
func (d *dispatchContext) NextGroupID() uint32  { return d.srv.ids.NextGroupID() }

func (d *dispatchContext) Send(p *wire.Packet) error {
	return d.srv.send(p, p.To)
}

func (d *dispatchContext) SendTo(p *wire.Packet, clientID uint32) error {
	return d.srv.send(p, clientID)
}

func (d *dispatchContext) Reply(p *wire.Packet) error {
	return d.srv.replyDirect(d.conn, p)
}

func (d *dispatchContext) Register(clientID uint32) error {
	return d.srv.register(d.conn, clientID)
}

func (d *dispatchContext) IsConnected(clientID uint32) bool {
	_, ok := d.srv.clients.Load(clientID)
	return ok
}

func (d *dispatchContext) RemoveClient(clientID uint32) {
	d.srv.removeClient(clientID)
}

func (d *dispatchContext) ClientID() uint32 {
	return d.conn.ClientID()
}

func (d *dispatchContext) CloseConnection() {
	d.srv.closeConn(d.conn)
}
