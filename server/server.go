// Package server implements the relay server's connection manager: the
// accept loop, per-connection framing and state, the sharded worker pool,
// per-client send queues, and the handler dispatch context.
//
// The original selector-loop design maps onto one reader goroutine per
// connection plus one writer goroutine per attached send queue; the
// ordering guarantees are unchanged: reads from one socket are serialized,
// packets from one sender dispatch to a single worker shard in receive
// order, and each recipient queue is a FIFO drained by a single writer.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/crypto"
	"github.com/opd-ai/chatrelay/ident"
	"github.com/opd-ai/chatrelay/repo"
	"github.com/opd-ai/chatrelay/wire"
)

// Server owns all connection state and socket I/O.
type Server struct {
	cfg    Config
	users  *repo.Users
	groups *repo.Groups
	ids    *ident.Generator
	crypto *crypto.Service
	router *Router

	serials atomic.Uint64
	active  *xsync.MapOf[uint64, *Conn] // serial -> conn
	clients *xsync.MapOf[uint32, *Conn] // client id -> conn
	queues  *xsync.MapOf[uint32, *sendQueue]

	pool   *workerPool
	ln     net.Listener
	lnMu   sync.Mutex
	connWG sync.WaitGroup
}

// New creates a Server. Call Serve to start accepting connections.
func New(cfg Config, users *repo.Users, groups *repo.Groups, ids *ident.Generator, cryptoSvc *crypto.Service, router *Router) *Server {
	return &Server{
		cfg:     cfg,
		users:   users,
		groups:  groups,
		ids:     ids,
		crypto:  cryptoSvc,
		router:  router,
		active:  xsync.NewMapOf[uint64, *Conn](),
		clients: xsync.NewMapOf[uint32, *Conn](),
		queues:  xsync.NewMapOf[uint32, *sendQueue](),
	}
}

// Listen binds the TCP listener. Serve calls it implicitly; tests call it
// directly to learn the bound address before serving.
func (s *Server) Listen() error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()

	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	s.ln = ln

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     ln.Addr().String(),
		"workers":  s.cfg.WorkerThreads,
	}).Info("Relay server listening")

	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then drains workers and
// closes every open socket. It satisfies suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.pool = newWorkerPool(s.cfg.WorkerThreads, s.process)

	// Cancellation unblocks Accept by closing the listener.
	stopDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.lnMu.Lock()
			s.ln.Close()
			s.lnMu.Unlock()
		case <-stopDone:
		}
	}()

	var acceptErr error
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept failed: %w", err)
			}
			break
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(conn)
		}()
	}
	close(stopDone)

	// Shutdown: sockets first, then the pool once no reader can submit.
	s.active.Range(func(_ uint64, c *Conn) bool {
		s.closeConn(c)
		return true
	})
	s.connWG.Wait()
	s.pool.stop()

	s.lnMu.Lock()
	s.ln.Close()
	s.ln = nil
	s.lnMu.Unlock()

	if acceptErr != nil {
		return acceptErr
	}
	return ctx.Err()
}

// handleConn runs the lifecycle of one accepted socket: initiate the key
// exchange, arm the handshake timeout, then frame inbound bytes until the
// connection dies.
func (s *Server) handleConn(nc net.Conn) {
	serial := s.serials.Add(1)
	c := &Conn{
		serial:      serial,
		nc:          nc,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	s.active.Store(serial, c)
	metricConnectionsAccepted.Inc()
	metricConnectionsActive.Inc()

	logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"channel":  serial,
		"remote":   nc.RemoteAddr().String(),
	}).Debug("Connection accepted")

	kxPkt, err := s.crypto.InitiateKeyExchange(serial)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"channel":  serial,
			"error":    err.Error(),
		}).Error("Failed to initiate key exchange")
		s.closeConn(c)
		return
	}

	// The handshake packet is written synchronously and in the clear.
	data, err := kxPkt.Marshal()
	if err == nil {
		_, err = nc.Write(data)
	}
	if err != nil {
		s.closeConn(c)
		return
	}

	c.setKeyExchangeTimer(time.AfterFunc(s.cfg.KeyExchangeTimeout, func() {
		if !c.Encrypted() {
			s.logTimeout(c, "key exchange")
			s.closeConn(c)
		}
	}))

	s.readLoop(c)
}

// readLoop drains the socket and submits every completed packet for
// dispatch. Framing errors and handshake-gate violations close only this
// connection.
func (s *Server) readLoop(c *Conn) {
	defer s.closeConn(c)

	buf := make([]byte, s.cfg.ReadBufferSize)
	asm := newAssembler(s.cfg.MaxMessageSize)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			packets, ferr := asm.feed(buf[:n])
			for _, pkt := range packets {
				if !s.acceptPacket(c, pkt) {
					return
				}
			}
			if ferr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"channel":  c.serial,
					"error":    ferr.Error(),
				}).Warn("Framing error, closing connection")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// acceptPacket applies the handshake gate and decryption, then submits the
// packet to the worker pool. Returns false when the connection must close.
//
// The handshake response is completed here, on the reader goroutine, not on
// a worker: a client may pipeline its first encrypted packet immediately
// behind the response, and that packet cannot be unwrapped until the session
// exists.
func (s *Server) acceptPacket(c *Conn, pkt *wire.Packet) bool {
	metricPacketsReceived.Inc()

	if !c.Encrypted() {
		if pkt.Type != wire.TypeServerKeyExchangeResponse {
			logrus.WithFields(logrus.Fields{
				"function":    "acceptPacket",
				"channel":     c.serial,
				"packet_type": pkt.Type.String(),
			}).Warn("Packet before handshake completion, closing connection")
			return false
		}
		return s.completeHandshake(c, pkt)
	}

	switch pkt.Type {
	case wire.TypeEncrypted:
		dec, err := s.crypto.DecryptIncoming(c.serial, pkt)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "acceptPacket",
				"channel":  c.serial,
				"error":    err.Error(),
			}).Warn("Decryption failed, closing connection")
			return false
		}
		pkt = dec
	case wire.TypeKeyExchange, wire.TypeKeyExchangeResponse:
		// Peer-to-peer key material is relayed in the clear.
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "acceptPacket",
			"channel":     c.serial,
			"packet_type": pkt.Type.String(),
		}).Warn("Plaintext packet on encrypted channel, closing connection")
		return false
	}

	s.pool.submit(c.serial, job{conn: c, pkt: pkt})
	return true
}

// completeHandshake derives the session key from the client's response and
// opens the identification window. Returns false when the derivation fails;
// the connection must close.
func (s *Server) completeHandshake(c *Conn, pkt *wire.Packet) bool {
	if !s.crypto.HandleKeyExchangeResponse(c.serial, pkt) {
		logrus.WithFields(logrus.Fields{
			"function": "completeHandshake",
			"channel":  c.serial,
		}).Warn("Key exchange failed, closing connection")
		return false
	}

	c.markEncrypted()

	c.setIdentifyTimer(time.AfterFunc(s.cfg.IdentifyTimeout, func() {
		if !c.Identified() {
			s.logTimeout(c, "identification")
			s.closeConn(c)
		}
	}))

	return true
}

// process decodes a packet and dispatches it on a worker. Malformed or
// unknown-type packets close the connection; handler errors are logged and
// swallowed.
func (s *Server) process(j job) {
	msg, err := wire.Decode(j.pkt)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "process",
			"channel":     j.conn.serial,
			"packet_type": j.pkt.Type.String(),
			"error":       err.Error(),
		}).Warn("Undecodable packet, closing connection")
		s.closeConn(j.conn)
		return
	}

	ctx := &dispatchContext{srv: s, conn: j.conn}
	if err := s.router.Dispatch(msg, ctx); err != nil {
		metricHandlerFailures.Inc()
		logrus.WithFields(logrus.Fields{
			"function":     "process",
			"channel":      j.conn.serial,
			"message_type": msg.Type.String(),
			"error":        err.Error(),
		}).Error("Handler failed")
	}
}

// register binds a connection to a client id, enforcing at most one active
// session per id, and attaches a writer to the client's send queue.
func (s *Server) register(c *Conn, clientID uint32) error {
	if _, loaded := s.clients.LoadOrStore(clientID, c); loaded {
		return ErrAlreadyConnected
	}

	c.bind(clientID)

	q := s.queue(clientID)
	go s.writeLoop(c, q)

	logrus.WithFields(logrus.Fields{
		"function":  "register",
		"channel":   c.serial,
		"client_id": clientID,
		"pending":   q.len(),
	}).Info("Connection identified")

	return nil
}

// queue returns the send queue for clientID, creating it on first use.
func (s *Server) queue(clientID uint32) *sendQueue {
	q, _ := s.queues.LoadOrCompute(clientID, newSendQueue)
	return q
}

// send encrypts (when the recipient's session is established), frames and
// enqueues a packet for clientID. The queue is created even when the
// client is offline so a later connection picks the traffic up.
func (s *Server) send(pkt *wire.Packet, clientID uint32) error {
	out := pkt
	if s.crypto.ShouldEncrypt(pkt.Type) {
		if rc, ok := s.clients.Load(clientID); ok && s.crypto.Established(rc.serial) {
			enc, err := s.crypto.EncryptOutgoing(rc.serial, pkt)
			if err != nil {
				return fmt.Errorf("failed to encrypt for client %d: %w", clientID, err)
			}
			out = enc
		}
	}

	data, err := out.Marshal()
	if err != nil {
		return err
	}

	s.queue(clientID).push(data)
	metricPacketsSent.Inc()
	switch pkt.Type {
	case wire.TypeText, wire.TypeMedia, wire.TypeReaction:
		metricMessagesRelayed.Inc()
	}
	return nil
}

// replyDirect writes a packet straight to a connection's socket. It is the
// delivery path for connections that have no bound client id yet; an
// identified connection's traffic goes through its send queue instead.
func (s *Server) replyDirect(c *Conn, pkt *wire.Packet) error {
	out := pkt
	if s.crypto.ShouldEncrypt(pkt.Type) && s.crypto.Established(c.serial) {
		enc, err := s.crypto.EncryptOutgoing(c.serial, pkt)
		if err != nil {
			return err
		}
		out = enc
	}

	data, err := out.Marshal()
	if err != nil {
		return err
	}

	_, err = c.nc.Write(data)
	if err == nil {
		metricPacketsSent.Inc()
	}
	return err
}

// writeLoop drains the queue onto the connection until either dies. Only
// one writer is ever attached to a queue at a time because registration is
// exclusive per client id.
func (s *Server) writeLoop(c *Conn, q *sendQueue) {
	for {
		buf, ok := q.pop()
		if !ok {
			select {
			case <-q.ready:
				continue
			case <-c.done:
				return
			}
		}

		if _, err := c.nc.Write(buf); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "writeLoop",
				"channel":  c.serial,
				"error":    err.Error(),
			}).Debug("Write failed, closing connection")
			s.closeConn(c)
			return
		}
	}
}

// closeConn tears down a connection: socket, timers, crypto material and
// the connected-clients binding. The send queue survives until
// removeClient so a reconnecting client keeps its pending packets.
func (s *Server) closeConn(c *Conn) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.stopTimers()
		c.nc.Close()
		s.active.Delete(c.serial)
		s.crypto.OnConnectionClosed(c.serial)

		if id := c.ClientID(); id != 0 {
			// Unbind only if this connection still owns the id; a
			// reconnected session must not be evicted.
			s.clients.Compute(id, func(old *Conn, loaded bool) (*Conn, bool) {
				if loaded && old == c {
					return nil, true
				}
				return old, !loaded
			})
		}
		metricConnectionsActive.Dec()

		logrus.WithFields(logrus.Fields{
			"function":  "closeConn",
			"channel":   c.serial,
			"client_id": c.ClientID(),
		}).Debug("Connection closed")
	})
}

// removeClient fully forgets a client: active connection and queued
// traffic.
func (s *Server) removeClient(clientID uint32) {
	if c, ok := s.clients.LoadAndDelete(clientID); ok {
		s.closeConn(c)
	}
	s.queues.Delete(clientID)
}

func (s *Server) logTimeout(c *Conn, what string) {
	logrus.WithFields(logrus.Fields{
		"function": "timeout",
		"channel":  c.serial,
		"timeout":  what,
		"age":      time.Since(c.connectedAt).String(),
	}).Warn("Closing connection on timeout")
}
