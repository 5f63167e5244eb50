package server

import (
	"net"
	"sync"
	"time"
)

// Conn is the server-side state of one client connection. Lifecycle:
// accepted, then encryption-established once the handshake completes, then
// identified once bound to a client id, then removed on close.
type Conn struct {
	serial      uint64
	nc          net.Conn
	connectedAt time.Time
	done        chan struct{}
	closeOnce   sync.Once

	mu         sync.Mutex
	clientID   uint32
	identified bool
	encrypted  bool
	kxTimer    *time.Timer
	idTimer    *time.Timer
}

// Serial returns the channel id assigned on accept.
func (c *Conn) Serial() uint64 {
	return c.serial
}

// ClientID returns the bound client id, or 0 while unidentified.
func (c *Conn) ClientID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Identified reports whether the connection has been bound to a client id.
func (c *Conn) Identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identified
}

// Encrypted reports whether the key exchange has completed.
func (c *Conn) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

func (c *Conn) bind(clientID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
	c.identified = true
	if c.idTimer != nil {
		c.idTimer.Stop()
	}
}

func (c *Conn) markEncrypted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encrypted = true
	if c.kxTimer != nil {
		c.kxTimer.Stop()
	}
}

func (c *Conn) setKeyExchangeTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kxTimer = t
}

func (c *Conn) setIdentifyTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idTimer = t
}

func (c *Conn) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kxTimer != nil {
		c.kxTimer.Stop()
	}
	if c.idTimer != nil {
		c.idTimer.Stop()
	}
}
