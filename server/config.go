package server

import (
	"runtime"
	"time"

	"github.com/opd-ai/chatrelay/wire"
)

// Config holds the tunable parameters of the relay server.
type Config struct {
	// Port is the TCP listen port.
	Port int

	// WorkerThreads is the number of packet-processing workers.
	WorkerThreads int

	// IdentifyTimeout is how long a connection may stay unidentified after
	// its key exchange completes before it is closed.
	IdentifyTimeout time.Duration

	// KeyExchangeTimeout is how long a connection may take to complete the
	// handshake before it is closed.
	KeyExchangeTimeout time.Duration

	// MaxMessageSize caps the payload length of inbound packets.
	MaxMessageSize int

	// ReadBufferSize is the size of the per-connection read buffer.
	ReadBufferSize int

	// SweepInterval is how often expired pending contact requests are swept.
	SweepInterval time.Duration

	// MetricsAddr, when non-empty, is the listen address of the Prometheus
	// metrics endpoint.
	MetricsAddr string

	// CipherSuite selects the session cipher ("secretbox" or "xor").
	CipherSuite string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	return Config{
		Port:               1666,
		WorkerThreads:      workers,
		IdentifyTimeout:    time.Second,
		KeyExchangeTimeout: 5 * time.Second,
		MaxMessageSize:     wire.MaxMessageSize,
		ReadBufferSize:     4096,
		SweepInterval:      time.Hour,
		CipherSuite:        "secretbox",
	}
}
