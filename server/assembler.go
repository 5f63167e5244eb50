package server

import (
	"bytes"
	"fmt"
	"io"

	"github.com/opd-ai/chatrelay/wire"
)

// assembler accumulates stream bytes and extracts complete packets. It
// tolerates arbitrarily fragmented input: a packet fed one byte at a time
// is extracted exactly once, when its final byte arrives.
type assembler struct {
	buf     bytes.Buffer
	maxSize uint32
}

func newAssembler(maxSize int) *assembler {
	return &assembler{maxSize: uint32(maxSize)}
}

// feed appends data and returns every packet completed by it. A framing
// error invalidates the stream; the connection must be closed. Packets
// extracted before the error are still returned.
func (a *assembler) feed(data []byte) ([]*wire.Packet, error) {
	a.buf.Write(data)

	var packets []*wire.Packet
	for {
		if a.buf.Len() < wire.HeaderSize {
			return packets, nil
		}

		h, err := wire.ParseHeader(a.buf.Bytes()[:wire.HeaderSize])
		if err != nil {
			return packets, err
		}
		if h.Length > a.maxSize {
			return packets, fmt.Errorf("%w: payload length %d exceeds limit %d", wire.ErrMalformedHeader, h.Length, a.maxSize)
		}

		if a.buf.Len() < wire.HeaderSize+int(h.Length) {
			// partial packet, keep accumulating
			return packets, nil
		}

		frame := make([]byte, wire.HeaderSize+int(h.Length))
		if _, err := io.ReadFull(&a.buf, frame); err != nil {
			return packets, err
		}

		packets = append(packets, &wire.Packet{
			Type:    h.Type,
			From:    h.From,
			To:      h.To,
			Payload: frame[wire.HeaderSize:],
		})
	}
}
