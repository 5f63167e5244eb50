package server

import "sync"

// sendQueue is a per-client FIFO of framed outbound buffers. Any goroutine
// may push; only the writer loop of the currently attached connection pops.
// The queue outlives disconnection so a reconnecting client finds its
// pending traffic.
type sendQueue struct {
	mu    sync.Mutex
	bufs  [][]byte
	ready chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{ready: make(chan struct{}, 1)}
}

// push appends a framed buffer and signals the writer, if any.
func (q *sendQueue) push(buf []byte) {
	q.mu.Lock()
	q.bufs = append(q.bufs, buf)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop removes and returns the head buffer without blocking.
func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.bufs) == 0 {
		return nil, false
	}
	buf := q.bufs[0]
	q.bufs = q.bufs[1:]
	return buf, true
}

// len returns the number of queued buffers.
func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs)
}
