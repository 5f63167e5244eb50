// Package ident provides the monotonic id source for clients and groups.
//
// Client ids start at 1 (0 designates the server or an unidentified
// connection); group ids are allocated from a separate sequence starting at
// 10 so they never collide with early client ids.
package ident

import "sync/atomic"

const groupIDBase = 9

// Generator hands out monotonically increasing client and group ids. It is
// safe for concurrent use.
type Generator struct {
	client atomic.Uint32
	group  atomic.Uint32
}

// New creates a Generator with both sequences at their starting points.
func New() *Generator {
	g := &Generator{}
	g.group.Store(groupIDBase)
	return g
}

// NextClientID returns the next unused client id, starting at 1.
func (g *Generator) NextClientID() uint32 {
	return g.client.Add(1)
}

// NextGroupID returns the next unused group id, starting at 10.
func (g *Generator) NextGroupID() uint32 {
	return g.group.Add(1)
}
