package server

import (
	"fmt"

	"github.com/opd-ai/chatrelay/wire"
)

// Handler processes decoded messages of the types it declares.
type Handler interface {
	// Types lists every message type the handler registers for. The
	// router rejects registration when a type is already claimed.
	Types() []wire.MessageType

	// CanHandle reports whether the handler accepts messages of type t.
	CanHandle(t wire.MessageType) bool

	// Handle processes one message. Returned errors are logged by the
	// worker; they never tear down the dispatch loop.
	Handle(msg *wire.Message, ctx Context) error
}

// Router dispatches messages to the first registered handler that accepts
// their type.
type Router struct {
	handlers []Handler
	byType   map[wire.MessageType]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byType: make(map[wire.MessageType]Handler)}
}

// Register adds a handler, rejecting it when one of its types is already
// claimed by an earlier registration.
func (r *Router) Register(h Handler) error {
	for _, t := range h.Types() {
		if existing, ok := r.byType[t]; ok {
			return fmt.Errorf("message type %s already handled by %T", t, existing)
		}
	}
	for _, t := range h.Types() {
		r.byType[t] = h
	}
	r.handlers = append(r.handlers, h)
	return nil
}

// Dispatch invokes the first handler accepting the message type. A message
// with no handler is an error; the worker logs it.
func (r *Router) Dispatch(msg *wire.Message, ctx Context) error {
	for _, h := range r.handlers {
		if h.CanHandle(msg.Type) {
			return h.Handle(msg, ctx)
		}
	}
	return fmt.Errorf("no handler registered for message type %s", msg.Type)
}
