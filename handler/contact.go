package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// PendingRequestTTL is how long an unanswered contact request is kept
// before the sweeper discards it.
const PendingRequestTTL = 7 * 24 * time.Hour

// pendingRequest tracks an unanswered contact request.
type pendingRequest struct {
	RequestID  string
	SenderID   uint32
	ReceiverID uint32
	Timestamp  time.Time
}

// ContactRequests mediates the contact request/response exchange between
// two clients and records the pending state in between. It also implements
// suture.Service: Serve sweeps expired requests periodically.
type ContactRequests struct {
	typeSet
	pending       *xsync.MapOf[string, *pendingRequest]
	sweepInterval time.Duration
	now           func() time.Time
}

// NewContactRequests creates the contact request handler. sweepInterval
// controls how often Serve discards expired requests.
func NewContactRequests(sweepInterval time.Duration) *ContactRequests {
	return &ContactRequests{
		typeSet:       typeSet{wire.TypeContactRequest, wire.TypeContactRequestResponse},
		pending:       xsync.NewMapOf[string, *pendingRequest](),
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
}

// Handle processes a request or a response.
func (h *ContactRequests) Handle(msg *wire.Message, ctx server.Context) error {
	switch body := msg.Body.(type) {
	case *wire.ContactRequestMessage:
		return h.handleRequest(msg, body, ctx)
	case *wire.ContactRequestResponseMessage:
		return h.handleResponse(msg, body, ctx)
	default:
		return fmt.Errorf("unexpected body %T for contact request", msg.Body)
	}
}

func (h *ContactRequests) handleRequest(msg *wire.Message, req *wire.ContactRequestMessage, ctx server.Context) error {
	if msg.From == msg.To {
		sendFailedAck(ctx, msg.From, req.RequestID, "Cannot send a contact request to yourself")
		return nil
	}
	if !ctx.Users().Has(msg.From) {
		sendFailedAck(ctx, msg.From, req.RequestID, reasonSenderNotRegistered)
		return nil
	}
	if !ctx.Users().Has(msg.To) {
		sendFailedAck(ctx, msg.From, req.RequestID, reasonRecipientMissing)
		return nil
	}
	if ctx.Users().IsContact(msg.From, msg.To) || ctx.Users().IsContact(msg.To, msg.From) {
		sendFailedAck(ctx, msg.From, req.RequestID, "Already contacts")
		return nil
	}

	h.pending.Store(req.RequestID, &pendingRequest{
		RequestID:  req.RequestID,
		SenderID:   msg.From,
		ReceiverID: msg.To,
		Timestamp:  h.now(),
	})

	pkt, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to re-encode contact request: %w", err)
	}
	return ctx.Send(pkt)
}

// handleResponse matches a response to its stored request: the responder
// must be the stored receiver and the response target the stored sender.
func (h *ContactRequests) handleResponse(msg *wire.Message, resp *wire.ContactRequestResponseMessage, ctx server.Context) error {
	p, ok := h.pending.Load(resp.RequestID)
	if !ok {
		sendFailedAck(ctx, msg.From, resp.RequestID, "Unknown contact request")
		return nil
	}
	if msg.From != p.ReceiverID || msg.To != p.SenderID {
		sendFailedAck(ctx, msg.From, resp.RequestID, "Contact request mismatch")
		return nil
	}

	h.pending.Delete(resp.RequestID)

	if resp.Accepted {
		ctx.Users().AddContact(p.SenderID, p.ReceiverID)
		ctx.Users().AddContact(p.ReceiverID, p.SenderID)
	}

	pkt, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to re-encode contact response: %w", err)
	}
	return ctx.Send(pkt)
}

// Sweep discards pending requests older than PendingRequestTTL, returning
// how many were removed.
func (h *ContactRequests) Sweep() int {
	cutoff := h.now().Add(-PendingRequestTTL)

	removed := 0
	h.pending.Range(func(id string, p *pendingRequest) bool {
		if p.Timestamp.Before(cutoff) {
			h.pending.Delete(id)
			removed++
		}
		return true
	})

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"removed":  removed,
		}).Info("Swept expired contact requests")
	}
	return removed
}

// PendingCount returns the number of unanswered requests.
func (h *ContactRequests) PendingCount() int {
	return h.pending.Size()
}

// Serve runs the periodic sweep until ctx is cancelled.
func (h *ContactRequests) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
