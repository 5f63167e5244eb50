package handler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

// UserManagement implements user lifecycle and contact list operations:
// CREATE_USER, CONNECT_USER, UPDATE_PSEUDO, ADD_CONTACT, REMOVE_CONTACT.
type UserManagement struct {
	typeSet
	now func() time.Time
}

// NewUserManagement creates the user management handler.
func NewUserManagement() *UserManagement {
	return &UserManagement{
		typeSet: typeSet{
			wire.TypeCreateUser, wire.TypeConnectUser, wire.TypeUpdatePseudo,
			wire.TypeAddContact, wire.TypeRemoveContact,
		},
		now: time.Now,
	}
}

// Handle dispatches on the management operation type.
func (h *UserManagement) Handle(msg *wire.Message, ctx server.Context) error {
	body, ok := msg.Body.(*wire.ManagementMessage)
	if !ok {
		return fmt.Errorf("unexpected body %T for %s", msg.Body, msg.Type)
	}

	switch msg.Type {
	case wire.TypeCreateUser:
		return h.createUser(msg, body, ctx)
	case wire.TypeConnectUser:
		return h.connectUser(msg, body, ctx)
	case wire.TypeUpdatePseudo:
		return h.updatePseudo(msg, body, ctx)
	case wire.TypeAddContact:
		return h.addContact(msg, body, ctx)
	case wire.TypeRemoveContact:
		return h.removeContact(msg, body, ctx)
	default:
		return fmt.Errorf("unhandled management type %s", msg.Type)
	}
}

// createUser allocates a fresh id, registers the user and binds the
// originating connection to it. The reply mirrors the request type and
// carries the assigned id and pseudo.
func (h *UserManagement) createUser(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	id := ctx.NextClientID()

	pseudo := body.StringParam(paramPseudo)
	if pseudo == "" {
		pseudo = fmt.Sprintf("User%d", id)
	}

	ctx.Users().Create(id, pseudo)

	if err := ctx.Register(id); err != nil {
		// A freshly allocated id can only collide if the connection raced
		// its own registration; roll the user back, surface and drop the
		// connection.
		ctx.Users().Delete(id)
		_ = ctx.Reply(wire.NewErrorPacket(id, wire.LevelCritical, wire.ErrKindInternal, "registration failed"))
		ctx.CloseConnection()
		return fmt.Errorf("failed to register new user %d: %w", id, err)
	}

	reply, err := wire.Encode(&wire.Message{
		Type: wire.TypeCreateUser,
		From: 0,
		To:   id,
		Body: &wire.ManagementMessage{Params: map[string]string{
			paramClientID: strconv.FormatUint(uint64(id), 10),
			paramPseudo:   pseudo,
		}},
	})
	if err != nil {
		return err
	}
	return ctx.Send(reply)
}

// connectUser re-binds a returning client. Unknown ids and ids with an
// active session get an ERROR and the connection is closed.
func (h *UserManagement) connectUser(msg *wire.Message, _ *wire.ManagementMessage, ctx server.Context) error {
	id := msg.From

	user, ok := ctx.Users().Get(id)
	if !ok {
		_ = ctx.Reply(wire.NewErrorPacket(id, wire.LevelError, wire.ErrKindUserNotFound,
			fmt.Sprintf("no user with id %d", id)))
		ctx.CloseConnection()
		return nil
	}

	if err := ctx.Register(id); err != nil {
		if errors.Is(err, server.ErrAlreadyConnected) {
			_ = ctx.Reply(wire.NewErrorPacket(id, wire.LevelError, wire.ErrKindAlreadyConnected,
				fmt.Sprintf("id %d already connected", id)))
			ctx.CloseConnection()
			return nil
		}
		return err
	}

	ctx.Users().Touch(id, h.now())

	reply, err := wire.Encode(&wire.Message{
		Type: wire.TypeConnectUser,
		From: 0,
		To:   id,
		Body: &wire.ManagementMessage{Params: map[string]string{
			paramClientID: strconv.FormatUint(uint64(id), 10),
			paramPseudo:   user.Username,
		}},
	})
	if err != nil {
		return err
	}
	return ctx.Send(reply)
}

// updatePseudo renames the sender and notifies every currently-connected
// contact. Offline contacts are deliberately skipped: pseudo changes are
// presence-scoped, not queued.
func (h *UserManagement) updatePseudo(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	newPseudo := body.StringParam(paramNewPseudo)
	if newPseudo == "" {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Pseudo cannot be empty")
		return nil
	}

	user, ok := ctx.Users().Get(msg.From)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), reasonSenderNotRegistered)
		return nil
	}

	ctx.Users().SetUsername(msg.From, newPseudo)

	for _, contact := range user.ContactIDs() {
		if !ctx.IsConnected(contact) {
			continue
		}
		notice, err := wire.Encode(&wire.Message{
			Type: wire.TypeUpdatePseudo,
			From: 0,
			To:   contact,
			Body: &wire.ManagementMessage{Params: map[string]string{
				paramContactID: strconv.FormatUint(uint64(msg.From), 10),
				paramNewPseudo: newPseudo,
			}},
		})
		if err != nil {
			return err
		}
		if err := ctx.Send(notice); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "updatePseudo",
				"contact_id": contact,
				"error":      err.Error(),
			}).Error("Pseudo notification failed")
		}
	}
	return nil
}

// addContact adds the target to the sender's contact set (one-sided) and
// tells the target, when online, who added them.
func (h *UserManagement) addContact(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	target, ok := body.UintParam(paramContactID)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Missing contactId")
		return nil
	}

	sender, ok := ctx.Users().Get(msg.From)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), reasonSenderNotRegistered)
		return nil
	}
	if !ctx.Users().Has(target) {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Contact does not exist")
		return nil
	}

	ctx.Users().AddContact(msg.From, target)

	if ctx.IsConnected(target) {
		notice, err := wire.Encode(&wire.Message{
			Type: wire.TypeAddContact,
			From: 0,
			To:   target,
			Body: &wire.ManagementMessage{Params: map[string]string{
				paramContactID: strconv.FormatUint(uint64(msg.From), 10),
				paramPseudo:    sender.Username,
			}},
		})
		if err != nil {
			return err
		}
		return ctx.Send(notice)
	}
	return nil
}

// removeContact drops the target from the sender's contact set only; the
// reverse direction belongs to the peer.
func (h *UserManagement) removeContact(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	target, ok := body.UintParam(paramContactID)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Missing contactId")
		return nil
	}

	if !ctx.Users().IsContact(msg.From, target) {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Not a contact")
		return nil
	}

	ctx.Users().RemoveContact(msg.From, target)
	return nil
}
