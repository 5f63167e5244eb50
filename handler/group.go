package handler

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatrelay/repo"
	"github.com/opd-ai/chatrelay/server"
	"github.com/opd-ai/chatrelay/wire"
)

const (
	reasonGroupMissing = "Group does not exist"
	reasonNotAdmin     = "Sender is not the group admin"
)

// GroupManagement implements group lifecycle and membership operations.
// Every mutating operation except LEAVE_GROUP requires the sender to be
// the group admin.
type GroupManagement struct {
	typeSet
}

// NewGroupManagement creates the group management handler.
func NewGroupManagement() *GroupManagement {
	return &GroupManagement{
		typeSet: typeSet{
			wire.TypeCreateGroup, wire.TypeDeleteGroup, wire.TypeLeaveGroup,
			wire.TypeAddGroupMember, wire.TypeRemoveGroupMember, wire.TypeUpdateGroupName,
		},
	}
}

// Handle dispatches on the group operation type.
func (h *GroupManagement) Handle(msg *wire.Message, ctx server.Context) error {
	body, ok := msg.Body.(*wire.ManagementMessage)
	if !ok {
		return fmt.Errorf("unexpected body %T for %s", msg.Body, msg.Type)
	}

	switch msg.Type {
	case wire.TypeCreateGroup:
		return h.createGroup(msg, body, ctx)
	case wire.TypeAddGroupMember:
		return h.addMember(msg, body, ctx)
	case wire.TypeRemoveGroupMember:
		return h.removeMember(msg, body, ctx)
	case wire.TypeLeaveGroup:
		return h.leaveGroup(msg, body, ctx)
	case wire.TypeUpdateGroupName:
		return h.updateName(msg, body, ctx)
	case wire.TypeDeleteGroup:
		return h.deleteGroup(msg, body, ctx)
	default:
		return fmt.Errorf("unhandled group type %s", msg.Type)
	}
}

// adminGroup resolves the group named in the message and enforces the
// admin gate. A nil return means a FAILED ack was already sent.
func (h *GroupManagement) adminGroup(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) *repo.GroupInfo {
	gid, ok := body.UintParam(paramGroupID)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Missing groupId")
		return nil
	}

	group, ok := ctx.Groups().Get(gid)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), reasonGroupMissing)
		return nil
	}
	if group.AdminID != msg.From {
		sendFailedAck(ctx, msg.From, managementAckID(body), reasonNotAdmin)
		return nil
	}
	return group
}

// notifyMembers sends the same management notice to each listed member.
func (h *GroupManagement) notifyMembers(ctx server.Context, msgType wire.MessageType, members []uint32, params map[string]string) {
	for _, member := range members {
		notice, err := wire.Encode(&wire.Message{
			Type: msgType,
			From: 0,
			To:   member,
			Body: &wire.ManagementMessage{Params: params},
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "notifyMembers",
				"error":    err.Error(),
			}).Error("Failed to encode group notification")
			return
		}
		if err := ctx.Send(notice); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "notifyMembers",
				"member_id": member,
				"error":     err.Error(),
			}).Error("Group notification delivery failed")
		}
	}
}

// ackAdmin confirms a completed operation to its initiator.
func (h *GroupManagement) ackAdmin(ctx server.Context, msgType wire.MessageType, adminID uint32, params map[string]string) error {
	withAck := make(map[string]string, len(params)+1)
	for k, v := range params {
		withAck[k] = v
	}
	withAck[paramAck] = "true"

	reply, err := wire.Encode(&wire.Message{
		Type: msgType,
		From: 0,
		To:   adminID,
		Body: &wire.ManagementMessage{Params: withAck},
	})
	if err != nil {
		return err
	}
	return ctx.Send(reply)
}

func (h *GroupManagement) createGroup(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	name := body.StringParam(paramName)
	if name == "" {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Group name cannot be empty")
		return nil
	}
	if !ctx.Users().Has(msg.From) {
		sendFailedAck(ctx, msg.From, managementAckID(body), reasonSenderNotRegistered)
		return nil
	}

	gid := ctx.NextGroupID()
	ctx.Groups().Create(gid, name, msg.From)

	return h.ackAdmin(ctx, wire.TypeCreateGroup, msg.From, map[string]string{
		paramGroupID: strconv.FormatUint(uint64(gid), 10),
		paramName:    name,
	})
}

// addMember notifies current members, adds the member, sends the new
// member the full group state, then acks the admin.
func (h *GroupManagement) addMember(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	group := h.adminGroup(msg, body, ctx)
	if group == nil {
		return nil
	}

	newMember, ok := body.UintParam(paramNewMember)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Missing newMemberId")
		return nil
	}
	if !ctx.Users().Has(newMember) {
		sendFailedAck(ctx, msg.From, managementAckID(body), "New member does not exist")
		return nil
	}
	if newMember == group.AdminID {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Cannot add the group admin")
		return nil
	}
	if group.HasMember(newMember) {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Already a group member")
		return nil
	}

	gidStr := strconv.FormatUint(uint64(group.ID), 10)
	h.notifyMembers(ctx, wire.TypeAddGroupMember, group.MemberIDs(), map[string]string{
		paramGroupID:   gidStr,
		paramNewMember: strconv.FormatUint(uint64(newMember), 10),
	})

	ctx.Groups().AddMember(group.ID, newMember)

	// The joining client receives the complete group state so it can
	// materialize the conversation from scratch.
	state := map[string]string{
		paramGroupID: gidStr,
		paramAdminID: strconv.FormatUint(uint64(group.AdminID), 10),
		paramName:    group.Name,
	}
	members := append(group.MemberIDs(), newMember)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	for i, member := range members {
		state["member"+strconv.Itoa(i)] = strconv.FormatUint(uint64(member), 10)
	}

	stateMsg, err := wire.Encode(&wire.Message{
		Type: wire.TypeAddGroupMember,
		From: 0,
		To:   newMember,
		Body: &wire.ManagementMessage{Params: state},
	})
	if err != nil {
		return err
	}
	if err := ctx.Send(stateMsg); err != nil {
		return err
	}

	return h.ackAdmin(ctx, wire.TypeAddGroupMember, group.AdminID, map[string]string{
		paramGroupID:   gidStr,
		paramNewMember: strconv.FormatUint(uint64(newMember), 10),
	})
}

// removeMember notifies all members first (the removed member leaves upon
// receiving its own id back), then mutates the repository, then acks the
// admin.
func (h *GroupManagement) removeMember(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	group := h.adminGroup(msg, body, ctx)
	if group == nil {
		return nil
	}

	member, ok := body.UintParam(paramMemberID)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Missing memberId")
		return nil
	}
	if !group.HasMember(member) {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Not a group member")
		return nil
	}
	if member == group.AdminID {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Cannot remove the group admin")
		return nil
	}

	params := map[string]string{
		paramGroupID:  strconv.FormatUint(uint64(group.ID), 10),
		paramMemberID: strconv.FormatUint(uint64(member), 10),
	}
	h.notifyMembers(ctx, wire.TypeRemoveGroupMember, group.MemberIDs(), params)

	ctx.Groups().RemoveMember(group.ID, member)

	return h.ackAdmin(ctx, wire.TypeRemoveGroupMember, group.AdminID, params)
}

// leaveGroup lets any non-admin member leave; members are notified before
// the repository is updated and the leaver gets the ack.
func (h *GroupManagement) leaveGroup(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	gid, ok := body.UintParam(paramGroupID)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Missing groupId")
		return nil
	}

	group, ok := ctx.Groups().Get(gid)
	if !ok {
		sendFailedAck(ctx, msg.From, managementAckID(body), reasonGroupMissing)
		return nil
	}
	if !group.HasMember(msg.From) {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Not a group member")
		return nil
	}
	if msg.From == group.AdminID {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Admin cannot leave the group; delete it instead")
		return nil
	}

	params := map[string]string{
		paramGroupID:  strconv.FormatUint(uint64(gid), 10),
		paramMemberID: strconv.FormatUint(uint64(msg.From), 10),
	}

	var others []uint32
	for _, member := range group.MemberIDs() {
		if member != msg.From {
			others = append(others, member)
		}
	}
	h.notifyMembers(ctx, wire.TypeLeaveGroup, others, params)

	ctx.Groups().RemoveMember(gid, msg.From)

	return h.ackAdmin(ctx, wire.TypeLeaveGroup, msg.From, params)
}

func (h *GroupManagement) updateName(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	group := h.adminGroup(msg, body, ctx)
	if group == nil {
		return nil
	}

	name := body.StringParam(paramName)
	if name == "" {
		sendFailedAck(ctx, msg.From, managementAckID(body), "Group name cannot be empty")
		return nil
	}

	ctx.Groups().Rename(group.ID, name)

	params := map[string]string{
		paramGroupID: strconv.FormatUint(uint64(group.ID), 10),
		paramName:    name,
	}
	h.notifyMembers(ctx, wire.TypeUpdateGroupName, group.MemberIDs(), params)

	return h.ackAdmin(ctx, wire.TypeUpdateGroupName, group.AdminID, params)
}

func (h *GroupManagement) deleteGroup(msg *wire.Message, body *wire.ManagementMessage, ctx server.Context) error {
	group := h.adminGroup(msg, body, ctx)
	if group == nil {
		return nil
	}

	params := map[string]string{
		paramGroupID: strconv.FormatUint(uint64(group.ID), 10),
	}
	h.notifyMembers(ctx, wire.TypeDeleteGroup, group.MemberIDs(), params)

	ctx.Groups().Delete(group.ID)

	return h.ackAdmin(ctx, wire.TypeDeleteGroup, group.AdminID, params)
}
