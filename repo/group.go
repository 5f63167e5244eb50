package repo

import (
	"github.com/sirupsen/logrus"
)

// GroupInfo is the stored state of a group. The admin is always a member.
// Instances handed out by Groups are snapshots.
type GroupInfo struct {
	ID      uint32
	Name    string
	AdminID uint32
	Members map[uint32]struct{}
}

// HasMember reports whether id is a member of the group.
func (g *GroupInfo) HasMember(id uint32) bool {
	_, ok := g.Members[id]
	return ok
}

// MemberIDs returns the member set as a slice, order unspecified.
func (g *GroupInfo) MemberIDs() []uint32 {
	ids := make([]uint32, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	return ids
}

func (g *GroupInfo) clone() *GroupInfo {
	members := make(map[uint32]struct{}, len(g.Members))
	for id := range g.Members {
		members[id] = struct{}{}
	}
	cp := *g
	cp.Members = members
	return &cp
}

// Groups is the group repository.
type Groups struct {
	store *Store[*GroupInfo]
}

// NewGroups creates an empty group repository.
func NewGroups() *Groups {
	return &Groups{store: NewStore[*GroupInfo]()}
}

// Create registers a new group with adminID as sole member.
func (r *Groups) Create(id uint32, name string, adminID uint32) *GroupInfo {
	g := &GroupInfo{
		ID:      id,
		Name:    name,
		AdminID: adminID,
		Members: map[uint32]struct{}{adminID: {}},
	}
	r.store.Put(id, g)

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"group_id": id,
		"admin_id": adminID,
		"name":     name,
	}).Info("Group created")

	return g
}

// Get returns the group snapshot for id.
func (r *Groups) Get(id uint32) (*GroupInfo, bool) {
	return r.store.Get(id)
}

// Has reports whether a group exists for id.
func (r *Groups) Has(id uint32) bool {
	return r.store.Has(id)
}

// Delete removes the group for id.
func (r *Groups) Delete(id uint32) {
	r.store.Delete(id)
}

// Len returns the number of groups.
func (r *Groups) Len() int {
	return r.store.Len()
}

func (r *Groups) update(id uint32, fn func(*GroupInfo)) bool {
	_, ok := r.store.compute(id, func(old *GroupInfo, loaded bool) (*GroupInfo, bool) {
		if !loaded {
			return nil, true
		}
		cp := old.clone()
		fn(cp)
		return cp, false
	})
	return ok
}

// AddMember adds memberID to the group.
func (r *Groups) AddMember(id, memberID uint32) bool {
	return r.update(id, func(g *GroupInfo) {
		g.Members[memberID] = struct{}{}
	})
}

// RemoveMember removes memberID from the group. The admin cannot be
// removed; the group invariant keeps the admin a member.
func (r *Groups) RemoveMember(id, memberID uint32) bool {
	return r.update(id, func(g *GroupInfo) {
		if memberID != g.AdminID {
			delete(g.Members, memberID)
		}
	})
}

// IsMember reports whether memberID is a member of group id.
func (r *Groups) IsMember(id, memberID uint32) bool {
	g, ok := r.store.Get(id)
	return ok && g.HasMember(memberID)
}

// Rename replaces the group name.
func (r *Groups) Rename(id uint32, name string) bool {
	return r.update(id, func(g *GroupInfo) {
		g.Name = name
	})
}
