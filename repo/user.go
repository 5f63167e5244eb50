package repo

import (
	"time"

	"github.com/sirupsen/logrus"
)

// UserInfo is the stored state of a registered user. Instances handed out
// by Users are snapshots; mutate through the Users methods only.
type UserInfo struct {
	ID        uint32
	Username  string
	Contacts  map[uint32]struct{}
	LastLogin time.Time
	PublicKey []byte
}

// HasContact reports whether id is in the user's contact set.
func (u *UserInfo) HasContact(id uint32) bool {
	_, ok := u.Contacts[id]
	return ok
}

// ContactIDs returns the contact set as a slice, order unspecified.
func (u *UserInfo) ContactIDs() []uint32 {
	ids := make([]uint32, 0, len(u.Contacts))
	for id := range u.Contacts {
		ids = append(ids, id)
	}
	return ids
}

// clone returns a deep copy safe to mutate.
func (u *UserInfo) clone() *UserInfo {
	contacts := make(map[uint32]struct{}, len(u.Contacts))
	for id := range u.Contacts {
		contacts[id] = struct{}{}
	}
	cp := *u
	cp.Contacts = contacts
	return &cp
}

// Users is the user repository.
type Users struct {
	store *Store[*UserInfo]
}

// NewUsers creates an empty user repository.
func NewUsers() *Users {
	return &Users{store: NewStore[*UserInfo]()}
}

// Create registers a new user with the given id and username.
func (r *Users) Create(id uint32, username string) *UserInfo {
	u := &UserInfo{
		ID:        id,
		Username:  username,
		Contacts:  make(map[uint32]struct{}),
		LastLogin: time.Now(),
	}
	r.store.Put(id, u)

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"user_id":  id,
		"username": username,
	}).Info("User registered")

	return u
}

// Get returns the user snapshot for id.
func (r *Users) Get(id uint32) (*UserInfo, bool) {
	return r.store.Get(id)
}

// Has reports whether a user exists for id.
func (r *Users) Has(id uint32) bool {
	return r.store.Has(id)
}

// Delete removes the user for id.
func (r *Users) Delete(id uint32) {
	r.store.Delete(id)
}

// Len returns the number of registered users.
func (r *Users) Len() int {
	return r.store.Len()
}

// update applies fn to a copy of the stored user and swaps it in. Returns
// false when the user does not exist.
func (r *Users) update(id uint32, fn func(*UserInfo)) bool {
	_, ok := r.store.compute(id, func(old *UserInfo, loaded bool) (*UserInfo, bool) {
		if !loaded {
			return nil, true
		}
		cp := old.clone()
		fn(cp)
		return cp, false
	})
	return ok
}

// AddContact adds contactID to the user's contact set (one direction only).
func (r *Users) AddContact(id, contactID uint32) bool {
	return r.update(id, func(u *UserInfo) {
		u.Contacts[contactID] = struct{}{}
	})
}

// RemoveContact removes contactID from the user's contact set.
func (r *Users) RemoveContact(id, contactID uint32) bool {
	return r.update(id, func(u *UserInfo) {
		delete(u.Contacts, contactID)
	})
}

// IsContact reports whether contactID is in id's contact set.
func (r *Users) IsContact(id, contactID uint32) bool {
	u, ok := r.store.Get(id)
	return ok && u.HasContact(contactID)
}

// SetUsername replaces the user's pseudo.
func (r *Users) SetUsername(id uint32, username string) bool {
	return r.update(id, func(u *UserInfo) {
		u.Username = username
	})
}

// SetPublicKey records the user's long-term public key.
func (r *Users) SetPublicKey(id uint32, key []byte) bool {
	return r.update(id, func(u *UserInfo) {
		u.PublicKey = append([]byte(nil), key...)
	})
}

// Touch updates the user's last-login timestamp.
func (r *Users) Touch(id uint32, at time.Time) bool {
	return r.update(id, func(u *UserInfo) {
		u.LastLogin = at
	})
}
