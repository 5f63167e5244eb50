package repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutIfAbsent(t *testing.T) {
	s := NewStore[string]()

	assert.True(t, s.PutIfAbsent(1, "a"))
	assert.False(t, s.PutIfAbsent(1, "b"))

	v, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestUsersContacts(t *testing.T) {
	users := NewUsers()
	users.Create(1, "alice")
	users.Create(2, "bob")

	assert.False(t, users.IsContact(1, 2))
	assert.True(t, users.AddContact(1, 2))
	assert.True(t, users.IsContact(1, 2))
	// one-sided: bob did not add alice
	assert.False(t, users.IsContact(2, 1))

	assert.True(t, users.RemoveContact(1, 2))
	assert.False(t, users.IsContact(1, 2))

	assert.False(t, users.AddContact(99, 1), "unknown user")
}

func TestUsersSnapshotIsolation(t *testing.T) {
	users := NewUsers()
	users.Create(1, "alice")

	snap, ok := users.Get(1)
	require.True(t, ok)

	users.AddContact(1, 2)
	users.SetUsername(1, "ali")

	// the earlier snapshot is unchanged
	assert.Equal(t, "alice", snap.Username)
	assert.False(t, snap.HasContact(2))

	fresh, _ := users.Get(1)
	assert.Equal(t, "ali", fresh.Username)
	assert.True(t, fresh.HasContact(2))
}

func TestUsersTouch(t *testing.T) {
	users := NewUsers()
	users.Create(1, "alice")

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, users.Touch(1, at))

	u, _ := users.Get(1)
	assert.Equal(t, at, u.LastLogin)
}

func TestGroupsMembership(t *testing.T) {
	groups := NewGroups()
	g := groups.Create(10, "g", 1)

	assert.True(t, g.HasMember(1), "admin is always a member")
	assert.True(t, groups.AddMember(10, 2))
	assert.True(t, groups.IsMember(10, 2))

	assert.True(t, groups.RemoveMember(10, 2))
	assert.False(t, groups.IsMember(10, 2))

	// admin cannot be removed through RemoveMember
	groups.RemoveMember(10, 1)
	assert.True(t, groups.IsMember(10, 1))

	assert.True(t, groups.Rename(10, "renamed"))
	fresh, _ := groups.Get(10)
	assert.Equal(t, "renamed", fresh.Name)

	groups.Delete(10)
	assert.False(t, groups.Has(10))
}
