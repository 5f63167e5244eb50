// Package repo provides the in-memory concurrent repositories for users and
// groups.
//
// Stored values are treated as immutable snapshots: every mutation replaces
// the stored pointer with an updated copy, so a value read by one handler is
// never modified underneath it by another.
package repo

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is a concurrent id-keyed repository.
type Store[V any] struct {
	m *xsync.MapOf[uint32, V]
}

// NewStore creates an empty Store.
func NewStore[V any]() *Store[V] {
	return &Store[V]{m: xsync.NewMapOf[uint32, V]()}
}

// Get returns the value for id, if present.
func (s *Store[V]) Get(id uint32) (V, bool) {
	return s.m.Load(id)
}

// Put stores or replaces the value for id.
func (s *Store[V]) Put(id uint32, v V) {
	s.m.Store(id, v)
}

// PutIfAbsent stores v only when no value exists for id, reporting whether
// it was stored.
func (s *Store[V]) PutIfAbsent(id uint32, v V) bool {
	_, loaded := s.m.LoadOrStore(id, v)
	return !loaded
}

// Delete removes the value for id.
func (s *Store[V]) Delete(id uint32) {
	s.m.Delete(id)
}

// Has reports whether a value exists for id.
func (s *Store[V]) Has(id uint32) bool {
	_, ok := s.m.Load(id)
	return ok
}

// Range calls fn for each entry until fn returns false.
func (s *Store[V]) Range(fn func(id uint32, v V) bool) {
	s.m.Range(fn)
}

// Len returns the number of stored entries.
func (s *Store[V]) Len() int {
	return s.m.Size()
}

// compute applies an atomic read-modify-write on the entry for id.
func (s *Store[V]) compute(id uint32, fn func(old V, loaded bool) (V, bool)) (V, bool) {
	return s.m.Compute(id, fn)
}
