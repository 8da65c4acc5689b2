// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slotmap

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// secondarySlot holds the value stored for a key index. version is the
// version of the key the value was inserted with, or 0 while vacant. Keys
// always carry odd versions, so a vacant slot never matches a key.
type secondarySlot[V any] struct {
	version uint32
	value   V
}

func (s *secondarySlot[V]) occupied() bool {
	return s.version != 0
}

// SecondaryMap associates values with keys produced by a primary container.
// It is indexed directly by the key's slot index and grows to cover the
// largest index inserted, regardless of how many keys it actually holds.
// Use a SparseSecondaryMap when only a small share of a primary container's
// keys carry data.
//
// A value is only returned for a key carrying the exact version it was
// inserted with. Inserting a newer key for the same slot replaces the value;
// inserting an older one is ignored.
//
// A SecondaryMap is NOT goroutine-safe.
type SecondaryMap[V any] struct {
	config
	slots []secondarySlot[V]
	len   int
}

// NewSecondary constructs a new SecondaryMap with room for keys with an
// index below initialCapacity.
func NewSecondary[V any](initialCapacity int, options ...option) *SecondaryMap[V] {
	m := &SecondaryMap[V]{config: makeConfig(options)}
	var err error
	m.slots, err = growSlice(&m.config, m.slots, initialCapacity)
	mustNotFail(err)
	return m
}

// Close releases the container's storage back to its configured allocator.
func (m *SecondaryMap[V]) Close() {
	freeSlice(&m.config, m.slots)
	m.slots = nil
	m.len = 0
}

// Len returns the number of elements in the map.
func (m *SecondaryMap[V]) Len() int {
	return m.len
}

// IsEmpty returns whether the map holds no elements.
func (m *SecondaryMap[V]) IsEmpty() bool {
	return m.len == 0
}

// Capacity returns the number of slots the map can address without growing.
func (m *SecondaryMap[V]) Capacity() int {
	return cap(m.slots)
}

// Reserve makes room for keys with an index below n without further
// allocation.
func (m *SecondaryMap[V]) Reserve(n int) {
	mustNotFail(m.TryReserve(n))
}

// TryReserve is like Reserve but returns an error instead of panicking.
func (m *SecondaryMap[V]) TryReserve(n int) error {
	var err error
	m.slots, err = growSlice(&m.config, m.slots, n)
	return err
}

// Insert associates value with k, returning the previous value if k already
// had one. Nothing is inserted for the null key or for a key older than the
// one currently stored for the same slot.
func (m *SecondaryMap[V]) Insert(k Key, value V) (prev V, ok bool) {
	prev, ok, err := m.TryInsert(k, value)
	mustNotFail(err)
	return prev, ok
}

// TryInsert is like Insert but returns an error if the map cannot grow to
// cover k's index.
func (m *SecondaryMap[V]) TryInsert(k Key, value V) (prev V, ok bool, err error) {
	// The zero Key carries a vacant version and is never stored.
	if k.IsNull() || k.version%2 == 0 {
		return prev, false, nil
	}
	if err := m.cover(k.idx); err != nil {
		return prev, false, err
	}
	s := &m.slots[k.idx]
	if s.version == k.version {
		prev, s.value = s.value, value
		return prev, true, nil
	}
	if s.occupied() {
		if IsOlderVersion(k.version, s.version) {
			return prev, false, nil
		}
	} else {
		m.len++
	}
	*s = secondarySlot[V]{version: k.version, value: value}
	return prev, false, nil
}

// cover extends the slots to include idx.
func (m *SecondaryMap[V]) cover(idx uint32) error {
	n := int(idx) + 1
	if n <= len(m.slots) {
		return nil
	}
	slots, err := growSlice(&m.config, m.slots, n)
	if err != nil {
		return err
	}
	if debug {
		fmt.Printf("secondary: extend %d->%d\n", len(slots), n)
	}
	m.slots = slots[:n]
	return nil
}

func (m *SecondaryMap[V]) find(k Key) *secondarySlot[V] {
	if uint64(k.idx) >= uint64(len(m.slots)) {
		return nil
	}
	s := &m.slots[k.idx]
	if !s.occupied() || s.version != k.version {
		return nil
	}
	return s
}

// Contains returns whether the map holds a value for k.
func (m *SecondaryMap[V]) Contains(k Key) bool {
	return m.find(k) != nil
}

// Get retrieves the value for k, returning ok=false if there is none.
func (m *SecondaryMap[V]) Get(k Key) (value V, ok bool) {
	if s := m.find(k); s != nil {
		return s.value, true
	}
	return value, false
}

// GetPtr returns a pointer to the value for k, or nil if there is none.
func (m *SecondaryMap[V]) GetPtr(k Key) *V {
	if s := m.find(k); s != nil {
		return &s.value
	}
	return nil
}

// GetOrInsert returns a pointer to the value for k, inserting value first if
// there is none. It returns nil for the null key and for a key older than the
// one stored for its slot.
func (m *SecondaryMap[V]) GetOrInsert(k Key, value V) *V {
	return m.GetOrInsertWith(k, func() V { return value })
}

// GetOrInsertWith is like GetOrInsert but only calls f if a value must be
// inserted.
func (m *SecondaryMap[V]) GetOrInsertWith(k Key, f func() V) *V {
	if p := m.GetPtr(k); p != nil {
		return p
	}
	if k.IsNull() || k.version%2 == 0 {
		return nil
	}
	m.Insert(k, f())
	return m.GetPtr(k)
}

// GetUnchecked returns the value for k without checking the version. The
// map must hold a value for k.
func (m *SecondaryMap[V]) GetUnchecked(k Key) V {
	return *m.GetPtrUnchecked(k)
}

// GetPtrUnchecked is the unchecked version of GetPtr. The map must hold a
// value for k.
func (m *SecondaryMap[V]) GetPtrUnchecked(k Key) *V {
	if invariants && m.find(k) == nil {
		panic(errors.AssertionFailedf("unchecked access with absent key %s", k))
	}
	return &makeUnsafeSlice(m.slots).At(uintptr(k.idx)).value
}

// Remove removes and returns the value for k, returning ok=false if there is
// none.
func (m *SecondaryMap[V]) Remove(k Key) (value V, ok bool) {
	s := m.find(k)
	if s == nil {
		return value, false
	}
	return m.vacate(s), true
}

// RemoveUnchecked removes and returns the value for k without checking the
// version. The map must hold a value for k.
func (m *SecondaryMap[V]) RemoveUnchecked(k Key) V {
	if invariants && m.find(k) == nil {
		panic(errors.AssertionFailedf("unchecked remove with absent key %s", k))
	}
	return m.vacate(&m.slots[k.idx])
}

func (m *SecondaryMap[V]) vacate(s *secondarySlot[V]) V {
	value := s.value
	*s = secondarySlot[V]{}
	m.len--
	return value
}

// Clear removes all elements while keeping the allocated storage.
func (m *SecondaryMap[V]) Clear() {
	m.Drain(func(Key, V) bool { return false })
}

// Drain removes all elements, calling yield with the key and value of each
// removed element until yield returns false. Elements are removed even after
// yield returns false.
func (m *SecondaryMap[V]) Drain(yield func(k Key, value V) bool) {
	for i := range m.slots {
		if s := &m.slots[i]; s.occupied() {
			k := Key{idx: uint32(i), version: s.version}
			value := m.vacate(s)
			if yield != nil && !yield(k, value) {
				yield = nil
			}
		}
	}
}

// Retain removes every element for which f returns false.
func (m *SecondaryMap[V]) Retain(f func(k Key, value *V) bool) {
	for i := range m.slots {
		if s := &m.slots[i]; s.occupied() {
			if !f(Key{idx: uint32(i), version: s.version}, &s.value) {
				m.vacate(s)
			}
		}
	}
}

// All calls yield sequentially for each key and value in the map, in index
// order. If yield returns false, All stops the iteration.
func (m *SecondaryMap[V]) All(yield func(k Key, value V) bool) {
	for i := range m.slots {
		if s := &m.slots[i]; s.occupied() {
			if !yield(Key{idx: uint32(i), version: s.version}, s.value) {
				return
			}
		}
	}
}

// AllPtr is like All but passes a pointer to each value.
func (m *SecondaryMap[V]) AllPtr(yield func(k Key, value *V) bool) {
	for i := range m.slots {
		if s := &m.slots[i]; s.occupied() {
			if !yield(Key{idx: uint32(i), version: s.version}, &s.value) {
				return
			}
		}
	}
}

// Keys calls yield for each key in the map.
func (m *SecondaryMap[V]) Keys(yield func(k Key) bool) {
	m.All(func(k Key, _ V) bool { return yield(k) })
}

// Values calls yield for each value in the map.
func (m *SecondaryMap[V]) Values(yield func(value V) bool) {
	m.All(func(_ Key, v V) bool { return yield(v) })
}
