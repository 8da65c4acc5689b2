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

// Package slotmap implements generational-index containers: containers that
// hand out a Key when a value is inserted and use that key, rather than a
// pointer or a plain index, to refer to the value afterwards. Inserting,
// accessing and removing are all O(1).
//
// # Keys and versions
//
// Every container stores its values in an array of slots. A removed value
// leaves a vacant slot behind which is reused by a later insertion. To keep
// old keys from referring to the new value, each slot carries a version
// counter that is incremented on every insertion and every removal, and each
// key records the version of its slot at insertion time. A key is only valid
// while the two match. Occupied slots always have an odd version and vacant
// slots an even one, so the version doubles as the occupancy flag.
//
// After 2^31 removals and reinsertions into the same slot the version wraps
// around and a stale key could validate again. IsOlderVersion compares
// versions of the same slot taking the wrap around into account.
//
// Slot 0 of every primary container is a sentinel that never holds a value,
// and index math.MaxUint32 is reserved for the null key, so a container holds
// at most 2^32-2 elements.
//
// # Choosing a container
//
// A SlotMap is the fastest for insertion, access and removal. Iteration must
// visit every slot, including vacant ones, so it is proportional to the
// largest number of elements the map has ever held.
//
// A HopSlotMap keeps track of contiguous blocks of vacant slots so that
// iteration can hop over them, at the cost of roughly twice as slow insertion
// and removal. Access is as fast as with a SlotMap.
//
// A DenseSlotMap stores its values contiguously and uses its slots only to
// map keys to positions in the value array. Access goes through an extra
// indirection but iteration is as fast as iterating a slice.
//
// # Secondary maps
//
// A SecondaryMap and a SparseSecondaryMap associate additional data with the
// keys of a primary container. The caller provides the keys. A SecondaryMap
// is indexed directly by the key's slot index and may need as much memory as
// its primary container; a SparseSecondaryMap is backed by a hash table and
// only uses memory for the keys it holds, discarding entries whose key has
// been superseded by a newer version of the same slot.
//
// None of the containers are goroutine-safe.
package slotmap

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

const debug = false

// slot is an element of a SlotMap. While the version is odd the slot holds
// value. While it is even the slot is vacant, value is the zero value and
// nextFree is the index of the next vacant slot, or 0 at the end of the free
// list.
type slot[V any] struct {
	version  uint32
	nextFree uint32
	value    V
}

func (s *slot[V]) occupied() bool {
	return s.version%2 == 1
}

// SlotMap is a container that owns its values and returns a Key for each
// inserted value. See the package documentation for its characteristics.
//
// A SlotMap is NOT goroutine-safe.
type SlotMap[V any] struct {
	config
	// slots[0] is a sentinel that is never occupied.
	slots    []slot[V]
	freeHead uint32
	len      uint32
}

// New constructs a new SlotMap with room for initialCapacity elements before
// it needs to grow. The zero value of a SlotMap is not usable.
func New[V any](initialCapacity int, options ...option) *SlotMap[V] {
	m := &SlotMap[V]{config: makeConfig(options)}
	var err error
	m.slots, err = growSlice(&m.config, m.slots, initialCapacity+1)
	mustNotFail(err)
	m.slots = append(m.slots, slot[V]{})
	return m
}

// Close releases the container's storage back to its configured allocator.
// It is unnecessary to close a SlotMap using the default allocator. It is
// invalid to use a SlotMap after it has been closed, though Close itself is
// idempotent.
func (m *SlotMap[V]) Close() {
	freeSlice(&m.config, m.slots)
	m.slots = nil
	m.freeHead = 0
	m.len = 0
}

// Len returns the number of elements in the map.
func (m *SlotMap[V]) Len() int {
	return int(m.len)
}

// IsEmpty returns whether the map holds no elements.
func (m *SlotMap[V]) IsEmpty() bool {
	return m.len == 0
}

// Capacity returns the number of elements the map can hold without growing
// its storage.
func (m *SlotMap[V]) Capacity() int {
	return cap(m.slots) - 1
}

// Reserve makes room for at least additional more elements. It panics if the
// map would exceed its maximum length or the allocator fails.
func (m *SlotMap[V]) Reserve(additional int) {
	mustNotFail(m.TryReserve(additional))
}

// TryReserve is like Reserve but returns an error instead of panicking.
func (m *SlotMap[V]) TryReserve(additional int) error {
	if additional <= 0 {
		return nil
	}
	needed := uint64(m.len) + uint64(additional)
	if err := m.checkLen(needed); err != nil {
		return err
	}
	var err error
	m.slots, err = growSlice(&m.config, m.slots, int(needed)+1)
	return err
}

// Insert inserts value into the map and returns its key. It panics with
// ErrCapacityExceeded if the map is full, or with an error marked
// ErrAllocationFailed if the allocator refuses to grow the map.
func (m *SlotMap[V]) Insert(value V) Key {
	k, err := m.TryInsert(value)
	mustNotFail(err)
	return k
}

// TryInsert is like Insert but returns an error instead of panicking. On
// error the map is unchanged.
func (m *SlotMap[V]) TryInsert(value V) (Key, error) {
	return m.tryInsertWithKey(func(Key) V { return value })
}

// InsertWithKey inserts the value returned by f, which is passed the key the
// value will be stored under. f must not access the map; inserting from f
// panics. This allows storing a value that refers to its
// own key.
func (m *SlotMap[V]) InsertWithKey(f func(Key) V) Key {
	k, err := m.tryInsertWithKey(f)
	mustNotFail(err)
	return k
}

func (m *SlotMap[V]) tryInsertWithKey(f func(Key) V) (Key, error) {
	m.checkReentry()
	if err := m.checkLen(uint64(m.len) + 1); err != nil {
		return Key{}, err
	}

	if m.freeHead != 0 {
		idx := m.freeHead
		s := &m.slots[idx]
		k := Key{idx: idx, version: s.version | 1}
		value := callWithKey(&m.config, f, k)
		m.freeHead = s.nextFree
		s.nextFree = 0
		s.version = k.version
		s.value = value
		m.len++
		m.checkInvariants()
		return k, nil
	}

	slots, err := growSlice(&m.config, m.slots, len(m.slots)+1)
	if err != nil {
		return Key{}, err
	}
	m.slots = slots
	k := Key{idx: uint32(len(m.slots)), version: 1}
	m.slots = append(m.slots, slot[V]{version: 1, value: callWithKey(&m.config, f, k)})
	m.len++
	m.checkInvariants()
	return k, nil
}

// find returns the slot for k if k is valid, and nil otherwise.
func (m *SlotMap[V]) find(k Key) *slot[V] {
	if k.idx == 0 || uint64(k.idx) >= uint64(len(m.slots)) {
		return nil
	}
	s := &m.slots[k.idx]
	if s.version != k.version {
		return nil
	}
	return s
}

// Contains returns whether k is a valid key for the map.
func (m *SlotMap[V]) Contains(k Key) bool {
	return m.find(k) != nil
}

// Get retrieves the value for k, returning ok=false if the key is not valid.
func (m *SlotMap[V]) Get(k Key) (value V, ok bool) {
	if s := m.find(k); s != nil {
		return s.value, true
	}
	return value, false
}

// GetPtr returns a pointer to the value for k, or nil if the key is not
// valid. The pointer is invalidated by the next insertion or removal.
func (m *SlotMap[V]) GetPtr(k Key) *V {
	if s := m.find(k); s != nil {
		return &s.value
	}
	return nil
}

// GetDisjointPtrs returns pointers to the values of all keys, or nil if any
// key is invalid or two keys are equal.
func (m *SlotMap[V]) GetDisjointPtrs(keys ...Key) []*V {
	ptrs := make([]*V, len(keys))
	for i, k := range keys {
		s := m.find(k)
		if s == nil {
			return nil
		}
		for j := 0; j < i; j++ {
			if keys[j] == k {
				return nil
			}
		}
		ptrs[i] = &s.value
	}
	return ptrs
}

// GetUnchecked returns the value for k without checking the key's version.
// The key must be valid; otherwise the result is undefined.
func (m *SlotMap[V]) GetUnchecked(k Key) V {
	return *m.GetPtrUnchecked(k)
}

// GetPtrUnchecked is the unchecked version of GetPtr. The key must be valid;
// otherwise the result is undefined.
func (m *SlotMap[V]) GetPtrUnchecked(k Key) *V {
	if invariants && m.find(k) == nil {
		panic(errors.AssertionFailedf("unchecked access with invalid key %s", k))
	}
	return &makeUnsafeSlice(m.slots).At(uintptr(k.idx)).value
}

// Remove removes the value for k from the map and returns it. It returns
// ok=false if the key is not valid. After removal the key and all copies of
// it are permanently invalid.
func (m *SlotMap[V]) Remove(k Key) (value V, ok bool) {
	if m.find(k) == nil {
		return value, false
	}
	return m.removeFromSlot(k.idx), true
}

// RemoveUnchecked removes and returns the value for k without checking the
// key's version. The key must be valid; otherwise the behavior is undefined.
func (m *SlotMap[V]) RemoveUnchecked(k Key) V {
	if invariants && m.find(k) == nil {
		panic(errors.AssertionFailedf("unchecked remove with invalid key %s", k))
	}
	return m.removeFromSlot(k.idx)
}

func (m *SlotMap[V]) removeFromSlot(idx uint32) V {
	s := &m.slots[idx]
	value := s.value
	var zero V
	s.value = zero
	s.version++
	s.nextFree = m.freeHead
	m.freeHead = idx
	m.len--
	if debug {
		fmt.Printf("remove: idx=%d version=%d free-head=%d\n", idx, s.version, m.freeHead)
	}
	m.checkInvariants()
	return value
}

// Clear removes all elements, invalidating every key, while keeping the
// allocated storage.
func (m *SlotMap[V]) Clear() {
	m.Drain(func(Key, V) bool { return false })
}

// Drain removes all elements from the map, calling yield with the key and
// value of each removed element until yield returns false. Elements are
// removed even after yield returns false.
func (m *SlotMap[V]) Drain(yield func(k Key, value V) bool) {
	for i := uint32(1); i < uint32(len(m.slots)) && m.len > 0; i++ {
		if s := &m.slots[i]; s.occupied() {
			k := Key{idx: i, version: s.version}
			value := m.removeFromSlot(i)
			if yield != nil && !yield(k, value) {
				yield = nil
			}
		}
	}
}

// Retain removes every element for which f returns false. f may modify the
// value it is passed.
func (m *SlotMap[V]) Retain(f func(k Key, value *V) bool) {
	for i := uint32(1); i < uint32(len(m.slots)); i++ {
		if s := &m.slots[i]; s.occupied() {
			if !f(Key{idx: i, version: s.version}, &s.value) {
				m.removeFromSlot(i)
			}
		}
	}
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, All stops the iteration. The iteration order is the
// slot order. All visits every slot, occupied or not.
//
// The signature conforms to range-over-function iteration:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *SlotMap[V]) All(yield func(k Key, value V) bool) {
	for i := 1; i < len(m.slots); i++ {
		if s := &m.slots[i]; s.occupied() {
			if !yield(Key{idx: uint32(i), version: s.version}, s.value) {
				return
			}
		}
	}
}

// AllPtr is like All but passes a pointer to each value, which may be used
// to modify it in place.
func (m *SlotMap[V]) AllPtr(yield func(k Key, value *V) bool) {
	for i := 1; i < len(m.slots); i++ {
		if s := &m.slots[i]; s.occupied() {
			if !yield(Key{idx: uint32(i), version: s.version}, &s.value) {
				return
			}
		}
	}
}

// Keys calls yield for each key present in the map.
func (m *SlotMap[V]) Keys(yield func(k Key) bool) {
	m.All(func(k Key, _ V) bool { return yield(k) })
}

// Values calls yield for each value present in the map.
func (m *SlotMap[V]) Values(yield func(value V) bool) {
	m.All(func(_ Key, v V) bool { return yield(v) })
}

func (m *SlotMap[V]) checkInvariants() {
	if !invariants {
		return
	}
	if len(m.slots) == 0 || m.slots[0].occupied() {
		panic(errors.AssertionFailedf("sentinel slot missing or occupied"))
	}

	var occupied uint32
	for i := 1; i < len(m.slots); i++ {
		if m.slots[i].occupied() {
			occupied++
		}
	}
	if occupied != m.len {
		panic(errors.AssertionFailedf("len=%d, but found %d occupied slots\n%s",
			m.len, occupied, m.debugString()))
	}

	// Every vacant slot must be on the free list exactly once.
	var free uint32
	seen := make(map[uint32]struct{})
	for i := m.freeHead; i != 0; i = m.slots[i].nextFree {
		if _, ok := seen[i]; ok {
			panic(errors.AssertionFailedf("free list cycle at %d\n%s", i, m.debugString()))
		}
		seen[i] = struct{}{}
		if m.slots[i].occupied() {
			panic(errors.AssertionFailedf("occupied slot %d on free list\n%s", i, m.debugString()))
		}
		free++
	}
	if free+occupied != uint32(len(m.slots)-1) {
		panic(errors.AssertionFailedf("free=%d + occupied=%d != slots=%d\n%s",
			free, occupied, len(m.slots)-1, m.debugString()))
	}
}

func (m *SlotMap[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "len=%d free-head=%d\n", m.len, m.freeHead)
	for i := 1; i < len(m.slots); i++ {
		s := &m.slots[i]
		if s.occupied() {
			fmt.Fprintf(&buf, "  %d: v%d %v\n", i, s.version, s.value)
		} else {
			fmt.Fprintf(&buf, "  %d: v%d vacant next=%d\n", i, s.version, s.nextFree)
		}
	}
	return buf.String()
}
