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
	"strings"

	"github.com/cockroachdb/errors"
)

// denseSlot maps a key index to a position in the dense array. While the
// version is odd idxOrFree is that position; while it is even idxOrFree is
// the next vacant slot, or 0 at the end of the free list.
type denseSlot struct {
	version   uint32
	idxOrFree uint32
}

func (s denseSlot) occupied() bool {
	return s.version%2 == 1
}

// denseEntry is an element of the dense array. key.idx points back at the
// slot referring to this entry.
type denseEntry[V any] struct {
	key   Key
	value V
}

// DenseSlotMap is a SlotMap variant that stores its values contiguously. The
// slots only hold the position of each value in the dense array, and removal
// moves the last value into the hole it leaves. Access is slower than with a
// SlotMap because of the extra indirection, but iteration is a plain scan of
// the values without gaps.
//
// A DenseSlotMap is NOT goroutine-safe.
type DenseSlotMap[V any] struct {
	config
	// slots[0] is a sentinel that is never occupied.
	slots    []denseSlot
	entries  []denseEntry[V]
	freeHead uint32
}

// NewDense constructs a new DenseSlotMap with room for initialCapacity
// elements.
func NewDense[V any](initialCapacity int, options ...option) *DenseSlotMap[V] {
	m := &DenseSlotMap[V]{config: makeConfig(options)}
	mustNotFail(m.grow(initialCapacity))
	m.slots = append(m.slots, denseSlot{})
	return m
}

// grow makes room for n elements in both arrays.
func (m *DenseSlotMap[V]) grow(n int) error {
	slots, err := growSlice(&m.config, m.slots, n+1)
	if err != nil {
		return err
	}
	m.slots = slots
	entries, err := growSlice(&m.config, m.entries, n)
	if err != nil {
		return err
	}
	m.entries = entries
	return nil
}

// Close releases the container's storage back to its configured allocator.
func (m *DenseSlotMap[V]) Close() {
	freeSlice(&m.config, m.slots)
	freeSlice(&m.config, m.entries)
	m.slots = nil
	m.entries = nil
	m.freeHead = 0
}

// Len returns the number of elements in the map.
func (m *DenseSlotMap[V]) Len() int {
	return len(m.entries)
}

// IsEmpty returns whether the map holds no elements.
func (m *DenseSlotMap[V]) IsEmpty() bool {
	return len(m.entries) == 0
}

// Capacity returns the number of elements the map can hold without growing
// its storage.
func (m *DenseSlotMap[V]) Capacity() int {
	return min(cap(m.slots)-1, cap(m.entries))
}

// Reserve makes room for at least additional more elements.
func (m *DenseSlotMap[V]) Reserve(additional int) {
	mustNotFail(m.TryReserve(additional))
}

// TryReserve is like Reserve but returns an error instead of panicking.
func (m *DenseSlotMap[V]) TryReserve(additional int) error {
	if additional <= 0 {
		return nil
	}
	needed := uint64(len(m.entries)) + uint64(additional)
	if err := m.checkLen(needed); err != nil {
		return err
	}
	return m.grow(int(needed))
}

// Insert inserts value into the map and returns its key.
func (m *DenseSlotMap[V]) Insert(value V) Key {
	k, err := m.TryInsert(value)
	mustNotFail(err)
	return k
}

// TryInsert is like Insert but returns an error instead of panicking.
func (m *DenseSlotMap[V]) TryInsert(value V) (Key, error) {
	return m.tryInsertWithKey(func(Key) V { return value })
}

// InsertWithKey inserts the value returned by f, which is passed the key the
// value will be stored under. f must not access the map; inserting from f
// panics.
func (m *DenseSlotMap[V]) InsertWithKey(f func(Key) V) Key {
	k, err := m.tryInsertWithKey(f)
	mustNotFail(err)
	return k
}

func (m *DenseSlotMap[V]) tryInsertWithKey(f func(Key) V) (Key, error) {
	m.checkReentry()
	n := len(m.entries)
	if err := m.checkLen(uint64(n) + 1); err != nil {
		return Key{}, err
	}
	// With an empty free list every slot but the sentinel is in use, so n+1
	// entries also covers the new slot.
	if err := m.grow(n + 1); err != nil {
		return Key{}, err
	}

	var k Key
	if m.freeHead != 0 {
		idx := m.freeHead
		k = Key{idx: idx, version: m.slots[idx].version | 1}
	} else {
		k = Key{idx: uint32(len(m.slots)), version: 1}
	}
	value := callWithKey(&m.config, f, k)

	if m.freeHead != 0 {
		s := &m.slots[k.idx]
		m.freeHead = s.idxOrFree
		*s = denseSlot{version: k.version, idxOrFree: uint32(n)}
	} else {
		m.slots = append(m.slots, denseSlot{version: 1, idxOrFree: uint32(n)})
	}
	m.entries = append(m.entries, denseEntry[V]{key: k, value: value})
	m.checkInvariants()
	return k, nil
}

// find returns the dense position of k's value, or -1 if k is not valid.
func (m *DenseSlotMap[V]) find(k Key) int {
	if k.idx == 0 || uint64(k.idx) >= uint64(len(m.slots)) {
		return -1
	}
	s := m.slots[k.idx]
	if s.version != k.version {
		return -1
	}
	return int(s.idxOrFree)
}

// Contains returns whether k is a valid key for the map.
func (m *DenseSlotMap[V]) Contains(k Key) bool {
	return m.find(k) >= 0
}

// Get retrieves the value for k, returning ok=false if the key is not valid.
func (m *DenseSlotMap[V]) Get(k Key) (value V, ok bool) {
	if pos := m.find(k); pos >= 0 {
		return m.entries[pos].value, true
	}
	return value, false
}

// GetPtr returns a pointer to the value for k, or nil if the key is not
// valid. The pointer is invalidated by the next insertion or removal.
func (m *DenseSlotMap[V]) GetPtr(k Key) *V {
	if pos := m.find(k); pos >= 0 {
		return &m.entries[pos].value
	}
	return nil
}

// GetDisjointPtrs returns pointers to the values of all keys, or nil if any
// key is invalid or two keys are equal.
func (m *DenseSlotMap[V]) GetDisjointPtrs(keys ...Key) []*V {
	ptrs := make([]*V, len(keys))
	for i, k := range keys {
		pos := m.find(k)
		if pos < 0 {
			return nil
		}
		for j := 0; j < i; j++ {
			if keys[j] == k {
				return nil
			}
		}
		ptrs[i] = &m.entries[pos].value
	}
	return ptrs
}

// GetUnchecked returns the value for k without checking the key's version.
// The key must be valid.
func (m *DenseSlotMap[V]) GetUnchecked(k Key) V {
	return *m.GetPtrUnchecked(k)
}

// GetPtrUnchecked is the unchecked version of GetPtr. The key must be valid.
func (m *DenseSlotMap[V]) GetPtrUnchecked(k Key) *V {
	if invariants && m.find(k) < 0 {
		panic(errors.AssertionFailedf("unchecked access with invalid key %s", k))
	}
	pos := makeUnsafeSlice(m.slots).At(uintptr(k.idx)).idxOrFree
	return &makeUnsafeSlice(m.entries).At(uintptr(pos)).value
}

// Remove removes the value for k from the map and returns it. It returns
// ok=false if the key is not valid.
func (m *DenseSlotMap[V]) Remove(k Key) (value V, ok bool) {
	if m.find(k) < 0 {
		return value, false
	}
	return m.removeFromSlot(k.idx), true
}

// RemoveUnchecked removes and returns the value for k without checking the
// key's version. The key must be valid.
func (m *DenseSlotMap[V]) RemoveUnchecked(k Key) V {
	if invariants && m.find(k) < 0 {
		panic(errors.AssertionFailedf("unchecked remove with invalid key %s", k))
	}
	return m.removeFromSlot(k.idx)
}

func (m *DenseSlotMap[V]) removeFromSlot(idx uint32) V {
	s := &m.slots[idx]
	pos := s.idxOrFree
	s.idxOrFree = m.freeHead
	s.version++
	m.freeHead = idx
	value := m.swapRemove(pos)
	m.checkInvariants()
	return value
}

// swapRemove removes the entry at pos by moving the last entry into its
// place, and updates the moved entry's slot to point at pos. This is the
// only place where entries move.
func (m *DenseSlotMap[V]) swapRemove(pos uint32) V {
	last := uint32(len(m.entries) - 1)
	value := m.entries[pos].value
	if pos != last {
		moved := m.entries[last]
		m.entries[pos] = moved
		m.slots[moved.key.idx].idxOrFree = pos
	}
	m.entries[last] = denseEntry[V]{}
	m.entries = m.entries[:last]
	if debug {
		fmt.Printf("swap-remove: pos=%d last=%d\n", pos, last)
	}
	return value
}

// Clear removes all elements, invalidating every key, while keeping the
// allocated storage.
func (m *DenseSlotMap[V]) Clear() {
	m.Drain(func(Key, V) bool { return false })
}

// Drain removes all elements from the map, calling yield with the key and
// value of each removed element until yield returns false. Elements are
// removed even after yield returns false. Elements are drained from the end
// of the dense array so no entry has to move.
func (m *DenseSlotMap[V]) Drain(yield func(k Key, value V) bool) {
	for len(m.entries) > 0 {
		k := m.entries[len(m.entries)-1].key
		value := m.removeFromSlot(k.idx)
		if yield != nil && !yield(k, value) {
			yield = nil
		}
	}
}

// Retain removes every element for which f returns false. f may modify the
// value it is passed.
func (m *DenseSlotMap[V]) Retain(f func(k Key, value *V) bool) {
	// A removal moves the last entry into position i, which must then be
	// visited in turn.
	for i := 0; i < len(m.entries); {
		e := &m.entries[i]
		if f(e.key, &e.value) {
			i++
			continue
		}
		m.removeFromSlot(e.key.idx)
	}
}

// All calls yield sequentially for each key and value present in the map,
// in dense array order. If yield returns false, All stops the iteration.
func (m *DenseSlotMap[V]) All(yield func(k Key, value V) bool) {
	for i := range m.entries {
		if !yield(m.entries[i].key, m.entries[i].value) {
			return
		}
	}
}

// AllPtr is like All but passes a pointer to each value.
func (m *DenseSlotMap[V]) AllPtr(yield func(k Key, value *V) bool) {
	for i := range m.entries {
		if !yield(m.entries[i].key, &m.entries[i].value) {
			return
		}
	}
}

// Keys calls yield for each key present in the map.
func (m *DenseSlotMap[V]) Keys(yield func(k Key) bool) {
	for i := range m.entries {
		if !yield(m.entries[i].key) {
			return
		}
	}
}

// Values calls yield for each value present in the map.
func (m *DenseSlotMap[V]) Values(yield func(value V) bool) {
	for i := range m.entries {
		if !yield(m.entries[i].value) {
			return
		}
	}
}

func (m *DenseSlotMap[V]) checkInvariants() {
	if !invariants {
		return
	}
	if len(m.slots) == 0 || m.slots[0].occupied() {
		panic(errors.AssertionFailedf("sentinel slot missing or occupied"))
	}

	var occupied int
	for i := 1; i < len(m.slots); i++ {
		s := m.slots[i]
		if !s.occupied() {
			continue
		}
		occupied++
		if int(s.idxOrFree) >= len(m.entries) {
			panic(errors.AssertionFailedf("slot %d points past the dense array\n%s", i, m.debugString()))
		}
		if e := m.entries[s.idxOrFree].key; e.idx != uint32(i) || e.version != s.version {
			panic(errors.AssertionFailedf("slot %d: dense entry %d belongs to %s\n%s",
				i, s.idxOrFree, e, m.debugString()))
		}
	}
	if occupied != len(m.entries) {
		panic(errors.AssertionFailedf("%d occupied slots, but %d dense entries\n%s",
			occupied, len(m.entries), m.debugString()))
	}

	var free int
	for i := m.freeHead; i != 0; i = m.slots[i].idxOrFree {
		if m.slots[i].occupied() {
			panic(errors.AssertionFailedf("occupied slot %d on free list\n%s", i, m.debugString()))
		}
		if free++; free > len(m.slots) {
			panic(errors.AssertionFailedf("free list cycle\n%s", m.debugString()))
		}
	}
	if free+occupied != len(m.slots)-1 {
		panic(errors.AssertionFailedf("free=%d + occupied=%d != slots=%d\n%s",
			free, occupied, len(m.slots)-1, m.debugString()))
	}
}

func (m *DenseSlotMap[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "len=%d free-head=%d\n", len(m.entries), m.freeHead)
	for i := 1; i < len(m.slots); i++ {
		s := m.slots[i]
		if s.occupied() {
			fmt.Fprintf(&buf, "  %d: v%d -> %d\n", i, s.version, s.idxOrFree)
		} else {
			fmt.Fprintf(&buf, "  %d: v%d vacant next=%d\n", i, s.version, s.idxOrFree)
		}
	}
	for i, e := range m.entries {
		fmt.Fprintf(&buf, "  [%d] %s %v\n", i, e.key, e.value)
	}
	return buf.String()
}
