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

// freeListEntry links a block of contiguous vacant slots into the free list.
// otherEnd is maintained in the first and the last slot of a block and holds
// the index of the opposite end, so the block length is known from either
// end. next and prev are only maintained in the first slot of a block.
//
//	 slots:   0    1    2    3    4    5    6
//	        +----+----+----+----+----+----+----+
//	        | s  | F  | .  | F  | x  | x  | F  |   F = vacant, x = occupied
//	        +----+----+----+----+----+----+----+
//	               \________/          \
//	          block 1..3 (otherEnd: 1<->3)  block 6..6 (otherEnd: 6<->6)
//
// Slot 0 is the sentinel: its next and prev are the head and tail of the
// circular list of blocks.
type freeListEntry struct {
	otherEnd uint32
	next     uint32
	prev     uint32
}

type hopSlot[V any] struct {
	version uint32
	free    freeListEntry
	value   V
}

func (s *hopSlot[V]) occupied() bool {
	return s.version%2 == 1
}

// HopSlotMap is a SlotMap variant that tracks runs of contiguous vacant slots
// so that iteration skips a whole run in a single step. Iteration is
// proportional to the number of elements plus the number of vacant runs
// instead of the number of slots. Insertion and removal must maintain the
// runs and are slower than with a SlotMap; access is as fast.
//
// A HopSlotMap is NOT goroutine-safe.
type HopSlotMap[V any] struct {
	config
	slots []hopSlot[V]
	len   uint32
}

// NewHop constructs a new HopSlotMap with room for initialCapacity elements.
func NewHop[V any](initialCapacity int, options ...option) *HopSlotMap[V] {
	m := &HopSlotMap[V]{config: makeConfig(options)}
	var err error
	m.slots, err = growSlice(&m.config, m.slots, initialCapacity+1)
	mustNotFail(err)
	m.slots = append(m.slots, hopSlot[V]{})
	return m
}

// Close releases the container's storage back to its configured allocator.
func (m *HopSlotMap[V]) Close() {
	freeSlice(&m.config, m.slots)
	m.slots = nil
	m.len = 0
}

// Len returns the number of elements in the map.
func (m *HopSlotMap[V]) Len() int {
	return int(m.len)
}

// IsEmpty returns whether the map holds no elements.
func (m *HopSlotMap[V]) IsEmpty() bool {
	return m.len == 0
}

// Capacity returns the number of elements the map can hold without growing
// its storage.
func (m *HopSlotMap[V]) Capacity() int {
	return cap(m.slots) - 1
}

// Reserve makes room for at least additional more elements.
func (m *HopSlotMap[V]) Reserve(additional int) {
	mustNotFail(m.TryReserve(additional))
}

// TryReserve is like Reserve but returns an error instead of panicking.
func (m *HopSlotMap[V]) TryReserve(additional int) error {
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

func (m *HopSlotMap[V]) freeList(i uint32) *freeListEntry {
	return &m.slots[i].free
}

// Insert inserts value into the map and returns its key.
func (m *HopSlotMap[V]) Insert(value V) Key {
	k, err := m.TryInsert(value)
	mustNotFail(err)
	return k
}

// TryInsert is like Insert but returns an error instead of panicking.
func (m *HopSlotMap[V]) TryInsert(value V) (Key, error) {
	return m.tryInsertWithKey(func(Key) V { return value })
}

// InsertWithKey inserts the value returned by f, which is passed the key the
// value will be stored under. f must not access the map; inserting from f
// panics.
func (m *HopSlotMap[V]) InsertWithKey(f func(Key) V) Key {
	k, err := m.tryInsertWithKey(f)
	mustNotFail(err)
	return k
}

func (m *HopSlotMap[V]) tryInsertWithKey(f func(Key) V) (Key, error) {
	m.checkReentry()
	if err := m.checkLen(uint64(m.len) + 1); err != nil {
		return Key{}, err
	}

	// Take the last slot of the block at the head of the free list.
	front := m.freeList(0).next
	if front == 0 {
		slots, err := growSlice(&m.config, m.slots, len(m.slots)+1)
		if err != nil {
			return Key{}, err
		}
		m.slots = slots
		k := Key{idx: uint32(len(m.slots)), version: 1}
		m.slots = append(m.slots, hopSlot[V]{version: 1, value: callWithKey(&m.config, f, k)})
		m.len++
		m.checkInvariants()
		return k, nil
	}

	back := m.freeList(front).otherEnd
	k := Key{idx: back, version: m.slots[back].version | 1}
	value := callWithKey(&m.config, f, k)

	if front == back {
		// The block is used up; unlink it.
		newHead := m.freeList(front).next
		m.freeList(0).next = newHead
		m.freeList(newHead).prev = 0
	} else {
		newBack := back - 1
		m.freeList(newBack).otherEnd = front
		m.freeList(front).otherEnd = newBack
	}

	s := &m.slots[back]
	s.version = k.version
	s.free = freeListEntry{}
	s.value = value
	m.len++
	m.checkInvariants()
	return k, nil
}

func (m *HopSlotMap[V]) find(k Key) *hopSlot[V] {
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
func (m *HopSlotMap[V]) Contains(k Key) bool {
	return m.find(k) != nil
}

// Get retrieves the value for k, returning ok=false if the key is not valid.
func (m *HopSlotMap[V]) Get(k Key) (value V, ok bool) {
	if s := m.find(k); s != nil {
		return s.value, true
	}
	return value, false
}

// GetPtr returns a pointer to the value for k, or nil if the key is not
// valid.
func (m *HopSlotMap[V]) GetPtr(k Key) *V {
	if s := m.find(k); s != nil {
		return &s.value
	}
	return nil
}

// GetDisjointPtrs returns pointers to the values of all keys, or nil if any
// key is invalid or two keys are equal.
func (m *HopSlotMap[V]) GetDisjointPtrs(keys ...Key) []*V {
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
// The key must be valid.
func (m *HopSlotMap[V]) GetUnchecked(k Key) V {
	return *m.GetPtrUnchecked(k)
}

// GetPtrUnchecked is the unchecked version of GetPtr. The key must be valid.
func (m *HopSlotMap[V]) GetPtrUnchecked(k Key) *V {
	if invariants && m.find(k) == nil {
		panic(errors.AssertionFailedf("unchecked access with invalid key %s", k))
	}
	return &makeUnsafeSlice(m.slots).At(uintptr(k.idx)).value
}

// Remove removes the value for k from the map and returns it. It returns
// ok=false if the key is not valid.
func (m *HopSlotMap[V]) Remove(k Key) (value V, ok bool) {
	if m.find(k) == nil {
		return value, false
	}
	return m.removeFromSlot(k.idx), true
}

// RemoveUnchecked removes and returns the value for k without checking the
// key's version. The key must be valid.
func (m *HopSlotMap[V]) RemoveUnchecked(k Key) V {
	if invariants && m.find(k) == nil {
		panic(errors.AssertionFailedf("unchecked remove with invalid key %s", k))
	}
	return m.removeFromSlot(k.idx)
}

func (m *HopSlotMap[V]) removeFromSlot(i uint32) V {
	s := &m.slots[i]
	value := s.value
	var zero V
	s.value = zero
	s.version++

	// The sentinel is not part of any block.
	leftVacant := i > 1 && !m.slots[i-1].occupied()
	rightVacant := int(i)+1 < len(m.slots) && !m.slots[i+1].occupied()

	switch {
	case !leftVacant && !rightVacant:
		// New block, appended at the tail of the free list.
		oldTail := m.freeList(0).prev
		m.freeList(0).prev = i
		m.freeList(oldTail).next = i
		*m.freeList(i) = freeListEntry{otherEnd: i, next: 0, prev: oldTail}

	case !leftVacant && rightVacant:
		// Prepend to the block on the right. Its first slot moves, so the
		// list links and the back of the block must point at i.
		front := *m.freeList(i + 1)
		m.freeList(front.otherEnd).otherEnd = i
		m.freeList(front.prev).next = i
		m.freeList(front.next).prev = i
		*m.freeList(i) = front

	case leftVacant && !rightVacant:
		// Append to the block on the left.
		front := m.freeList(i - 1).otherEnd
		m.freeList(i).otherEnd = front
		m.freeList(front).otherEnd = i

	default:
		// Merge the blocks on both sides: unlink the right one and stretch
		// the left one over it.
		right := *m.freeList(i + 1)
		m.freeList(right.prev).next = right.next
		m.freeList(right.next).prev = right.prev

		front := m.freeList(i - 1).otherEnd
		back := right.otherEnd
		m.freeList(front).otherEnd = back
		m.freeList(back).otherEnd = front
	}

	m.len--
	if debug {
		fmt.Printf("remove: idx=%d version=%d left=%t right=%t\n", i, s.version, leftVacant, rightVacant)
	}
	m.checkInvariants()
	return value
}

// Clear removes all elements, invalidating every key, while keeping the
// allocated storage.
func (m *HopSlotMap[V]) Clear() {
	m.Drain(func(Key, V) bool { return false })
}

// Drain removes all elements from the map, calling yield with the key and
// value of each removed element until yield returns false. Elements are
// removed even after yield returns false. The map must not be accessed from
// yield.
func (m *HopSlotMap[V]) Drain(yield func(k Key, value V) bool) {
	var zero V
	for i := uint32(1); i < uint32(len(m.slots)); {
		s := &m.slots[i]
		if !s.occupied() {
			i = s.free.otherEnd + 1
			continue
		}
		k := Key{idx: i, version: s.version}
		value := s.value
		s.value = zero
		s.version++
		if yield != nil && !yield(k, value) {
			yield = nil
		}
		i++
	}

	// Every slot is now vacant, forming a single block.
	m.len = 0
	for i := range m.slots {
		m.slots[i].free = freeListEntry{}
	}
	if n := uint32(len(m.slots)); n > 1 {
		*m.freeList(1) = freeListEntry{otherEnd: n - 1}
		m.freeList(n - 1).otherEnd = 1
		m.freeList(0).next = 1
		m.freeList(0).prev = 1
	}
	m.checkInvariants()
}

// Retain removes every element for which f returns false. f may modify the
// value it is passed.
func (m *HopSlotMap[V]) Retain(f func(k Key, value *V) bool) {
	for i := uint32(1); i < uint32(len(m.slots)); {
		s := &m.slots[i]
		if !s.occupied() {
			i = s.free.otherEnd + 1
			continue
		}
		// Compute the next position before a removal can merge the block
		// on the right.
		next := i + 1
		if next < uint32(len(m.slots)) && !m.slots[next].occupied() {
			next = m.slots[next].free.otherEnd + 1
		}
		if !f(Key{idx: i, version: s.version}, &s.value) {
			m.removeFromSlot(i)
		}
		i = next
	}
}

// All calls yield sequentially for each key and value present in the map,
// in slot order, skipping runs of vacant slots. If yield returns false, All
// stops the iteration.
func (m *HopSlotMap[V]) All(yield func(k Key, value V) bool) {
	m.AllPtr(func(k Key, v *V) bool { return yield(k, *v) })
}

// AllPtr is like All but passes a pointer to each value.
func (m *HopSlotMap[V]) AllPtr(yield func(k Key, value *V) bool) {
	for i := uint32(1); i < uint32(len(m.slots)); {
		s := &m.slots[i]
		if !s.occupied() {
			i = s.free.otherEnd + 1
			continue
		}
		if !yield(Key{idx: i, version: s.version}, &s.value) {
			return
		}
		i++
	}
}

// Keys calls yield for each key present in the map.
func (m *HopSlotMap[V]) Keys(yield func(k Key) bool) {
	m.AllPtr(func(k Key, _ *V) bool { return yield(k) })
}

// Values calls yield for each value present in the map.
func (m *HopSlotMap[V]) Values(yield func(value V) bool) {
	m.AllPtr(func(_ Key, v *V) bool { return yield(*v) })
}

// blocks returns the [front, back] ranges of the free list in list order.
func (m *HopSlotMap[V]) blocks() [][2]uint32 {
	var r [][2]uint32
	for i := m.freeList(0).next; i != 0; i = m.freeList(i).next {
		r = append(r, [2]uint32{i, m.freeList(i).otherEnd})
		if len(r) > len(m.slots) {
			panic(errors.AssertionFailedf("free list cycle\n%s", m.debugString()))
		}
	}
	return r
}

func (m *HopSlotMap[V]) checkInvariants() {
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

	var vacant uint32
	prev := uint32(0)
	for _, b := range m.blocks() {
		front, back := b[0], b[1]
		if m.freeList(front).prev != prev {
			panic(errors.AssertionFailedf("block %d: prev=%d, expected %d\n%s",
				front, m.freeList(front).prev, prev, m.debugString()))
		}
		if back < front || m.freeList(back).otherEnd != front {
			panic(errors.AssertionFailedf("block %d..%d: ends do not match\n%s",
				front, back, m.debugString()))
		}
		if front > 1 && !m.slots[front-1].occupied() {
			panic(errors.AssertionFailedf("block %d..%d: not maximal on the left\n%s",
				front, back, m.debugString()))
		}
		if int(back)+1 < len(m.slots) && !m.slots[back+1].occupied() {
			panic(errors.AssertionFailedf("block %d..%d: not maximal on the right\n%s",
				front, back, m.debugString()))
		}
		for j := front; j <= back; j++ {
			if m.slots[j].occupied() {
				panic(errors.AssertionFailedf("block %d..%d: slot %d occupied\n%s",
					front, back, j, m.debugString()))
			}
		}
		vacant += back - front + 1
		prev = front
	}
	if m.freeList(0).prev != prev {
		panic(errors.AssertionFailedf("tail=%d, expected %d\n%s",
			m.freeList(0).prev, prev, m.debugString()))
	}
	if vacant+occupied != uint32(len(m.slots)-1) {
		panic(errors.AssertionFailedf("vacant=%d + occupied=%d != slots=%d\n%s",
			vacant, occupied, len(m.slots)-1, m.debugString()))
	}
}

func (m *HopSlotMap[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "len=%d head=%d tail=%d\n", m.len, m.freeList(0).next, m.freeList(0).prev)
	for i := 1; i < len(m.slots); i++ {
		s := &m.slots[i]
		if s.occupied() {
			fmt.Fprintf(&buf, "  %d: v%d %v\n", i, s.version, s.value)
		} else {
			fmt.Fprintf(&buf, "  %d: v%d vacant other-end=%d next=%d prev=%d\n",
				i, s.version, s.free.otherEnd, s.free.next, s.free.prev)
		}
	}
	return buf.String()
}
