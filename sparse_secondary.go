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
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
)

type sparseSlot[V any] struct {
	version uint32
	value   V
}

// SparseSecondaryMap associates values with keys produced by a primary
// container, like a SecondaryMap, but stores them in a hash table keyed by
// slot index. It only uses memory for the keys it holds.
//
// An entry whose version is older than the key presented for its slot is
// stale: it is treated as absent and deleted by the access that finds it.
// Entries are never scanned for staleness otherwise.
//
// A SparseSecondaryMap is NOT goroutine-safe.
type SparseSecondaryMap[V any] struct {
	config
	alloc *sparseAllocator[V]
	slots *swiss.Map[uint32, *sparseSlot[V]]
}

// NewSparseSecondary constructs a new SparseSecondaryMap with room for
// initialCapacity entries. The hash table's arrays are accounted with the
// configured Allocator.
func NewSparseSecondary[V any](initialCapacity int, options ...option) *SparseSecondaryMap[V] {
	m := &SparseSecondaryMap[V]{config: makeConfig(options)}
	m.alloc = &sparseAllocator[V]{c: &m.config}
	var err error
	m.slots, err = m.newTable(initialCapacity)
	mustNotFail(err)
	return m
}

func (m *SparseSecondaryMap[V]) newTable(initialCapacity int) (t *swiss.Map[uint32, *sparseSlot[V]], err error) {
	defer recoverAllocation(&err)
	return swiss.New[uint32, *sparseSlot[V]](initialCapacity,
		swiss.WithAllocator[uint32, *sparseSlot[V]](m.alloc)), nil
}

// swissGroupSize is the number of control bytes the hash table allocates
// past the end of its slots.
const swissGroupSize = 8

// allocationRefused carries an Allocator error out of the hash table, which
// has no way to report a failed allocation.
type allocationRefused struct {
	err error
}

// recoverAllocation turns an allocationRefused panic into an error.
func recoverAllocation(err *error) {
	if r := recover(); r != nil {
		a, ok := r.(allocationRefused)
		if !ok {
			panic(r)
		}
		*err = a.err
	}
}

// sparseAllocator accounts the hash table's slot and control arrays with the
// container's Allocator. The two arrays of a table are always allocated
// together, slots first, so both are accounted in AllocSlots and a refusal
// leaves the table untouched.
type sparseAllocator[V any] struct {
	c *config
	// capacity is the number of entries the allocated tables hold before
	// they must grow.
	capacity int
}

func (a *sparseAllocator[V]) size(n int) uintptr {
	var s swiss.Slot[uint32, *sparseSlot[V]]
	return uintptr(n)*unsafe.Sizeof(s) + uintptr(n+swissGroupSize)
}

func growthLimit(n int) int {
	if n < swissGroupSize {
		return n - 1
	}
	return n * 7 / 8
}

func (a *sparseAllocator[V]) AllocSlots(n int) []swiss.Slot[uint32, *sparseSlot[V]] {
	if err := a.c.allocator.Alloc(a.size(n)); err != nil {
		panic(allocationRefused{errors.Mark(
			errors.Wrapf(err, "growing hash table to %d slots", n), ErrAllocationFailed)})
	}
	if debug {
		fmt.Printf("sparse: alloc %d slots\n", n)
	}
	a.capacity += growthLimit(n)
	return make([]swiss.Slot[uint32, *sparseSlot[V]], n)
}

func (a *sparseAllocator[V]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (a *sparseAllocator[V]) FreeSlots(v []swiss.Slot[uint32, *sparseSlot[V]]) {
	a.capacity -= growthLimit(len(v))
	a.c.allocator.Free(a.size(len(v)))
}

func (a *sparseAllocator[V]) FreeControls(v []uint8) {
}

// Close releases the hash table back to the configured allocator. It is
// invalid to use the map afterwards.
func (m *SparseSecondaryMap[V]) Close() {
	m.slots.Close()
}

// Capacity returns the number of entries the map can hold without growing
// its hash table.
func (m *SparseSecondaryMap[V]) Capacity() int {
	return m.alloc.capacity
}

// Reserve makes room for at least additional more entries. It panics if the
// map would exceed its maximum length or the allocator fails.
func (m *SparseSecondaryMap[V]) Reserve(additional int) {
	mustNotFail(m.TryReserve(additional))
}

// TryReserve is like Reserve but returns an error instead of panicking. On
// error the map is unchanged.
func (m *SparseSecondaryMap[V]) TryReserve(additional int) error {
	if additional <= 0 {
		return nil
	}
	needed := uint64(m.slots.Len()) + uint64(additional)
	if err := m.checkLen(needed); err != nil {
		return err
	}
	if needed <= uint64(m.Capacity()) {
		return nil
	}
	// Size the new table so that needed entries fit below its load limit.
	t, err := m.newTable(int(needed*8/7 + 1))
	if err != nil {
		return err
	}
	m.slots.All(func(idx uint32, s *sparseSlot[V]) bool {
		t.Put(idx, s)
		return true
	})
	m.slots.Close()
	m.slots = t
	return nil
}

// Len returns the number of entries in the map, including stale entries that
// have not been evicted yet.
func (m *SparseSecondaryMap[V]) Len() int {
	return m.slots.Len()
}

// IsEmpty returns whether the map holds no entries.
func (m *SparseSecondaryMap[V]) IsEmpty() bool {
	return m.slots.Len() == 0
}

// Insert associates value with k, returning the previous value if k already
// had one. Nothing is inserted for the null key or for a key older than the
// one currently stored for the same slot. It panics with ErrCapacityExceeded
// if a new entry would exceed the map's maximum length.
func (m *SparseSecondaryMap[V]) Insert(k Key, value V) (prev V, ok bool) {
	prev, ok, err := m.TryInsert(k, value)
	mustNotFail(err)
	return prev, ok
}

// TryInsert is like Insert but returns an error instead of panicking.
func (m *SparseSecondaryMap[V]) TryInsert(k Key, value V) (prev V, ok bool, err error) {
	if k.IsNull() || k.version%2 == 0 {
		return prev, false, nil
	}
	s, found := m.slots.Get(k.idx)
	if found {
		if s.version == k.version {
			prev, s.value = s.value, value
			return prev, true, nil
		}
		if IsOlderVersion(k.version, s.version) {
			return prev, false, nil
		}
		// Overwrite the stale entry in place.
		*s = sparseSlot[V]{version: k.version, value: value}
		return prev, false, nil
	}
	if err := m.checkLen(uint64(m.slots.Len()) + 1); err != nil {
		return prev, false, err
	}
	if err := m.put(k.idx, &sparseSlot[V]{version: k.version, value: value}); err != nil {
		return prev, false, err
	}
	return prev, false, nil
}

func (m *SparseSecondaryMap[V]) put(idx uint32, s *sparseSlot[V]) (err error) {
	defer recoverAllocation(&err)
	m.slots.Put(idx, s)
	return nil
}

// find returns the entry for k. An entry for k's slot that is older than k is
// stale and is deleted. An entry newer than k is left alone.
func (m *SparseSecondaryMap[V]) find(k Key) *sparseSlot[V] {
	s, ok := m.slots.Get(k.idx)
	if !ok {
		return nil
	}
	if s.version != k.version {
		if !IsOlderVersion(s.version, k.version) {
			return nil
		}
		if debug {
			fmt.Printf("sparse: evict idx=%d version=%d (key version %d)\n", k.idx, s.version, k.version)
		}
		m.slots.Delete(k.idx)
		return nil
	}
	return s
}

// Contains returns whether the map holds a value for k.
func (m *SparseSecondaryMap[V]) Contains(k Key) bool {
	return m.find(k) != nil
}

// Get retrieves the value for k, returning ok=false if there is none.
func (m *SparseSecondaryMap[V]) Get(k Key) (value V, ok bool) {
	if s := m.find(k); s != nil {
		return s.value, true
	}
	return value, false
}

// GetPtr returns a pointer to the value for k, or nil if there is none. The
// pointer stays valid until the entry is removed.
func (m *SparseSecondaryMap[V]) GetPtr(k Key) *V {
	if s := m.find(k); s != nil {
		return &s.value
	}
	return nil
}

// GetOrInsert returns a pointer to the value for k, inserting value first if
// there is none. It returns nil for the null key and for a key older than the
// one stored for its slot.
func (m *SparseSecondaryMap[V]) GetOrInsert(k Key, value V) *V {
	return m.GetOrInsertWith(k, func() V { return value })
}

// GetOrInsertWith is like GetOrInsert but only calls f if a value must be
// inserted.
func (m *SparseSecondaryMap[V]) GetOrInsertWith(k Key, f func() V) *V {
	if k.IsNull() || k.version%2 == 0 {
		return nil
	}
	if s, ok := m.slots.Get(k.idx); ok {
		if s.version == k.version {
			return &s.value
		}
		if IsOlderVersion(k.version, s.version) {
			return nil
		}
	}
	m.Insert(k, f())
	return m.GetPtr(k)
}

// GetUnchecked returns the value for k without checking the version. The
// map must hold a value for k.
func (m *SparseSecondaryMap[V]) GetUnchecked(k Key) V {
	return *m.GetPtrUnchecked(k)
}

// GetPtrUnchecked is the unchecked version of GetPtr. The map must hold a
// value for k.
func (m *SparseSecondaryMap[V]) GetPtrUnchecked(k Key) *V {
	s, ok := m.slots.Get(k.idx)
	if invariants && (!ok || s.version != k.version) {
		panic(errors.AssertionFailedf("unchecked access with absent key %s", k))
	}
	return &s.value
}

// Remove removes and returns the value for k, returning ok=false if there is
// none.
func (m *SparseSecondaryMap[V]) Remove(k Key) (value V, ok bool) {
	s := m.find(k)
	if s == nil {
		return value, false
	}
	m.slots.Delete(k.idx)
	return s.value, true
}

// RemoveUnchecked removes and returns the value for k without checking the
// version. The map must hold a value for k.
func (m *SparseSecondaryMap[V]) RemoveUnchecked(k Key) V {
	s, ok := m.slots.Get(k.idx)
	if invariants && (!ok || s.version != k.version) {
		panic(errors.AssertionFailedf("unchecked remove with absent key %s", k))
	}
	m.slots.Delete(k.idx)
	return s.value
}

// Clear removes all entries while keeping the allocated hash table.
func (m *SparseSecondaryMap[V]) Clear() {
	m.slots.All(func(idx uint32, _ *sparseSlot[V]) bool {
		m.slots.Delete(idx)
		return true
	})
}

// Drain removes all entries, calling yield with the key and value of each
// removed entry until yield returns false. Entries are removed even after
// yield returns false.
func (m *SparseSecondaryMap[V]) Drain(yield func(k Key, value V) bool) {
	if yield != nil {
		m.slots.All(func(idx uint32, s *sparseSlot[V]) bool {
			return yield(Key{idx: idx, version: s.version}, s.value)
		})
	}
	m.Clear()
}

// Retain removes every entry for which f returns false.
func (m *SparseSecondaryMap[V]) Retain(f func(k Key, value *V) bool) {
	m.slots.All(func(idx uint32, s *sparseSlot[V]) bool {
		if !f(Key{idx: idx, version: s.version}, &s.value) {
			m.slots.Delete(idx)
		}
		return true
	})
}

// All calls yield for each key and value in the map, in no particular order.
// If yield returns false, All stops the iteration. The keys passed to yield
// carry the versions the entries were inserted with; entries that have gone
// stale in the primary container are still visited.
func (m *SparseSecondaryMap[V]) All(yield func(k Key, value V) bool) {
	m.slots.All(func(idx uint32, s *sparseSlot[V]) bool {
		return yield(Key{idx: idx, version: s.version}, s.value)
	})
}

// AllPtr is like All but passes a pointer to each value.
func (m *SparseSecondaryMap[V]) AllPtr(yield func(k Key, value *V) bool) {
	m.slots.All(func(idx uint32, s *sparseSlot[V]) bool {
		return yield(Key{idx: idx, version: s.version}, &s.value)
	})
}

// Keys calls yield for each key in the map.
func (m *SparseSecondaryMap[V]) Keys(yield func(k Key) bool) {
	m.All(func(k Key, _ V) bool { return yield(k) })
}

// Values calls yield for each value in the map.
func (m *SparseSecondaryMap[V]) Values(yield func(value V) bool) {
	m.All(func(_ Key, v V) bool { return yield(v) })
}
