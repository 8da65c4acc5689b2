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
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// secondaryMap is the API shared by SecondaryMap and SparseSecondaryMap.
type secondaryMap[V any] interface {
	Insert(k Key, value V) (V, bool)
	TryInsert(k Key, value V) (V, bool, error)
	Contains(k Key) bool
	Get(k Key) (V, bool)
	GetPtr(k Key) *V
	GetOrInsert(k Key, value V) *V
	GetOrInsertWith(k Key, f func() V) *V
	GetUnchecked(k Key) V
	GetPtrUnchecked(k Key) *V
	Remove(k Key) (V, bool)
	RemoveUnchecked(k Key) V
	Len() int
	IsEmpty() bool
	Capacity() int
	Reserve(n int)
	TryReserve(n int) error
	Clear()
	Drain(yield func(Key, V) bool)
	Retain(f func(Key, *V) bool)
	All(yield func(Key, V) bool)
	AllPtr(yield func(Key, *V) bool)
	Keys(yield func(Key) bool)
	Values(yield func(V) bool)
	Close()
}

var (
	_ secondaryMap[int] = (*SecondaryMap[int])(nil)
	_ secondaryMap[int] = (*SparseSecondaryMap[int])(nil)
)

func secondaryVariants[V any]() []struct {
	name string
	new  func(options ...option) secondaryMap[V]
} {
	return []struct {
		name string
		new  func(options ...option) secondaryMap[V]
	}{
		{"direct", func(options ...option) secondaryMap[V] { return NewSecondary[V](0, options...) }},
		{"sparse", func(options ...option) secondaryMap[V] { return NewSparseSecondary[V](0, options...) }},
	}
}

func TestSecondaryBasic(t *testing.T) {
	for _, sv := range secondaryVariants[string]() {
		t.Run(sv.name, func(t *testing.T) {
			primary := New[string](0)
			sec := sv.new()

			foo := primary.Insert("foo")
			bar := primary.Insert("bar")

			_, ok := sec.Insert(foo, "noun")
			require.False(t, ok)
			_, ok = sec.Insert(bar, "verb")
			require.False(t, ok)
			require.Equal(t, 2, sec.Len())

			for k, v := range primary.All {
				tag, ok := sec.Get(k)
				require.True(t, ok)
				require.Equal(t, map[string]string{"foo": "noun", "bar": "verb"}[v], tag)
			}

			prev, ok := sec.Insert(foo, "name")
			require.True(t, ok)
			require.Equal(t, "noun", prev)
			require.Equal(t, 2, sec.Len())

			*sec.GetPtr(bar) = "adverb"
			require.Equal(t, "adverb", sec.GetUnchecked(bar))

			v, ok := sec.Remove(bar)
			require.True(t, ok)
			require.Equal(t, "adverb", v)
			require.False(t, sec.Contains(bar))
			_, ok = sec.Remove(bar)
			require.False(t, ok)
			require.Equal(t, 1, sec.Len())

			// Keys never inserted.
			require.False(t, sec.Contains(NewKey(1000, 1)))
			require.Nil(t, sec.GetPtr(NewKey(1000, 1)))
			_, ok = sec.Insert(NullKey(), "null")
			require.False(t, ok)
			require.False(t, sec.Contains(NullKey()))
			_, ok = sec.Insert(Key{}, "zero")
			require.False(t, ok)
			require.False(t, sec.Contains(Key{}))
			require.Nil(t, sec.GetOrInsert(Key{}, "zero"))
			require.Equal(t, 1, sec.Len())

			require.Equal(t, "name", sec.RemoveUnchecked(foo))
			require.True(t, sec.IsEmpty())
			sec.Close()
		})
	}
}

func TestSecondaryVersions(t *testing.T) {
	for _, sv := range secondaryVariants[int]() {
		t.Run(sv.name, func(t *testing.T) {
			primary := New[int](0)
			sec := sv.new()

			old := primary.Insert(1)
			primary.Remove(old)
			cur := primary.Insert(2)
			require.Equal(t, old.Index(), cur.Index())

			// A newer key replaces the entry of an older one.
			sec.Insert(old, 10)
			_, ok := sec.Insert(cur, 20)
			require.False(t, ok)
			require.Equal(t, 1, sec.Len())
			require.False(t, sec.Contains(old))
			v, ok := sec.Get(cur)
			require.True(t, ok)
			require.Equal(t, 20, v)

			// An older key does not replace the entry of a newer one.
			_, ok = sec.Insert(old, 30)
			require.False(t, ok)
			v, ok = sec.Get(cur)
			require.True(t, ok)
			require.Equal(t, 20, v)
			require.Nil(t, sec.GetOrInsert(old, 40))
			v, _ = sec.Get(cur)
			require.Equal(t, 20, v)
		})
	}
}

func TestSecondaryGetOrInsert(t *testing.T) {
	for _, sv := range secondaryVariants[int]() {
		t.Run(sv.name, func(t *testing.T) {
			primary := New[struct{}](0)
			sec := sv.new()
			k := primary.Insert(struct{}{})

			p := sec.GetOrInsert(k, 1)
			require.NotNil(t, p)
			*p += 1
			calls := 0
			p = sec.GetOrInsertWith(k, func() int { calls++; return 100 })
			require.Equal(t, 2, *p)
			require.Equal(t, 0, calls)
			require.Nil(t, sec.GetOrInsert(NullKey(), 1))

			// Counting occurrences.
			keys := []Key{k, primary.Insert(struct{}{}), primary.Insert(struct{}{})}
			for i := 0; i < 30; i++ {
				*sec.GetOrInsert(keys[i%3], 0) += 1
			}
			require.Equal(t, 12, sec.GetUnchecked(keys[0]))
			require.Equal(t, 10, sec.GetUnchecked(keys[1]))
			require.Equal(t, 10, sec.GetUnchecked(keys[2]))
		})
	}
}

func TestSecondaryRandom(t *testing.T) {
	for _, sv := range secondaryVariants[int]() {
		t.Run(sv.name, func(t *testing.T) {
			primary := NewHop[int](0)
			sec := sv.new()
			e := make(map[Key]int)
			var live []Key

			for i := 0; i < 5000; i++ {
				switch r := rand.Float64(); {
				case r < 0.4 || len(live) == 0:
					k := primary.Insert(i)
					live = append(live, k)
					if rand.Intn(2) == 0 {
						sec.Insert(k, i)
						e[k] = i
					}
				case r < 0.7:
					j := rand.Intn(len(live))
					k := live[j]
					primary.Remove(k)
					live[j] = live[len(live)-1]
					live = live[:len(live)-1]
					if _, ok := e[k]; ok {
						v, ok := sec.Remove(k)
						require.True(t, ok)
						require.Equal(t, e[k], v)
						delete(e, k)
					}
				default:
					k := live[rand.Intn(len(live))]
					v, ok := sec.Get(k)
					ev, eok := e[k]
					require.Equal(t, eok, ok)
					require.Equal(t, ev, v)
				}
				require.Equal(t, len(e), sec.Len())
			}
			if diff := cmp.Diff(e, toBuiltinMap[int](sec)); diff != "" {
				t.Fatalf("unexpected contents (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSecondaryDrainRetain(t *testing.T) {
	for _, sv := range secondaryVariants[int]() {
		t.Run(sv.name, func(t *testing.T) {
			primary := NewDense[int](0)
			sec := sv.new()
			e := make(map[Key]int)
			for i := 0; i < 100; i++ {
				k := primary.Insert(i)
				sec.Insert(k, i)
				if i%4 != 0 {
					e[k] = i * 3
				}
			}
			sec.Retain(func(_ Key, v *int) bool {
				*v *= 3
				return *v%4 != 0
			})
			require.Equal(t, e, toBuiltinMap[int](sec))

			var keys []Key
			for k := range sec.Keys {
				keys = append(keys, k)
			}
			require.Len(t, keys, len(e))
			sum := 0
			for v := range sec.Values {
				sum += v
			}
			expectedSum := 0
			for _, v := range e {
				expectedSum += v
			}
			require.Equal(t, expectedSum, sum)

			for _, p := range sec.AllPtr {
				*p = 0
			}
			drained := make(map[Key]int)
			sec.Drain(func(k Key, v int) bool {
				drained[k] = v
				return true
			})
			require.Len(t, drained, len(e))
			for k := range e {
				require.Zero(t, drained[k])
				require.False(t, sec.Contains(k))
			}
			require.True(t, sec.IsEmpty())

			for k := range e {
				sec.Insert(k, 1)
			}
			sec.Clear()
			require.True(t, sec.IsEmpty())
			for k := range e {
				require.False(t, sec.Contains(k))
			}
		})
	}
}

func TestSecondaryGrowth(t *testing.T) {
	a := &countingAllocator{}
	sec := NewSecondary[int](0, WithAllocator(a))
	primary := New[int](0)
	var keys []Key
	for i := 0; i < 100; i++ {
		keys = append(keys, primary.Insert(i))
	}

	// Only the last key is inserted, but the map has to cover every index
	// below it.
	sec.Insert(keys[99], 99)
	require.Equal(t, 1, sec.Len())
	require.GreaterOrEqual(t, sec.Capacity(), int(keys[99].Index())+1)
	require.Greater(t, a.live, int64(0))

	a.fail = true
	_, _, err := sec.TryInsert(NewKey(100000, 1), 1)
	require.True(t, errors.Is(err, ErrAllocationFailed), "%v", err)
	require.Panics(t, func() { sec.Insert(NewKey(100000, 1), 1) })
	require.Equal(t, 1, sec.Len())
	a.fail = false

	sec.Reserve(1000)
	require.GreaterOrEqual(t, sec.Capacity(), 1000)
	sec.Close()
	require.EqualValues(t, 0, a.live)
}
