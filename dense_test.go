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
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// requireDenseBackPointers checks that every occupied slot points at a dense
// entry that points back at it, and that there are no other entries.
func requireDenseBackPointers[V any](t *testing.T, m *DenseSlotMap[V]) {
	t.Helper()
	occupied := 0
	for i := 1; i < len(m.slots); i++ {
		s := m.slots[i]
		if !s.occupied() {
			continue
		}
		occupied++
		require.Less(t, int(s.idxOrFree), len(m.entries), "slot %d", i)
		e := m.entries[s.idxOrFree]
		require.EqualValues(t, i, e.key.Index(), "slot %d", i)
		require.Equal(t, s.version, e.key.Version(), "slot %d", i)
	}
	require.Equal(t, occupied, len(m.entries))
	require.Equal(t, occupied, m.Len())
}

func TestDenseSwapRemove(t *testing.T) {
	m := NewDense[string](0)
	a := m.Insert("a")
	b := m.Insert("b")
	c := m.Insert("c")
	d := m.Insert("d")

	var values []string
	for v := range m.Values {
		values = append(values, v)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, values)

	// Removing b moves d into its position.
	v, ok := m.Remove(b)
	require.True(t, ok)
	require.Equal(t, "b", v)
	values = values[:0]
	for v := range m.Values {
		values = append(values, v)
	}
	require.Equal(t, []string{"a", "d", "c"}, values)
	require.EqualValues(t, 1, m.slots[d.idx].idxOrFree)
	requireDenseBackPointers(t, m)

	// Removing the last entry moves nothing.
	m.Remove(c)
	require.EqualValues(t, 1, m.slots[d.idx].idxOrFree)
	requireDenseBackPointers(t, m)

	for _, k := range []Key{a, d} {
		require.True(t, m.Contains(k))
	}
	s, _ := m.Get(d)
	require.Equal(t, "d", s)

	// The freed slots are reused, most recently freed first.
	e := m.Insert("e")
	require.Equal(t, c.Index(), e.Index())
	f := m.Insert("f")
	require.Equal(t, b.Index(), f.Index())
	require.False(t, m.Contains(b))
	require.False(t, m.Contains(c))
	requireDenseBackPointers(t, m)
}

func TestDenseRandomBackPointers(t *testing.T) {
	m := NewDense[int](0)
	var live []Key
	for i := 0; i < 5000; i++ {
		if len(live) == 0 || rand.Intn(3) != 0 {
			live = append(live, m.Insert(i))
		} else {
			j := rand.Intn(len(live))
			_, ok := m.Remove(live[j])
			require.True(t, ok)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if i%100 == 0 {
			requireDenseBackPointers(t, m)
		}
	}
	requireDenseBackPointers(t, m)
	m.Retain(func(_ Key, v *int) bool { return *v%2 == 0 })
	requireDenseBackPointers(t, m)
	for _, k := range live {
		v, ok := m.Get(k)
		if ok {
			require.Zero(t, v%2)
		}
	}
}

func TestDenseVersionWrap(t *testing.T) {
	m := NewDense[int](0)
	k := m.Insert(1)
	m.Remove(k)
	m.slots[k.idx].version = math.MaxUint32 - 1

	k1 := m.Insert(2)
	require.EqualValues(t, math.MaxUint32, k1.Version())
	m.Remove(k1)
	k2 := m.Insert(3)
	require.EqualValues(t, 1, k2.Version())
	require.False(t, m.Contains(k1))
	require.Equal(t, 3, m.GetUnchecked(k2))
	requireDenseBackPointers(t, m)
}
