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
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsOlderVersion(t *testing.T) {
	testCases := []struct {
		a, b     uint32
		expected bool
	}{
		{42, 42, false},
		{0, 1, true},
		{1, 0, false},
		{0, 1 << 31, true},
		{0, 1<<31 + 1, false},
		{math.MaxUint32, 0, true},
		{0, math.MaxUint32, false},
		{math.MaxUint32 - 2, 3, true},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("%d,%d", c.a, c.b), func(t *testing.T) {
			require.Equal(t, c.expected, IsOlderVersion(c.a, c.b))
		})
	}
}

func TestNullKey(t *testing.T) {
	k := NullKey()
	require.True(t, k.IsNull())
	require.EqualValues(t, math.MaxUint32, k.Index())
	require.Equal(t, k, NewKey(math.MaxUint32, 12))
	require.False(t, Key{}.IsNull())
	require.Equal(t, "null", k.String())
}

func TestNewKeyNormalizesVersion(t *testing.T) {
	require.EqualValues(t, 5, NewKey(0, 4).Version())
	require.EqualValues(t, 5, NewKey(0, 5).Version())
	require.EqualValues(t, math.MaxUint32, NewKey(7, math.MaxUint32-1).Version())
}

func TestKeyJSON(t *testing.T) {
	m := New[int](0)
	k := m.Insert(42)

	data, err := json.Marshal(k)
	require.NoError(t, err)
	require.JSONEq(t, `{"idx":1,"version":1}`, string(data))

	var decoded Key
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, k, decoded)
	require.True(t, m.Contains(decoded))

	// Even if a malicious source sends an even (vacant) version, the decoded
	// key refers to the following occupied version.
	var malicious Key
	require.NoError(t, json.Unmarshal([]byte(`{"idx":0,"version":4}`), &malicious))
	require.EqualValues(t, 5, malicious.Version())

	var null Key
	require.NoError(t, json.Unmarshal([]byte(`{"idx":4294967295,"version":8}`), &null))
	require.True(t, null.IsNull())
	require.Equal(t, NullKey(), null)

	require.Error(t, json.Unmarshal([]byte(`{"idx":-1}`), &decoded))
}

func TestKeyUint64(t *testing.T) {
	m := New[int](0)
	for i := 0; i < 10; i++ {
		k := m.Insert(i)
		require.Equal(t, k, KeyFromUint64(k.AsUint64()))
	}
	require.EqualValues(t, 3, KeyFromUint64(2<<32|7).Version())
	require.EqualValues(t, 7, KeyFromUint64(2<<32|7).Index())
}

func TestParseKey(t *testing.T) {
	for _, k := range []Key{NewKey(1, 1), NewKey(12, 7), NullKey(), NewKey(math.MaxUint32-1, math.MaxUint32)} {
		parsed, err := ParseKey(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	for _, s := range []string{"", "12", "v3", "1v", "1vx", "99999999999v1"} {
		_, err := ParseKey(s)
		require.Error(t, err, s)
	}
}

func FuzzKeyUnmarshalJSON(f *testing.F) {
	f.Add(uint32(0), uint32(4))
	f.Add(uint32(1), uint32(1))
	f.Add(uint32(math.MaxUint32), uint32(0))
	f.Fuzz(func(t *testing.T, idx, version uint32) {
		data := []byte(fmt.Sprintf(`{"idx":%d,"version":%d}`, idx, version))
		var k Key
		require.NoError(t, json.Unmarshal(data, &k))
		require.EqualValues(t, 1, k.Version()%2)
		if idx == math.MaxUint32 {
			require.True(t, k.IsNull())
			return
		}
		require.Equal(t, idx, k.Index())
		require.GreaterOrEqual(t, uint64(k.Version()), uint64(version))
		require.LessOrEqual(t, uint64(k.Version()), uint64(version)+1)
	})
}
