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
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// nullIndex is the slot index of the null key. No container ever hands out a
// key with this index.
const nullIndex = math.MaxUint32

// Key is a handle to a value stored in a primary container (SlotMap,
// HopSlotMap or DenseSlotMap). It pairs a slot index with the version the
// slot had when the value was inserted. A key is valid as long as the value
// it was returned for has not been removed; once removed it stays invalid,
// even if the slot is reused for a new value.
//
// Keys are only meaningful for the container that created them and the
// secondary maps populated with them. Using a key with another container is
// safe but the result is unspecified.
//
// The zero Key is not the null key; it never validates because slot 0 is a
// sentinel in every container.
type Key struct {
	idx     uint32
	version uint32
}

// NewKey constructs a key from its raw parts. The version is normalized to
// an occupied (odd) version, and a key with the null index is the null key.
func NewKey(idx, version uint32) Key {
	if idx == nullIndex {
		return NullKey()
	}
	return Key{idx: idx, version: version | 1}
}

// NullKey returns the null key. It is never valid in any container.
func NullKey() Key {
	return Key{idx: nullIndex, version: 1}
}

// IsNull returns whether k is the null key.
func (k Key) IsNull() bool {
	return k.idx == nullIndex
}

// Index returns the slot index of k.
func (k Key) Index() uint32 {
	return k.idx
}

// Version returns the slot version of k.
func (k Key) Version() uint32 {
	return k.version
}

// AsUint64 packs k into a single integer, version in the high 32 bits and
// index in the low 32 bits. The result can be passed through foreign
// interfaces and turned back into a key with KeyFromUint64.
func (k Key) AsUint64() uint64 {
	return uint64(k.version)<<32 | uint64(k.idx)
}

// KeyFromUint64 is the inverse of Key.AsUint64. The decoded version is
// normalized as in NewKey, so an arbitrary integer never yields a key with a
// vacant version.
func KeyFromUint64(v uint64) Key {
	return NewKey(uint32(v), uint32(v>>32))
}

func (k Key) String() string {
	if k.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%dv%d", k.idx, k.version)
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	if s == "null" {
		return NullKey(), nil
	}
	i := strings.IndexByte(s, 'v')
	if i < 0 {
		return Key{}, errors.Newf("slotmap: malformed key %q", s)
	}
	idx, err := strconv.ParseUint(s[:i], 10, 32)
	if err != nil {
		return Key{}, errors.Wrapf(err, "slotmap: malformed key index %q", s)
	}
	version, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Key{}, errors.Wrapf(err, "slotmap: malformed key version %q", s)
	}
	return NewKey(uint32(idx), uint32(version)), nil
}

type serKey struct {
	Idx     uint32 `json:"idx"`
	Version uint32 `json:"version"`
}

// MarshalJSON encodes k as {"idx":N,"version":M}.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(serKey{Idx: k.idx, Version: k.version})
}

// UnmarshalJSON decodes a key encoded by MarshalJSON. Keys coming from
// untrusted input are normalized the same way as NewKey: the version is
// forced to the nearest occupied version at or above the encoded one, so a
// decoded key can only ever refer to an occupied slot.
func (k *Key) UnmarshalJSON(data []byte) error {
	var s serKey
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "slotmap: decoding key")
	}
	*k = NewKey(s.Idx, s.Version)
	return nil
}

// IsOlderVersion returns whether version a was issued strictly before version
// b for the same slot. Versions wrap around, so the comparison is circular:
// a is older than b if b is at most 2^31 increments ahead of a.
func IsOlderVersion(a, b uint32) bool {
	diff := b - a
	return diff != 0 && diff <= 1<<31
}
