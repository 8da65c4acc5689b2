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
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// option provide an interface to do work on a container's configuration while
// it is being created.
type option interface {
	apply(c *config)
}

// config holds the settings shared by every container type.
type config struct {
	allocator Allocator
	maxLen    uint32
	// inCallback is set while an InsertWithKey callback runs.
	inCallback bool
}

func makeConfig(options []option) config {
	c := config{
		allocator: defaultAllocator{},
		maxLen:    maxElements,
	}
	for _, op := range options {
		op.apply(&c)
	}
	return c
}

// Allocator specifies an interface for accounting the memory used by a
// container's backing arrays. Every growth of a backing array calls Alloc
// with the size in bytes of the new array before it is allocated, and Free
// with the size of the array it replaces once the contents have been copied.
// The default allocator accepts every request.
//
// An Allocator that returns an error from Alloc causes the growth operation
// to fail: the Try* methods return an error marked with ErrAllocationFailed
// and their infallible counterparts panic with it. The container is left
// unchanged.
//
// Close must be called on a container in order to ensure that Free is called
// for its remaining arrays.
type Allocator interface {
	// Alloc is called before allocating size bytes.
	Alloc(size uintptr) error

	// Free is called after an array of size bytes is no longer referenced
	// by the container.
	Free(size uintptr)
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(size uintptr) error {
	return nil
}

func (defaultAllocator) Free(size uintptr) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(c *config) {
	c.allocator = op.allocator
}

// WithAllocator is an option for specifying the Allocator to use for a
// container.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}

type maxLenOption struct {
	maxLen uint32
}

func (op maxLenOption) apply(c *config) {
	c.maxLen = min(op.maxLen, maxElements)
}

// WithMaxLen is an option to lower the maximum number of elements a primary
// container may hold at once. Values above 2^32-2 are clamped to 2^32-2.
// Exceeding the limit is reported as ErrCapacityExceeded.
func WithMaxLen(n uint32) option {
	return maxLenOption{n}
}

// maxElements is the largest number of live elements a container can hold.
// Two index values are reserved: 0 for the sentinel slot and math.MaxUint32
// for the null key.
const maxElements = math.MaxUint32 - 1

// checkLen returns ErrCapacityExceeded if holding n elements would exceed the
// configured maximum.
func (c *config) checkLen(n uint64) error {
	if n > uint64(c.maxLen) {
		return errors.Wrapf(ErrCapacityExceeded, "%d elements exceeds maximum of %d", n, c.maxLen)
	}
	return nil
}

// growSlice returns a slice with the contents of s and a capacity of at least
// needed, accounting the new and old arrays with the configured Allocator. If
// s already has enough capacity it is returned unchanged.
func growSlice[T any](c *config, s []T, needed int) ([]T, error) {
	if needed <= cap(s) {
		return s, nil
	}
	newCap := max(2*cap(s), needed, 4)
	var t T
	size := unsafe.Sizeof(t)
	if err := c.allocator.Alloc(uintptr(newCap) * size); err != nil {
		return s, errors.Mark(errors.Wrapf(err, "growing to %d elements", newCap), ErrAllocationFailed)
	}
	if debug {
		fmt.Printf("grow: %T capacity=%d->%d\n", s, cap(s), newCap)
	}
	r := make([]T, len(s), newCap)
	copy(r, s)
	freeSlice(c, s)
	return r, nil
}

// freeSlice reports the release of s's backing array to the Allocator.
func freeSlice[T any](c *config, s []T) {
	if cap(s) == 0 {
		return
	}
	var t T
	c.allocator.Free(uintptr(cap(s)) * unsafe.Sizeof(t))
}

// checkReentry panics if an insertion is attempted from within an
// InsertWithKey callback, which would hand out the key being built a second
// time.
func (c *config) checkReentry() {
	if c.inCallback {
		panic(errors.AssertionFailedf("slotmap: container modified from its InsertWithKey callback"))
	}
}

// callWithKey calls f with the key an insertion is about to commit.
func callWithKey[V any](c *config, f func(Key) V, k Key) V {
	c.inCallback = true
	defer func() { c.inCallback = false }()
	return f(k)
}
