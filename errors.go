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

import "github.com/cockroachdb/errors"

// Sentinel errors. Use errors.Is to test for them; the errors returned by the
// Try* methods carry additional context.
var (
	// ErrCapacityExceeded is returned (or panicked with) when an insertion or
	// reservation would take a container past its maximum number of
	// elements. The default maximum is 2^32-2.
	ErrCapacityExceeded = errors.New("slotmap: capacity exceeded")

	// ErrAllocationFailed marks errors returned by an Allocator that refused
	// to provide backing storage for a growth operation.
	ErrAllocationFailed = errors.New("slotmap: allocation failed")
)

// mustNotFail panics with err if it is non-nil. Used by the infallible
// variants of the Try* methods.
func mustNotFail(err error) {
	if err != nil {
		panic(err)
	}
}
