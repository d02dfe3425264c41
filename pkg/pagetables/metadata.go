// Copyright 2026 The RadixMM Authors.
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

package pagetables

import "radixmm.dev/radixmm/pkg/memarch"

// Status is the software state of one virtual page. The set is closed;
// switches over Status handle every value.
type Status uint8

const (
	// Unmapped pages have no backing and no commitment. Accessing one is a
	// fatal fault. This is both the initial and the terminal state.
	Unmapped Status = iota

	// PrivateAnon pages are committed by mmap but not yet backed by a
	// frame; the first fault allocates one.
	PrivateAnon

	// Mapped pages are backed by a private frame.
	Mapped

	// CowShared pages share their frame with at least one other mapping;
	// a write must break the share first.
	CowShared
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Unmapped:
		return "Unmapped"
	case PrivateAnon:
		return "PrivateAnon"
	case Mapped:
		return "Mapped"
	case CowShared:
		return "CowShared"
	default:
		return "Invalid"
	}
}

// Metadata is the software state of one leaf translation entry. It is what
// lazy allocation and COW are built from: SoftPerms records the intended
// permissions before any frame exists, independent of the entry's present
// bit.
//
// The shared-frame reference count is not stored here; it lives with the
// frame itself in the frame store, so that every mapping of a frame
// observes the same count.
type Metadata struct {
	// Status is the page's software state.
	Status Status

	// SoftPerms is the mapping's intended permissions. Faults are checked
	// against SoftPerms, not against the entry's hardware bits, which lag
	// behind until the first fault materializes them.
	SoftPerms memarch.AccessType
}
