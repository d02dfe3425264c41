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

// Package memarch describes the memory architecture of the simulated
// machine: virtual addresses, physical frame numbers, access permissions,
// and the fixed geometry of the page-table tree.
//
// The simulated machine uses 4 KiB pages and a four-level translation tree
// with 512 entries per node, giving a 48-bit virtual address space. The
// geometry is fixed; nothing in this module models a real hardware format.
package memarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page in bytes.
	PageSize = 1 << PageShift

	// PTEntryShift is the binary log of the number of entries per
	// page-table node.
	PTEntryShift = 9

	// PTEntries is the number of translation entries in a single
	// page-table node. Each node also carries exactly PTEntries metadata
	// slots; the two arrays are always index-aligned.
	PTEntries = 1 << PTEntryShift

	// PTLevels is the number of levels in the translation tree. Level 0
	// nodes are leaves whose entries map pages; level PTLevels-1 is the
	// root.
	PTLevels = 4

	// MaxAddr is the exclusive upper bound of the virtual address space.
	MaxAddr Addr = 1 << (PageShift + PTLevels*PTEntryShift)
)

// LevelShift returns the binary log of the span of a single entry at the
// given tree level. A level 0 entry spans one page.
func LevelShift(level int) uint {
	return uint(PageShift + level*PTEntryShift)
}

// EntrySpan returns the number of bytes of virtual address space covered by
// a single entry at the given tree level.
func EntrySpan(level int) uint64 {
	return 1 << LevelShift(level)
}

// NodeSpan returns the number of bytes of virtual address space covered by
// an entire node at the given tree level.
func NodeSpan(level int) uint64 {
	return uint64(PTEntries) << LevelShift(level)
}

// PTIndex returns the index of the entry translating addr at the given tree
// level.
func PTIndex(addr Addr, level int) int {
	return int(uint64(addr)>>LevelShift(level)) & (PTEntries - 1)
}
