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

// Package pagetables implements the nodes of the simulated translation
// tree. Each node owns a fixed-fanout array of translation entries, an
// index-aligned array of per-entry software metadata, and its own mutex, so
// that address-space operations on disjoint subtrees never share a lock.
//
// Nodes are stored in an Arena and referenced by index; interior entries
// hold the child's index the way hardware interior entries hold the child
// table's physical address. A node that has been unlinked from its parent is
// marked stale. The stale flag is the only node state that may be read
// without holding the node's mutex; everything else requires it.
package pagetables

import (
	"fmt"
	"sync"
	"sync/atomic"

	"radixmm.dev/radixmm/pkg/memarch"
)

// checkInvariants panics on precondition violations when true. It is a
// compile-time constant so the checks are free when disabled.
const checkInvariants = true

// NodeID identifies a Node within an Arena. The zero NodeID is never a
// valid node.
type NodeID uint32

// NoNode is the zero NodeID.
const NoNode NodeID = 0

// Node is a single node of the translation tree.
//
// The entries and meta arrays are fixed at the machine's fanout and
// index-aligned: meta[i] is the software state of entries[i], always.
type Node struct {
	// level is the node's height in the tree: 0 for leaves whose entries
	// map pages, memarch.PTLevels-1 for the root. level is immutable.
	level int

	// mu guards entries and meta. It is not reentrant; a goroutine must
	// not lock a node it already holds.
	mu sync.Mutex

	// stale is set, exactly once, when the node is unlinked from its
	// parent. It never reverts. Readers may load it without holding mu;
	// the release store in MarkStale orders the unlink before any
	// subsequent observation of true.
	stale atomic.Bool

	// entries are the hardware-visible translation entries. Leaf entries
	// map frames; interior entries link child nodes.
	entries [memarch.PTEntries]PTE

	// meta holds the per-entry software state. Only meaningful on leaf
	// nodes; interior metadata slots stay zero.
	meta [memarch.PTEntries]Metadata
}

// Level returns the node's height in the tree.
func (n *Node) Level() int {
	return n.level
}

// Lock acquires the node's mutex.
func (n *Node) Lock() {
	n.mu.Lock()
}

// Unlock releases the node's mutex.
func (n *Node) Unlock() {
	n.mu.Unlock()
}

// Entry returns the i'th translation entry.
//
// The returned PTE's accessors are individually atomic, so traversal may
// follow child links through it without the node's mutex; any other use
// requires the mutex.
func (n *Node) Entry(i int) *PTE {
	return &n.entries[i]
}

// ReadMetadata returns the i'th metadata slot.
//
// Preconditions: n.mu must be locked.
func (n *Node) ReadMetadata(i int) Metadata {
	if checkInvariants && n.level != 0 {
		panic(fmt.Sprintf("metadata read on interior node (level %d)", n.level))
	}
	return n.meta[i]
}

// WriteMetadata replaces the i'th metadata slot.
//
// Preconditions: n.mu must be locked.
func (n *Node) WriteMetadata(i int, m Metadata) {
	if checkInvariants && n.level != 0 {
		panic(fmt.Sprintf("metadata write on interior node (level %d)", n.level))
	}
	n.meta[i] = m
}

// MarkStale marks the node as removed from the tree. It is idempotent and
// monotonic: once stale, a node never becomes live again.
func (n *Node) MarkStale() {
	n.stale.Store(true)
}

// IsStale returns whether the node has been removed from the tree. It may
// be called without the node's mutex.
func (n *Node) IsStale() bool {
	return n.stale.Load()
}
