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

import (
	"fmt"
	"sync"
	"sync/atomic"

	"radixmm.dev/radixmm/pkg/memarch"
)

// DefaultArenaCapacity is the node capacity of an Arena built by NewArena
// when the caller does not size it explicitly.
const DefaultArenaCapacity = 1 << 16

// Arena stores tree nodes and hands out index-based references to them.
// Parents link children by NodeID, and nothing holds a child-to-parent
// pointer, so the tree has no ownership cycle.
//
// Lookup is a single atomic load and is safe during lock-free traversal.
// Free must only be called once no traversal can still hold the NodeID;
// that is the reclaimer's grace-period guarantee. A freed slot may be
// reused for a later Alloc, but the Node object itself is never reused, so
// a straggling pointer to a freed node can only ever reach the dead node,
// not its successor.
type Arena struct {
	// slots[id] holds the node for NodeID id, or nil if id is unallocated
	// or freed. slots is sized at construction and never grows; index 0 is
	// NoNode and stays nil.
	slots []atomic.Pointer[Node]

	// mu guards next and free. It is taken only on Alloc and Free, never
	// during traversal.
	mu   sync.Mutex
	next NodeID
	free []NodeID

	// live is the number of currently allocated nodes.
	live atomic.Int64

	// freed is the total number of nodes ever freed.
	freed atomic.Uint64
}

// NewArena returns an Arena with capacity for the given number of nodes.
// capacity <= 0 selects DefaultArenaCapacity.
func NewArena(capacity int) *Arena {
	if capacity <= 0 {
		capacity = DefaultArenaCapacity
	}
	return &Arena{
		slots: make([]atomic.Pointer[Node], capacity+1),
		next:  1,
	}
}

// Alloc creates a fresh node at the given tree level. It returns false if
// the arena is out of slots.
func (a *Arena) Alloc(level int) (NodeID, *Node, bool) {
	if checkInvariants && (level < 0 || level >= memarch.PTLevels) {
		panic(fmt.Sprintf("bad node level %d", level))
	}
	a.mu.Lock()
	var id NodeID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else if int(a.next) < len(a.slots) {
		id = a.next
		a.next++
	} else {
		a.mu.Unlock()
		return NoNode, nil, false
	}
	a.mu.Unlock()

	node := &Node{level: level}
	a.slots[id].Store(node)
	a.live.Add(1)
	return id, node, true
}

// Lookup returns the node identified by id, or nil if the id has been
// freed. It is safe to call without any locks held.
func (a *Arena) Lookup(id NodeID) *Node {
	if id == NoNode || int(id) >= len(a.slots) {
		return nil
	}
	return a.slots[id].Load()
}

// Free releases the node identified by id and makes the slot reusable.
//
// Preconditions: the node is stale, unlinked, and past its grace period; no
// traversal can still hold id.
func (a *Arena) Free(id NodeID) {
	node := a.Lookup(id)
	if node == nil {
		return
	}
	if checkInvariants && !node.IsStale() {
		panic(fmt.Sprintf("freeing live node %d", id))
	}
	a.slots[id].Store(nil)
	a.mu.Lock()
	a.free = append(a.free, id)
	a.mu.Unlock()
	a.live.Add(-1)
	a.freed.Add(1)
}

// Live returns the number of currently allocated nodes.
func (a *Arena) Live() int64 {
	return a.live.Load()
}

// Freed returns the total number of nodes freed over the arena's lifetime.
func (a *Arena) Freed() uint64 {
	return a.freed.Load()
}

// Capacity returns the maximum number of nodes the arena can hold.
func (a *Arena) Capacity() int {
	return len(a.slots) - 1
}

// MarkSubtreeStale marks the node identified by id and every node reachable
// below it as stale. Interior entries are read atomically, so concurrent
// cursor writes to leaf state do not race with the walk.
//
// Preconditions: the subtree has been unlinked from its parent.
func MarkSubtreeStale(a *Arena, id NodeID) {
	node := a.Lookup(id)
	if node == nil {
		return
	}
	node.MarkStale()
	if node.level == 0 {
		return
	}
	for i := 0; i < len(node.entries); i++ {
		if pte := node.Entry(i); pte.Valid() {
			MarkSubtreeStale(a, pte.Child())
		}
	}
}

// FreeSubtree frees the node identified by id and every node below it.
//
// Preconditions: as for Arena.Free, for the entire subtree.
func FreeSubtree(a *Arena, id NodeID) {
	node := a.Lookup(id)
	if node == nil {
		return
	}
	if node.level > 0 {
		for i := 0; i < len(node.entries); i++ {
			if pte := node.Entry(i); pte.Valid() {
				FreeSubtree(a, pte.Child())
			}
		}
	}
	a.Free(id)
}
