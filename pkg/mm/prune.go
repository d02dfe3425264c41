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

package mm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/pagetables"
)

// pruneCovered unlinks every leaf wholly inside ar, then any interior
// nodes the removals left empty, and hands the unlinked subtrees to the
// reclaimer. Nodes are marked stale before their parent link is cleared,
// so a traversal holding a pruned NodeID always observes the removal when
// it validates.
//
// Preconditions: c covers ar with every page in ar already cleared.
func (as *AddressSpace) pruneCovered(c *Cursor, ar memarch.AddrRange) {
	leafSpan := memarch.Addr(memarch.NodeSpan(0))
	for i := range c.leaves {
		l := &c.leaves[i]
		if l.base < ar.Start || l.base+leafSpan > ar.End {
			continue
		}
		as.pruneLeafLocked(l)
	}
	// Work upward: an interior node wholly inside ar may now be empty.
	// The root level is never pruned.
	for level := 1; level < memarch.PTLevels-1; level++ {
		span := memarch.NodeSpan(level)
		first := (uint64(ar.Start) + span - 1) &^ (span - 1)
		for base := memarch.Addr(first); base+memarch.Addr(span) <= ar.End; base += memarch.Addr(span) {
			as.pruneInterior(base, level)
		}
	}
}

// pruneLeafLocked unlinks one fully-cleared leaf from its parent.
//
// Preconditions: l.node is locked by the caller's cursor and every entry in
// it has been cleared.
func (as *AddressSpace) pruneLeafLocked(l *cursorLeaf) {
	if checkInvariants {
		for i := 0; i < memarch.PTEntries; i++ {
			if l.node.Entry(i).Valid() {
				panic(fmt.Sprintf("pruning leaf %d with live entry %d", l.id, i))
			}
		}
	}
	parent, ok := as.findInterior(l.base, 1)
	if !ok {
		return
	}
	parent.Lock()
	if parent.IsStale() {
		// Unreachable while we hold a linked child: pruning the parent
		// requires clearing this leaf's entry first, which takes the
		// parent's lock and finds the leaf still linked.
		parent.Unlock()
		panic(fmt.Sprintf("leaf %d linked under stale parent", l.id))
	}
	pte := parent.Entry(memarch.PTIndex(l.base, 1))
	if checkInvariants && pte.Child() != l.id {
		parent.Unlock()
		panic(fmt.Sprintf("leaf %d not linked where expected", l.id))
	}
	pagetables.MarkSubtreeStale(as.arena, l.id)
	pte.Clear()
	parent.Unlock()
	as.reclaimer.DeferFree(l.id)
	as.pruned.Add(1)
	logrus.Debugf("mm: pruned leaf %d at %v", l.id, l.base)
}

// pruneInterior unlinks the interior node at (base, level) if it has become
// empty. Parent and node are locked top-down; the scan takes no child
// locks, since entries are only cleared under the node's own lock.
func (as *AddressSpace) pruneInterior(base memarch.Addr, level int) {
	parent, ok := as.findInterior(base, level+1)
	if !ok {
		return
	}
	parent.Lock()
	if parent.IsStale() {
		parent.Unlock()
		return
	}
	pte := parent.Entry(memarch.PTIndex(base, level+1))
	if !pte.Valid() {
		parent.Unlock()
		return
	}
	id := pte.Child()
	node := as.arena.Lookup(id)
	if node == nil {
		parent.Unlock()
		return
	}
	node.Lock()
	if node.IsStale() {
		node.Unlock()
		parent.Unlock()
		return
	}
	for i := 0; i < memarch.PTEntries; i++ {
		if node.Entry(i).Valid() {
			node.Unlock()
			parent.Unlock()
			return
		}
	}
	pagetables.MarkSubtreeStale(as.arena, id)
	pte.Clear()
	node.Unlock()
	parent.Unlock()
	as.reclaimer.DeferFree(id)
	as.pruned.Add(1)
	logrus.Debugf("mm: pruned empty interior %d at %v level %d", id, base, level)
}
