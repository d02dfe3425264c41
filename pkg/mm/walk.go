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
	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
	"radixmm.dev/radixmm/pkg/pagetables"
)

// leafBase returns the base address of the leaf node spanning addr.
func leafBase(addr memarch.Addr) memarch.Addr {
	return addr &^ memarch.Addr(memarch.NodeSpan(0)-1)
}

// findLeaf descends to the leaf spanning base without taking any locks.
// It returns false if the chain is not fully populated.
//
// Preconditions: the caller holds an rcu guard.
func (as *AddressSpace) findLeaf(base memarch.Addr) (pagetables.NodeID, *pagetables.Node, bool) {
	id, n := as.root, as.rootNode
	for level := memarch.PTLevels - 1; level > 0; level-- {
		pte := n.Entry(memarch.PTIndex(base, level))
		if !pte.Valid() {
			return pagetables.NoNode, nil, false
		}
		id = pte.Child()
		child := as.arena.Lookup(id)
		if child == nil {
			// The link was cleared and the subtree freed between our two
			// reads. Treat the chain as absent; the caller's validation
			// pass keeps this linearizable.
			return pagetables.NoNode, nil, false
		}
		n = child
	}
	return id, n, true
}

// findInterior descends to the interior node at the given level spanning
// base, without taking any locks. It returns false if the chain stops short.
//
// Preconditions: the caller holds an rcu guard. 0 < level < PTLevels.
func (as *AddressSpace) findInterior(base memarch.Addr, level int) (*pagetables.Node, bool) {
	n := as.rootNode
	for l := memarch.PTLevels - 1; l > level; l-- {
		pte := n.Entry(memarch.PTIndex(base, l))
		if !pte.Valid() {
			return nil, false
		}
		child := as.arena.Lookup(pte.Child())
		if child == nil {
			return nil, false
		}
		n = child
	}
	return n, true
}

// installLeaf descends to the leaf spanning base, building any missing part
// of the chain. A missing chain is assembled privately and published with a
// single child-link store under the deepest existing ancestor's lock, so
// concurrent traversals see either no chain or a complete one.
//
// Preconditions: the caller holds an rcu guard and no node locks.
func (as *AddressSpace) installLeaf(base memarch.Addr) (pagetables.NodeID, *pagetables.Node, error) {
restart:
	for {
		id, n := as.root, as.rootNode
		for level := memarch.PTLevels - 1; level > 0; level-- {
			pte := n.Entry(memarch.PTIndex(base, level))
			if !pte.Valid() {
				n.Lock()
				if n.IsStale() {
					// The ancestor was pruned while we descended; the new
					// chain, if any, hangs off a different node.
					n.Unlock()
					continue restart
				}
				if !pte.Valid() {
					top, err := as.buildChain(level-1, base)
					if err != nil {
						n.Unlock()
						return pagetables.NoNode, nil, err
					}
					pte.SetChild(top)
				}
				n.Unlock()
			}
			id = pte.Child()
			child := as.arena.Lookup(id)
			if child == nil {
				continue restart
			}
			n = child
		}
		return id, n, nil
	}
}

// buildChain allocates a private chain of nodes from topLevel down to the
// leaf level, linked along the path for base, and returns the topmost
// node's ID. Nothing is published; on allocation failure every node built
// so far is released and ErrNoMemory is returned.
func (as *AddressSpace) buildChain(topLevel int, base memarch.Addr) (pagetables.NodeID, error) {
	var (
		built []pagetables.NodeID
		top   pagetables.NodeID
		prev  *pagetables.Node
	)
	for level := topLevel; level >= 0; level-- {
		id, node, ok := as.arena.Alloc(level)
		if !ok {
			// Never published, so no grace period is needed.
			for _, bid := range built {
				as.arena.Lookup(bid).MarkStale()
				as.arena.Free(bid)
			}
			return pagetables.NoNode, memerr.ErrNoMemory
		}
		built = append(built, id)
		if prev == nil {
			top = id
		} else {
			prev.Entry(memarch.PTIndex(base, level+1)).SetChild(id)
		}
		prev = node
	}
	return top, nil
}

// collectLeaves returns every leaf currently linked into the tree, in
// ascending address order.
//
// Preconditions: the caller holds an rcu guard.
func (as *AddressSpace) collectLeaves() []cursorLeaf {
	var out []cursorLeaf
	as.collectLeavesIn(as.rootNode, 0, memarch.PTLevels-1, &out)
	return out
}

func (as *AddressSpace) collectLeavesIn(n *pagetables.Node, base memarch.Addr, level int, out *[]cursorLeaf) {
	for i := 0; i < memarch.PTEntries; i++ {
		pte := n.Entry(i)
		if !pte.Valid() {
			continue
		}
		id := pte.Child()
		child := as.arena.Lookup(id)
		if child == nil {
			continue
		}
		cbase := base + memarch.Addr(uint64(i)*memarch.EntrySpan(level))
		if level == 1 {
			*out = append(*out, cursorLeaf{id: id, node: child, base: cbase})
		} else {
			as.collectLeavesIn(child, cbase, level-1, out)
		}
	}
}
