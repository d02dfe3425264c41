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
	"sort"

	"github.com/sirupsen/logrus"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
	"radixmm.dev/radixmm/pkg/pagetables"
	"radixmm.dev/radixmm/pkg/rcu"
)

// retryWarnAfter is the consecutive-retry count past which an acquisition
// is considered pathological and worth a (rate-limited) warning.
const retryWarnAfter = 16

type cursorLeaf struct {
	id   pagetables.NodeID
	node *pagetables.Node
	base memarch.Addr
}

// A Cursor holds the locked, validated leaf set covering an address range
// and exposes per-page operations on it. While a Cursor is held, no other
// goroutine can mutate translations or metadata in its range, and no node
// it references can be freed.
//
// A Cursor is borrowed state, not a long-lived object: acquire, operate,
// Release. It must not be shared across goroutines, and the owning
// goroutine must not acquire another Cursor whose range could overlap this
// one's.
type Cursor struct {
	as *AddressSpace
	ar memarch.AddrRange

	guard *rcu.Guard[pagetables.NodeID]

	// leaves is ascending by base. It is sparse when the cursor was
	// acquired without materializing: a missing leaf means every page it
	// would cover is unmapped.
	leaves   []cursorLeaf
	released bool
}

// Acquire locks the leaves covering [addr, addr+length) and returns a
// Cursor over them, materializing any missing part of the tree. It fails
// with ErrInvalidRange if the range is empty, unaligned, or extends past
// the address-space bound, and with ErrNoMemory if the node arena cannot
// supply a missing chain.
func (as *AddressSpace) Acquire(addr memarch.Addr, length uint64) (*Cursor, error) {
	ar, err := checkRange(addr, length)
	if err != nil {
		return nil, err
	}
	return as.acquireCursor(ar, true)
}

// checkRange validates an (addr, length) pair from the external interface.
func checkRange(addr memarch.Addr, length uint64) (memarch.AddrRange, error) {
	if length == 0 || length%memarch.PageSize != 0 || !addr.IsPageAligned() {
		return memarch.AddrRange{}, memerr.ErrInvalidRange
	}
	ar, ok := addr.ToRange(length)
	if !ok || ar.End > memarch.MaxAddr {
		return memarch.AddrRange{}, memerr.ErrInvalidRange
	}
	return ar, nil
}

// acquireCursor implements cursor acquisition: lock-free collection of the
// leaf set, locking in ascending address order, then validation. Any stale
// leaf releases everything and restarts; callers never observe a retry.
//
// A sparse (non-materializing) acquisition additionally re-probes the spans
// it collected as missing after the locks are held: a leaf linked into a gap
// between collection and locking would otherwise let the cursor read "not
// mapped" over pages a fully-completed concurrent operation just populated.
func (as *AddressSpace) acquireCursor(ar memarch.AddrRange, materialize bool) (*Cursor, error) {
	guard := as.reclaimer.Enter()
	retries := 0
	for {
		leaves, err := as.collectRange(ar, materialize)
		if err != nil {
			guard.Leave()
			return nil, err
		}
		ok := as.lockAndValidate(leaves)
		if ok && !materialize && !as.gapsStillEmpty(ar, leaves) {
			unlockLeaves(leaves)
			ok = false
		}
		if ok {
			return &Cursor{as: as, ar: ar, guard: guard, leaves: leaves}, nil
		}
		retries++
		as.lockRetries.Add(1)
		if retries >= retryWarnAfter && as.retryWarn.Allow() {
			logrus.Warnf("mm: cursor acquisition over %v retried %d times", ar, retries)
		}
	}
}

// acquireAll locks every leaf currently in the tree and returns a Cursor
// spanning the whole address space. The locked set is re-collected and
// compared once the locks are held, so at the moment of success it is the
// complete leaf set: a leaf linked later belongs to an operation that either
// blocks on one of the held locks or linearizes after the acquisition
// entirely.
func (as *AddressSpace) acquireAll() *Cursor {
	guard := as.reclaimer.Enter()
	retries := 0
	for {
		leaves := as.collectLeaves()
		ok := as.lockAndValidate(leaves)
		if ok && !sameLeafSet(leaves, as.collectLeaves()) {
			unlockLeaves(leaves)
			ok = false
		}
		if ok {
			return &Cursor{
				as:     as,
				ar:     memarch.AddrRange{Start: 0, End: memarch.MaxAddr},
				guard:  guard,
				leaves: leaves,
			}
		}
		retries++
		as.lockRetries.Add(1)
		if retries >= retryWarnAfter && as.retryWarn.Allow() {
			logrus.Warnf("mm: whole-space acquisition retried %d times", retries)
		}
	}
}

// collectRange resolves the leaf set for ar without locking it. With
// materialize set, missing chains are installed; otherwise missing leaves
// are skipped.
func (as *AddressSpace) collectRange(ar memarch.AddrRange, materialize bool) ([]cursorLeaf, error) {
	span := memarch.Addr(memarch.NodeSpan(0))
	var leaves []cursorLeaf
	for base := leafBase(ar.Start); base < ar.End; base += span {
		if materialize {
			id, node, err := as.installLeaf(base)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, cursorLeaf{id: id, node: node, base: base})
		} else if id, node, ok := as.findLeaf(base); ok {
			leaves = append(leaves, cursorLeaf{id: id, node: node, base: base})
		}
	}
	return leaves, nil
}

// lockAndValidate locks leaves in order and checks that none went stale
// between collection and locking. On failure everything is unlocked again.
func (as *AddressSpace) lockAndValidate(leaves []cursorLeaf) bool {
	for _, l := range leaves {
		l.node.Lock()
	}
	for _, l := range leaves {
		if l.node.IsStale() {
			unlockLeaves(leaves)
			return false
		}
	}
	return true
}

// unlockLeaves unlocks in reverse acquisition order.
func unlockLeaves(leaves []cursorLeaf) {
	for i := len(leaves) - 1; i >= 0; i-- {
		leaves[i].node.Unlock()
	}
}

// gapsStillEmpty reports whether every leaf span of ar missing from leaves
// is still unlinked.
//
// Preconditions: leaves is ascending by base and locked. The caller holds an
// rcu guard.
func (as *AddressSpace) gapsStillEmpty(ar memarch.AddrRange, leaves []cursorLeaf) bool {
	span := memarch.Addr(memarch.NodeSpan(0))
	i := 0
	for base := leafBase(ar.Start); base < ar.End; base += span {
		if i < len(leaves) && leaves[i].base == base {
			i++
			continue
		}
		if _, _, ok := as.findLeaf(base); ok {
			return false
		}
	}
	return true
}

// sameLeafSet reports whether a and b name the same nodes in the same
// order.
func sameLeafSet(a, b []cursorLeaf) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].id != b[i].id {
			return false
		}
	}
	return true
}

// Range returns the cursor's address range.
func (c *Cursor) Range() memarch.AddrRange {
	return c.ar
}

// Release unlocks the cursor's leaves and ends its traversal. It is
// idempotent; every acquired cursor must be released exactly once it is no
// longer needed.
func (c *Cursor) Release() {
	if c.released {
		return
	}
	c.released = true
	unlockLeaves(c.leaves)
	c.guard.Leave()
}

// leafFor returns the locked leaf covering vaddr, or nil if the cursor was
// acquired without materializing and no leaf spans vaddr. Addressing
// outside the cursor's range, or through a released cursor, is a
// programming error and panics.
func (c *Cursor) leafFor(vaddr memarch.Addr) *cursorLeaf {
	if c.released {
		panic("use of released cursor")
	}
	if !c.ar.Contains(vaddr) {
		panic(fmt.Sprintf("address %v outside cursor range %v", vaddr, c.ar))
	}
	base := leafBase(vaddr)
	i := sort.Search(len(c.leaves), func(i int) bool {
		return c.leaves[i].base >= base
	})
	if i < len(c.leaves) && c.leaves[i].base == base {
		return &c.leaves[i]
	}
	return nil
}

// Query returns the state of the page containing vaddr.
func (c *Cursor) Query(vaddr memarch.Addr) pagetables.Status {
	return c.metadata(vaddr).Status
}

// metadata returns the software state of the page containing vaddr. Pages
// under missing leaves read as the zero Metadata (unmapped).
func (c *Cursor) metadata(vaddr memarch.Addr) pagetables.Metadata {
	l := c.leafFor(vaddr)
	if l == nil {
		return pagetables.Metadata{}
	}
	return l.node.ReadMetadata(memarch.PTIndex(vaddr, 0))
}

// setMetadata replaces the software state of the page containing vaddr.
// The page's leaf must be materialized.
func (c *Cursor) setMetadata(vaddr memarch.Addr, m pagetables.Metadata) {
	l := c.leafFor(vaddr)
	if l == nil {
		panic(fmt.Sprintf("metadata write at %v without a materialized leaf", vaddr))
	}
	l.node.WriteMetadata(memarch.PTIndex(vaddr, 0), m)
}

// Map installs a translation for the page containing vaddr. The page's
// leaf must be materialized. Map does not touch metadata; pair it with Mark
// or the fault handler's state updates.
func (c *Cursor) Map(vaddr memarch.Addr, frame memarch.FrameNumber, at memarch.AccessType) {
	l := c.leafFor(vaddr)
	if l == nil {
		panic(fmt.Sprintf("map at %v without a materialized leaf", vaddr))
	}
	l.node.Entry(memarch.PTIndex(vaddr, 0)).Set(frame, at)
}

// Unmap clears the translation for the page containing vaddr and returns
// the frame it mapped, if any. Metadata is left untouched.
func (c *Cursor) Unmap(vaddr memarch.Addr) (memarch.FrameNumber, bool) {
	l := c.leafFor(vaddr)
	if l == nil {
		return memarch.NoFrame, false
	}
	pte := l.node.Entry(memarch.PTIndex(vaddr, 0))
	if !pte.Valid() {
		return memarch.NoFrame, false
	}
	fn := pte.Frame()
	pte.Clear()
	return fn, true
}

// Translate returns the frame and permissions of the page containing
// vaddr, if a translation is installed.
func (c *Cursor) Translate(vaddr memarch.Addr) (memarch.FrameNumber, memarch.AccessType, bool) {
	l := c.leafFor(vaddr)
	if l == nil {
		return memarch.NoFrame, memarch.NoAccess, false
	}
	pte := l.node.Entry(memarch.PTIndex(vaddr, 0))
	if !pte.Valid() {
		return memarch.NoFrame, memarch.NoAccess, false
	}
	return pte.Frame(), pte.Perms(), true
}

// Mark sets the software state of every page in ar, which must be
// page-aligned and contained in the cursor's range. Mark never touches
// translation entries: unmapping or remapping pages is Unmap and Map's
// job.
func (c *Cursor) Mark(ar memarch.AddrRange, status pagetables.Status, softPerms memarch.AccessType) {
	if !ar.WellFormed() || !ar.IsPageAligned() || !c.ar.IsSupersetOf(ar) {
		panic(fmt.Sprintf("mark of %v outside cursor range %v", ar, c.ar))
	}
	m := pagetables.Metadata{Status: status, SoftPerms: softPerms}
	for va := ar.Start; va < ar.End; va += memarch.PageSize {
		c.setMetadata(va, m)
	}
}
