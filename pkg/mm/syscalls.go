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
	"radixmm.dev/radixmm/pkg/memerr"
	"radixmm.dev/radixmm/pkg/pagetables"
)

// MMap establishes a private anonymous mapping over [addr, addr+length).
// Any existing mapping in the range is silently replaced, fixed-address
// style. No frames are allocated; pages are populated by first-touch
// faults.
func (as *AddressSpace) MMap(addr memarch.Addr, length uint64, perms memarch.AccessType) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	c, err := as.acquireCursor(ar, true)
	if err != nil {
		return err
	}
	defer c.Release()

	for va := ar.Start; va < ar.End; va += memarch.PageSize {
		if c.metadata(va).Status == pagetables.Unmapped {
			as.mappedPages.Add(1)
			continue
		}
		// Replacing: drop the old frame, keep the page counted.
		if fn, ok := c.Unmap(va); ok {
			as.frames.DecRef(fn)
		}
	}
	c.Mark(ar, pagetables.PrivateAnon, perms)
	return nil
}

// MUnmap removes all mappings in [addr, addr+length). Unmapping pages that
// were never mapped is a no-op. Leaves and interior nodes left empty by the
// removal are unlinked and handed to the reclaimer.
func (as *AddressSpace) MUnmap(addr memarch.Addr, length uint64) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	c, err := as.acquireCursor(ar, false)
	if err != nil {
		return err
	}

	for va := ar.Start; va < ar.End; va += memarch.PageSize {
		if c.leafFor(va) == nil {
			// No leaf, nothing mapped; skip the rest of its span.
			va = leafBase(va) + memarch.Addr(memarch.NodeSpan(0)) - memarch.PageSize
			continue
		}
		if fn, ok := c.Unmap(va); ok {
			as.frames.DecRef(fn)
		}
		if c.metadata(va).Status != pagetables.Unmapped {
			as.mappedPages.Add(-1)
			c.setMetadata(va, pagetables.Metadata{})
		}
	}

	as.pruneCovered(c, ar)
	c.Release()
	as.reclaimer.TryReclaim()
	return nil
}

// PageFault resolves a simulated hardware fault at vaddr for the given
// access. It returns nil when the fault was handled (or was spurious),
// ErrFatalFault when the page is unmapped or the access exceeds the
// mapping's permissions, and ErrNoMemory when resolving it needs a frame
// that cannot be allocated.
func (as *AddressSpace) PageFault(vaddr memarch.Addr, access memarch.AccessType) error {
	if vaddr >= memarch.MaxAddr {
		return memerr.ErrInvalidRange
	}
	as.faults.Add(1)
	page := vaddr.RoundDown()
	c, err := as.acquireCursor(memarch.AddrRange{Start: page, End: page + memarch.PageSize}, false)
	if err != nil {
		return err
	}
	defer c.Release()

	m := c.metadata(page)
	if m.Status == pagetables.Unmapped {
		return as.fatalFault()
	}
	if !m.SoftPerms.SupersetOf(access) {
		return as.fatalFault()
	}

	switch m.Status {
	case pagetables.PrivateAnon:
		// First touch: back the page with a zeroed frame.
		fn, err := as.frames.Allocate()
		if err != nil {
			return err
		}
		c.Map(page, fn, m.SoftPerms)
		c.setMetadata(page, pagetables.Metadata{Status: pagetables.Mapped, SoftPerms: m.SoftPerms})
		as.lazyAllocs.Add(1)

	case pagetables.Mapped:
		// Spurious: the translation is already installed with the
		// mapping's permissions.

	case pagetables.CowShared:
		if !access.Write {
			// The read-only translation is already installed.
			break
		}
		fn, _, ok := c.Translate(page)
		if checkInvariants && !ok {
			panic(fmt.Sprintf("copy-on-write page %v has no translation", page))
		}
		// The count cannot rise concurrently: it only grows in Fork, and a
		// fork sharing this page again would need this page's leaf lock,
		// which the cursor holds.
		if as.frames.RefCount(fn) == 1 {
			// Every other reference is gone; take the frame back.
			c.Map(page, fn, m.SoftPerms)
			c.setMetadata(page, pagetables.Metadata{Status: pagetables.Mapped, SoftPerms: m.SoftPerms})
			as.cowClaims.Add(1)
			break
		}
		nfn, err := as.frames.Allocate()
		if err != nil {
			return err
		}
		as.frames.CopyFrame(nfn, fn)
		c.Map(page, nfn, m.SoftPerms)
		c.setMetadata(page, pagetables.Metadata{Status: pagetables.Mapped, SoftPerms: m.SoftPerms})
		as.frames.DecRef(fn)
		as.cowCopies.Add(1)
	}
	return nil
}

func (as *AddressSpace) fatalFault() error {
	as.fatalFaults.Add(1)
	return memerr.ErrFatalFault
}

// Fork creates a copy of the address space with copy-on-write semantics:
// every backed page is shared read-only between parent and child, each
// side copying (or reclaiming) on its next write. Unbacked anonymous pages
// are inherited as unbacked. The parent remains usable on failure.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	child, err := NewAddressSpace(AddressSpaceOpts{
		Frames:        as.frames,
		ArenaCapacity: as.arena.Capacity(),
	})
	if err != nil {
		return nil, err
	}

	c := as.acquireAll()
	defer c.Release()
	// The child is still private, but installLeaf runs under its
	// reclaimer's rules like everywhere else.
	cg := child.reclaimer.Enter()
	defer cg.Leave()

	var (
		childPages int64
		shared     []memarch.FrameNumber
	)
	for _, pl := range c.leaves {
		pages, fns, err := as.forkLeafInto(child, pl)
		shared = append(shared, fns...)
		if err != nil {
			for _, fn := range shared {
				as.frames.DecRef(fn)
			}
			return nil, err
		}
		childPages += pages
	}
	child.mappedPages.Store(childPages)
	as.forks.Add(1)
	logrus.Debugf("mm: forked address space, %d pages inherited", childPages)
	return child, nil
}

// forkLeafInto mirrors one locked parent leaf into the child, converting
// backed pages to copy-on-write on both sides. It returns the number of
// pages inherited and the frames whose refcounts were raised, so a failing
// fork can put the counts back.
//
// Preconditions: pl.node is locked.
func (as *AddressSpace) forkLeafInto(child *AddressSpace, pl cursorLeaf) (int64, []memarch.FrameNumber, error) {
	populated := false
	for i := 0; i < memarch.PTEntries; i++ {
		if pl.node.ReadMetadata(i).Status != pagetables.Unmapped {
			populated = true
			break
		}
	}
	if !populated {
		return 0, nil, nil
	}

	_, cnode, err := child.installLeaf(pl.base)
	if err != nil {
		return 0, nil, err
	}
	cnode.Lock()
	defer cnode.Unlock()

	var (
		pages  int64
		shared []memarch.FrameNumber
	)
	for i := 0; i < memarch.PTEntries; i++ {
		m := pl.node.ReadMetadata(i)
		if m.Status == pagetables.Unmapped {
			continue
		}
		switch m.Status {
		case pagetables.PrivateAnon:
			// Nothing backs the page yet; the child faults its own frame.
			cnode.WriteMetadata(i, m)

		case pagetables.Mapped:
			pte := pl.node.Entry(i)
			fn := pte.Frame()
			ro := m.SoftPerms
			ro.Write = false
			pte.SetPerms(ro)
			pl.node.WriteMetadata(i, pagetables.Metadata{Status: pagetables.CowShared, SoftPerms: m.SoftPerms})
			cnode.Entry(i).Set(fn, ro)
			cnode.WriteMetadata(i, pagetables.Metadata{Status: pagetables.CowShared, SoftPerms: m.SoftPerms})
			as.frames.IncRef(fn)
			shared = append(shared, fn)

		case pagetables.CowShared:
			// Already write-protected from an earlier fork; share again.
			fn := pl.node.Entry(i).Frame()
			ro := m.SoftPerms
			ro.Write = false
			cnode.Entry(i).Set(fn, ro)
			cnode.WriteMetadata(i, pagetables.Metadata{Status: pagetables.CowShared, SoftPerms: m.SoftPerms})
			as.frames.IncRef(fn)
			shared = append(shared, fn)
		}
		pages++
	}
	return pages, shared, nil
}

// Query returns the state of the page containing addr.
func (as *AddressSpace) Query(addr memarch.Addr) (pagetables.Status, error) {
	if addr >= memarch.MaxAddr {
		return pagetables.Unmapped, memerr.ErrInvalidRange
	}
	page := addr.RoundDown()
	c, err := as.acquireCursor(memarch.AddrRange{Start: page, End: page + memarch.PageSize}, false)
	if err != nil {
		return pagetables.Unmapped, err
	}
	s := c.Query(page)
	c.Release()
	return s, nil
}
