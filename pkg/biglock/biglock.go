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

// Package biglock implements the address-space interface the traditional
// way: one mutex around the whole space, mappings in an ordered region
// index, frames in a per-page table. It exists as the baseline the
// fine-grained implementation is measured against; the two are
// semantically interchangeable and share a frame store.
package biglock

import (
	"sync"

	"github.com/google/btree"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
	"radixmm.dev/radixmm/pkg/pagetables"
	"radixmm.dev/radixmm/pkg/physmem"
)

// region is one mapped range. Regions are immutable once inserted; resizes
// replace them, so clones produced by Fork can share the index safely.
type region struct {
	ar    memarch.AddrRange
	perms memarch.AccessType
}

func regionLess(a, b *region) bool {
	return a.ar.Start < b.ar.Start
}

// page is the state of a single backed page.
type page struct {
	status pagetables.Status
	frame  memarch.FrameNumber
}

// Space is a whole-space-locked address space.
type Space struct {
	frames physmem.Allocator

	mu sync.Mutex
	// regions holds the mapped ranges, disjoint, ordered by start.
	regions *btree.BTreeG[*region]
	// pages holds per-page frame state for every backed page, keyed by
	// page-aligned address. Pages inside a region but absent here are
	// anonymous and unbacked.
	pages map[memarch.Addr]page

	mappedPages int64
	faults      uint64
	lazyAllocs  uint64
	cowCopies   uint64
	cowClaims   uint64
	fatalFaults uint64
	forks       uint64
}

// NewSpace returns an empty space backed by frames.
func NewSpace(frames physmem.Allocator) *Space {
	if frames == nil {
		panic("frames is required")
	}
	return &Space{
		frames:  frames,
		regions: btree.NewG(8, regionLess),
		pages:   make(map[memarch.Addr]page),
	}
}

// Stats is a point-in-time snapshot of a Space's counters.
type Stats struct {
	MappedPages int64
	Faults      uint64
	LazyAllocs  uint64
	CowCopies   uint64
	CowClaims   uint64
	FatalFaults uint64
	Forks       uint64
}

// Stats returns a snapshot of the space's counters.
func (s *Space) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		MappedPages: s.mappedPages,
		Faults:      s.faults,
		LazyAllocs:  s.lazyAllocs,
		CowCopies:   s.cowCopies,
		CowClaims:   s.cowClaims,
		FatalFaults: s.fatalFaults,
		Forks:       s.forks,
	}
}

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

// regionAt returns the region containing addr.
//
// Preconditions: s.mu must be locked.
func (s *Space) regionAt(addr memarch.Addr) *region {
	var found *region
	s.regions.DescendLessOrEqual(&region{ar: memarch.AddrRange{Start: addr}}, func(r *region) bool {
		found = r
		return false
	})
	if found != nil && found.ar.Contains(addr) {
		return found
	}
	return nil
}

// overlapping returns the regions intersecting ar.
//
// Preconditions: s.mu must be locked.
func (s *Space) overlapping(ar memarch.AddrRange) []*region {
	var out []*region
	if r := s.regionAt(ar.Start); r != nil {
		out = append(out, r)
	}
	s.regions.AscendGreaterOrEqual(&region{ar: memarch.AddrRange{Start: ar.Start + 1}}, func(r *region) bool {
		if r.ar.Start >= ar.End {
			return false
		}
		out = append(out, r)
		return true
	})
	return out
}

// removeLocked clears all mappings in ar: regions are trimmed or split
// around it and backed pages give up their frames.
//
// Preconditions: s.mu must be locked. ar is page-aligned.
func (s *Space) removeLocked(ar memarch.AddrRange) {
	for _, r := range s.overlapping(ar) {
		s.regions.Delete(r)
		if left := (memarch.AddrRange{Start: r.ar.Start, End: ar.Start}); left.WellFormed() && left.Length() > 0 {
			s.regions.ReplaceOrInsert(&region{ar: left, perms: r.perms})
		}
		if right := (memarch.AddrRange{Start: ar.End, End: r.ar.End}); right.WellFormed() && right.Length() > 0 {
			s.regions.ReplaceOrInsert(&region{ar: right, perms: r.perms})
		}
		cleared := r.ar.Intersect(ar)
		for va := cleared.Start; va < cleared.End; va += memarch.PageSize {
			if p, ok := s.pages[va]; ok {
				s.frames.DecRef(p.frame)
				delete(s.pages, va)
			}
			s.mappedPages--
		}
	}
}

// MMap establishes a private anonymous mapping over [addr, addr+length),
// replacing anything already there.
func (s *Space) MMap(addr memarch.Addr, length uint64, perms memarch.AccessType) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(ar)
	s.regions.ReplaceOrInsert(&region{ar: ar, perms: perms})
	s.mappedPages += int64(length / memarch.PageSize)
	return nil
}

// MUnmap removes all mappings in [addr, addr+length).
func (s *Space) MUnmap(addr memarch.Addr, length uint64) error {
	ar, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(ar)
	return nil
}

// PageFault resolves a fault at vaddr for the given access, with the same
// semantics as the fine-grained implementation.
func (s *Space) PageFault(vaddr memarch.Addr, access memarch.AccessType) error {
	if vaddr >= memarch.MaxAddr {
		return memerr.ErrInvalidRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults++
	va := vaddr.RoundDown()
	r := s.regionAt(va)
	if r == nil {
		s.fatalFaults++
		return memerr.ErrFatalFault
	}
	if !r.perms.SupersetOf(access) {
		s.fatalFaults++
		return memerr.ErrFatalFault
	}
	p, backed := s.pages[va]
	switch {
	case !backed:
		fn, err := s.frames.Allocate()
		if err != nil {
			return err
		}
		s.pages[va] = page{status: pagetables.Mapped, frame: fn}
		s.lazyAllocs++

	case p.status == pagetables.Mapped:
		// Benign refault.

	case p.status == pagetables.CowShared:
		if !access.Write {
			break
		}
		if s.frames.RefCount(p.frame) == 1 {
			s.pages[va] = page{status: pagetables.Mapped, frame: p.frame}
			s.cowClaims++
			break
		}
		nfn, err := s.frames.Allocate()
		if err != nil {
			return err
		}
		s.frames.CopyFrame(nfn, p.frame)
		s.frames.DecRef(p.frame)
		s.pages[va] = page{status: pagetables.Mapped, frame: nfn}
		s.cowCopies++
	}
	return nil
}

// Fork creates a copy-on-write child of the space.
func (s *Space) Fork() (*Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	child := &Space{
		frames: s.frames,
		// Regions are immutable, so the clone can share them.
		regions: s.regions.Clone(),
		pages:   make(map[memarch.Addr]page, len(s.pages)),
	}
	for va, p := range s.pages {
		s.frames.IncRef(p.frame)
		shared := page{status: pagetables.CowShared, frame: p.frame}
		s.pages[va] = shared
		child.pages[va] = shared
	}
	child.mappedPages = s.mappedPages
	s.forks++
	return child, nil
}

// Query returns the state of the page containing addr.
func (s *Space) Query(addr memarch.Addr) (pagetables.Status, error) {
	if addr >= memarch.MaxAddr {
		return pagetables.Unmapped, memerr.ErrInvalidRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	va := addr.RoundDown()
	if s.regionAt(va) == nil {
		return pagetables.Unmapped, nil
	}
	if p, ok := s.pages[va]; ok {
		return p.status, nil
	}
	return pagetables.PrivateAnon, nil
}

// Destroy drops every frame reference the space holds. The space must not
// be used afterwards.
func (s *Space) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for va, p := range s.pages {
		s.frames.DecRef(p.frame)
		delete(s.pages, va)
	}
	s.regions.Clear(false)
	s.mappedPages = 0
}
