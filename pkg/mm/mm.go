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

// Package mm implements virtual address spaces over the translation tree.
//
// There is no separate mapping structure: the page-table tree is the only
// authority on what is mapped. Per-page software state lives in the leaf
// nodes next to the translation entries it describes, and every node guards
// its own entries with its own mutex, so operations on disjoint address
// ranges proceed without sharing a lock.
//
// Lock discipline. An operation on [start, end) descends the tree without
// locks, following atomic child links under an rcu guard, then locks the
// leaf nodes covering the range in ascending address order. After all locks
// are held, each leaf is validated against concurrent removal via its stale
// flag; if any leaf went stale, everything is released and the acquisition
// retries. Interior nodes are locked only to publish or unlink a child
// entry, one ancestor at a time, and never while waiting on a leaf, so the
// two lock classes cannot deadlock.
//
// Node removal is never a synchronous free. A subtree is marked stale,
// unlinked under its parent's lock, and handed to the reclaimer, which
// frees it only after every traversal that might still hold its NodeID has
// finished.
package mm

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
	"radixmm.dev/radixmm/pkg/pagetables"
	"radixmm.dev/radixmm/pkg/physmem"
	"radixmm.dev/radixmm/pkg/rcu"
)

// checkInvariants enables expensive sanity checks.
const checkInvariants = true

// AddressSpace is a simulated virtual address space.
//
// Methods are safe for concurrent use unless noted otherwise.
type AddressSpace struct {
	// frames is the shared physical frame store. Frame refcounts in it are
	// the authoritative sharing state for copy-on-write pages.
	frames physmem.Allocator

	// arena stores this space's tree nodes. Each space owns its own arena;
	// only frames are shared across spaces.
	arena *pagetables.Arena

	// reclaimer defers node frees until no traversal can hold their IDs.
	// Items are subtree roots; the free callback releases the whole
	// subtree.
	reclaimer *rcu.Reclaimer[pagetables.NodeID]

	// root is the top-level node. It is allocated at construction, is
	// never unlinked, and never goes stale.
	root     pagetables.NodeID
	rootNode *pagetables.Node

	// retryWarn rate-limits warnings about pathological lock-acquisition
	// retry storms.
	retryWarn *rate.Limiter

	mappedPages atomic.Int64
	faults      atomic.Uint64
	lazyAllocs  atomic.Uint64
	cowCopies   atomic.Uint64
	cowClaims   atomic.Uint64
	fatalFaults atomic.Uint64
	lockRetries atomic.Uint64
	forks       atomic.Uint64
	pruned      atomic.Uint64
}

// AddressSpaceOpts configures NewAddressSpace.
type AddressSpaceOpts struct {
	// Frames is the physical frame store. Required.
	Frames physmem.Allocator

	// ArenaCapacity bounds the number of tree nodes. Zero selects
	// pagetables.DefaultArenaCapacity.
	ArenaCapacity int
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace(opts AddressSpaceOpts) (*AddressSpace, error) {
	if opts.Frames == nil {
		panic("AddressSpaceOpts.Frames is required")
	}
	arena := pagetables.NewArena(opts.ArenaCapacity)
	rootID, rootNode, ok := arena.Alloc(memarch.PTLevels - 1)
	if !ok {
		return nil, memerr.ErrNoMemory
	}
	as := &AddressSpace{
		frames:    opts.Frames,
		arena:     arena,
		root:      rootID,
		rootNode:  rootNode,
		retryWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	as.reclaimer = rcu.New(func(id pagetables.NodeID) {
		pagetables.FreeSubtree(arena, id)
	})
	return as, nil
}

// TryReclaim frees page-table subtrees whose grace periods have elapsed and
// returns the number of subtree roots freed.
func (as *AddressSpace) TryReclaim() int {
	return as.reclaimer.TryReclaim()
}

// BackgroundReclaim runs reclamation sweeps every interval until ctx is
// done. Unmap already reclaims opportunistically; the background sweep only
// bounds how long retired subtrees linger when the space goes idle.
func (as *AddressSpace) BackgroundReclaim(ctx context.Context, interval time.Duration) {
	as.reclaimer.Background(ctx, interval)
}

// Stats is a point-in-time snapshot of an address space's counters.
type Stats struct {
	// MappedPages counts pages whose state is anything but unmapped.
	MappedPages int64

	// Faults counts PageFault calls, including spurious and fatal ones.
	Faults uint64

	// LazyAllocs counts frames allocated by first-touch faults.
	LazyAllocs uint64

	// CowCopies counts write faults resolved by copying a shared frame.
	CowCopies uint64

	// CowClaims counts write faults resolved by reclaiming sole ownership
	// of a frame whose other references had already been dropped.
	CowClaims uint64

	// FatalFaults counts faults on unmapped pages or with insufficient
	// permissions.
	FatalFaults uint64

	// LockRetries counts cursor acquisitions that had to restart because a
	// locked node had gone stale.
	LockRetries uint64

	// Forks counts successful Fork calls.
	Forks uint64

	// PrunedSubtrees counts subtrees unlinked by Unmap.
	PrunedSubtrees uint64

	// NodesLive and NodesFreed describe the node arena.
	NodesLive  int64
	NodesFreed uint64

	// ReclaimPending and Reclaimed describe the deferred-free queue, in
	// subtree roots. GuardsActive is the number of in-flight traversals.
	ReclaimPending int
	Reclaimed      uint64
	GuardsActive   int
	Epoch          uint64
}

// Stats returns a snapshot of the space's counters.
func (as *AddressSpace) Stats() Stats {
	return Stats{
		MappedPages:    as.mappedPages.Load(),
		Faults:         as.faults.Load(),
		LazyAllocs:     as.lazyAllocs.Load(),
		CowCopies:      as.cowCopies.Load(),
		CowClaims:      as.cowClaims.Load(),
		FatalFaults:    as.fatalFaults.Load(),
		LockRetries:    as.lockRetries.Load(),
		Forks:          as.forks.Load(),
		PrunedSubtrees: as.pruned.Load(),
		NodesLive:      as.arena.Live(),
		NodesFreed:     as.arena.Freed(),
		ReclaimPending: as.reclaimer.Pending(),
		Reclaimed:      as.reclaimer.Reclaimed(),
		GuardsActive:   as.reclaimer.ActiveGuards(),
		Epoch:          as.reclaimer.Epoch(),
	}
}

// Destroy drops every frame reference the space holds. The space must not
// be used afterwards, and no other operation may be in flight.
func (as *AddressSpace) Destroy() {
	c := as.acquireAll()
	for _, l := range c.leaves {
		for i := 0; i < memarch.PTEntries; i++ {
			pte := l.node.Entry(i)
			if pte.Valid() {
				as.frames.DecRef(pte.Frame())
				pte.Clear()
			}
			l.node.WriteMetadata(i, pagetables.Metadata{})
		}
	}
	c.Release()
	as.mappedPages.Store(0)
	as.reclaimer.TryReclaim()
}
