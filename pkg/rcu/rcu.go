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

// Package rcu provides epoch-based deferred reclamation for structures
// traversed without locks.
//
// Writers that unlink an item hand it to a Reclaimer, which frees it only
// after a grace period: once every guard that was active when the item was
// retired has left. Guards are stamped with the global epoch at entry, so
// eligibility is a comparison of integers rather than a wall-clock
// heuristic.
//
// The protocol requires that an item is unlinked, and therefore unreachable
// by new traversals, before DeferFree is called on it. A guard whose entry
// epoch is at or past the item's retire epoch must have entered after the
// unlink and so cannot hold a reference to the item; the item is freed once
// no guard with an older entry epoch remains.
package rcu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Reclaimer defers frees of type T until ongoing traversals can no longer
// reference them. The zero value is not usable; call New.
type Reclaimer[T any] struct {
	// free releases a retired item. Called from TryReclaim with no locks
	// held; it must not call back into the Reclaimer.
	free func(T)

	// epoch is the global epoch. It starts at 1 and advances on every
	// DeferFree, so that items retired before a guard entered have a
	// strictly smaller epoch than the guard's.
	epoch atomic.Uint64

	// guards maps guard ID to entry epoch (uint64 -> uint64). A sync.Map
	// keeps Enter and Leave off any shared lock; both are on the traversal
	// fast path.
	guards sync.Map
	nextID atomic.Uint64
	active atomic.Int64

	// mu protects retired. DeferFree and TryReclaim are writer-side
	// operations; contention here is acceptable.
	mu      sync.Mutex
	retired []retiredItem[T]

	reclaimed atomic.Uint64
}

type retiredItem[T any] struct {
	// epoch is the value of Reclaimer.epoch immediately after the advance
	// performed by the DeferFree that retired this item.
	epoch uint64
	item  T
}

// New returns a Reclaimer that releases retired items with free.
func New[T any](free func(T)) *Reclaimer[T] {
	r := &Reclaimer[T]{free: free}
	r.epoch.Store(1)
	return r
}

// A Guard marks an in-flight traversal. While a Guard is live, no item
// retired before the Guard entered will be freed, so pointers obtained from
// lock-free reads remain valid until Leave.
type Guard[T any] struct {
	r  *Reclaimer[T]
	id uint64
}

// Enter registers a traversal beginning now and returns its Guard. Every
// Enter must be paired with exactly one Leave.
func (r *Reclaimer[T]) Enter() *Guard[T] {
	id := r.nextID.Add(1)
	r.guards.Store(id, r.epoch.Load())
	r.active.Add(1)
	return &Guard[T]{r: r, id: id}
}

// Leave unregisters the traversal. After Leave returns, the caller must not
// dereference anything it reached without a lock during the traversal.
// Calling Leave twice on the same Guard panics.
func (g *Guard[T]) Leave() {
	if _, ok := g.r.guards.LoadAndDelete(g.id); !ok {
		panic("rcu: Guard.Leave called twice")
	}
	g.r.active.Add(-1)
}

// DeferFree retires item. The caller must already have unlinked item so that
// no traversal starting after this call can reach it; traversals already in
// flight are what the grace period exists for.
//
// DeferFree never frees synchronously, even when no guard is active. Frees
// happen only in TryReclaim.
func (r *Reclaimer[T]) DeferFree(item T) {
	// Advance first: the unlink (performed by the caller) and this advance
	// are both atomic, so a guard observing the advanced epoch also
	// observes the unlink and cannot reach item.
	e := r.epoch.Add(1)
	r.mu.Lock()
	r.retired = append(r.retired, retiredItem[T]{epoch: e, item: item})
	r.mu.Unlock()
}

// TryReclaim frees every retired item whose grace period has elapsed and
// returns the number freed. Items retired at epoch E are eligible once every
// active guard has entry epoch >= E; with no active guards, everything is
// eligible.
func (r *Reclaimer[T]) TryReclaim() int {
	r.mu.Lock()
	if len(r.retired) == 0 {
		r.mu.Unlock()
		return 0
	}
	min := r.minGuardEpoch()
	var ready []retiredItem[T]
	old := r.retired
	kept := old[:0]
	for _, it := range old {
		if it.epoch <= min {
			ready = append(ready, it)
		} else {
			kept = append(kept, it)
		}
	}
	// Zero the tail so the backing array does not pin freed items.
	for i := len(kept); i < len(old); i++ {
		old[i] = retiredItem[T]{}
	}
	r.retired = kept
	r.mu.Unlock()

	for _, it := range ready {
		r.free(it.item)
	}
	r.reclaimed.Add(uint64(len(ready)))
	return len(ready)
}

// minGuardEpoch returns the smallest entry epoch among active guards, or the
// current epoch if none are active.
//
// Preconditions: r.mu must be locked, so that a retire cannot be appended
// between the scan and the caller's filtering.
func (r *Reclaimer[T]) minGuardEpoch() uint64 {
	min := r.epoch.Load()
	r.guards.Range(func(_, v any) bool {
		if e := v.(uint64); e < min {
			min = e
		}
		return true
	})
	// A guard may enter during the Range and be missed, but its entry epoch
	// is at least the current epoch, which bounds min from above already.
	return min
}

// Pending returns the number of retired items not yet freed.
func (r *Reclaimer[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retired)
}

// ActiveGuards returns the number of guards currently registered.
func (r *Reclaimer[T]) ActiveGuards() int {
	return int(r.active.Load())
}

// Reclaimed returns the total number of items freed so far.
func (r *Reclaimer[T]) Reclaimed() uint64 {
	return r.reclaimed.Load()
}

// Epoch returns the current global epoch. It advances once per DeferFree.
func (r *Reclaimer[T]) Epoch() uint64 {
	return r.epoch.Load()
}

// Background runs TryReclaim every interval until ctx is done, then performs
// a final sweep and returns. It is optional; callers may instead invoke
// TryReclaim opportunistically.
func (r *Reclaimer[T]) Background(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := r.TryReclaim(); n > 0 {
				logrus.Debugf("rcu: final sweep freed %d items, %d still pending", n, r.Pending())
			}
			return
		case <-t.C:
			if n := r.TryReclaim(); n > 0 {
				logrus.Debugf("rcu: freed %d items, %d pending, %d guards active", n, r.Pending(), r.ActiveGuards())
			}
		}
	}
}
