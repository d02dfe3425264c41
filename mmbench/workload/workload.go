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

// Package workload drives an address-space implementation with a
// configurable mix of mapping, unmapping, faulting and querying, and
// reports aggregate counters.
package workload

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"radixmm.dev/radixmm/mmbench/config"
	"radixmm.dev/radixmm/pkg/biglock"
	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/memerr"
	"radixmm.dev/radixmm/pkg/mm"
	"radixmm.dev/radixmm/pkg/pagetables"
	"radixmm.dev/radixmm/pkg/physmem"
)

// Space is the surface a workload drives. Both address-space
// implementations satisfy it through the adapters below.
type Space interface {
	MMap(addr memarch.Addr, length uint64, perms memarch.AccessType) error
	MUnmap(addr memarch.Addr, length uint64) error
	PageFault(vaddr memarch.Addr, access memarch.AccessType) error
	Query(addr memarch.Addr) (pagetables.Status, error)
	Fork() (Space, error)
	Stats() SpaceStats
	Destroy()
}

// SpaceStats is the implementation counter set shared by both
// implementations. Counters without a big-lock counterpart read zero there.
type SpaceStats struct {
	MappedPages int64
	Faults      uint64
	LazyAllocs  uint64
	CowCopies   uint64
	CowClaims   uint64
	FatalFaults uint64
	Forks       uint64

	// Fine-grained implementation only.
	LockRetries uint64
	NodesLive   int64
	Reclaimed   uint64
}

// Implementation names accepted by New.
const (
	ImplRadix   = "radix"
	ImplBigLock = "biglock"
)

// Implementations lists the accepted implementation names.
func Implementations() []string {
	return []string{ImplRadix, ImplBigLock}
}

// New returns a fresh Space of the named implementation backed by frames.
func New(impl string, frames physmem.Allocator, arenaCapacity int) (Space, error) {
	switch impl {
	case ImplRadix:
		as, err := mm.NewAddressSpace(mm.AddressSpaceOpts{
			Frames:        frames,
			ArenaCapacity: arenaCapacity,
		})
		if err != nil {
			return nil, err
		}
		return radixSpace{as}, nil
	case ImplBigLock:
		return lockedSpace{biglock.NewSpace(frames)}, nil
	default:
		return nil, fmt.Errorf("unknown implementation %q", impl)
	}
}

// radixSpace adapts *mm.AddressSpace to Space.
type radixSpace struct {
	*mm.AddressSpace
}

func (s radixSpace) Fork() (Space, error) {
	child, err := s.AddressSpace.Fork()
	if err != nil {
		return nil, err
	}
	return radixSpace{child}, nil
}

func (s radixSpace) Stats() SpaceStats {
	st := s.AddressSpace.Stats()
	return SpaceStats{
		MappedPages: st.MappedPages,
		Faults:      st.Faults,
		LazyAllocs:  st.LazyAllocs,
		CowCopies:   st.CowCopies,
		CowClaims:   st.CowClaims,
		FatalFaults: st.FatalFaults,
		Forks:       st.Forks,
		LockRetries: st.LockRetries,
		NodesLive:   st.NodesLive,
		Reclaimed:   st.Reclaimed,
	}
}

// lockedSpace adapts *biglock.Space to Space.
type lockedSpace struct {
	*biglock.Space
}

func (s lockedSpace) Fork() (Space, error) {
	child, err := s.Space.Fork()
	if err != nil {
		return nil, err
	}
	return lockedSpace{child}, nil
}

func (s lockedSpace) Stats() SpaceStats {
	st := s.Space.Stats()
	return SpaceStats{
		MappedPages: st.MappedPages,
		Faults:      st.Faults,
		LazyAllocs:  st.LazyAllocs,
		CowCopies:   st.CowCopies,
		CowClaims:   st.CowClaims,
		FatalFaults: st.FatalFaults,
		Forks:       st.Forks,
	}
}

// Results aggregates one run's counters.
type Results struct {
	Workers int
	Elapsed time.Duration

	// Ops counts completed operations, including ones the space refused
	// with a fatal fault or exhaustion.
	Ops     uint64
	MMaps   uint64
	MUnmaps uint64
	Faults  uint64
	Queries uint64
	Forks   uint64

	// FatalFaults counts faults the space refused; under the shared
	// layout these are expected, a worker can fault a page a peer just
	// unmapped.
	FatalFaults uint64

	// NoMemory counts operations refused by frame or node exhaustion.
	NoMemory uint64

	// Space is the implementation's own view at the end of the run.
	Space SpaceStats
}

// OpsPerSecond returns the aggregate operation rate.
func (r *Results) OpsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

type counters struct {
	ops         atomic.Uint64
	mmaps       atomic.Uint64
	munmaps     atomic.Uint64
	faults      atomic.Uint64
	queries     atomic.Uint64
	forks       atomic.Uint64
	fatalFaults atomic.Uint64
	noMemory    atomic.Uint64
}

// Run drives s with cfg's operation mix until the op or time budget is
// spent, then snapshots the implementation's counters.
func Run(ctx context.Context, cfg *config.Config, s Space) (*Results, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReclaimInterval.Duration > 0 {
		// Only the fine-grained implementation has deferred reclaim.
		if br, ok := s.(interface {
			BackgroundReclaim(context.Context, time.Duration)
		}); ok {
			rctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go br.BackgroundReclaim(rctx, cfg.ReclaimInterval.Duration)
		}
	}

	var c counters
	start := time.Now()
	var deadline time.Time
	if cfg.Duration.Duration > 0 {
		deadline = start.Add(cfg.Duration.Duration)
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			return runWorker(ctx, cfg, s, w, deadline, &c)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Results{
		Workers:     cfg.Workers,
		Elapsed:     time.Since(start),
		Ops:         c.ops.Load(),
		MMaps:       c.mmaps.Load(),
		MUnmaps:     c.munmaps.Load(),
		Faults:      c.faults.Load(),
		Queries:     c.queries.Load(),
		Forks:       c.forks.Load(),
		FatalFaults: c.fatalFaults.Load(),
		NoMemory:    c.noMemory.Load(),
		Space:       s.Stats(),
	}, nil
}

// workerWindow returns the address window worker w operates in.
func workerWindow(cfg *config.Config, w int) memarch.AddrRange {
	span := cfg.WindowPages * memarch.PageSize
	base := memarch.Addr(0)
	if cfg.Layout == config.LayoutDisjoint {
		base = memarch.Addr(uint64(w) * span)
	}
	return memarch.AddrRange{Start: base, End: base + memarch.Addr(span)}
}

func runWorker(ctx context.Context, cfg *config.Config, s Space, w int, deadline time.Time, c *counters) error {
	rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
	window := workerWindow(cfg, w)
	var done int64
	for {
		if deadline.IsZero() {
			if done >= cfg.Ops {
				return nil
			}
		} else if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		done++
		if cfg.ForkEvery > 0 && done%cfg.ForkEvery == 0 {
			if err := forkOnce(s, window, rng, c); err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			continue
		}
		if err := doOp(s, window, rng, cfg.Mix, c); err != nil {
			return fmt.Errorf("worker %d: %w", w, err)
		}
	}
}

// doOp performs one operation drawn from the mix. Fatal faults and
// exhaustion are counted, not returned; a loaded space produces both.
func doOp(s Space, window memarch.AddrRange, rng *rand.Rand, mix config.Mix, c *counters) error {
	pages := int64(window.Length() / memarch.PageSize)
	randPage := func() memarch.Addr {
		return window.Start + memarch.Addr(uint64(rng.Int63n(pages))*memarch.PageSize)
	}

	pick := rng.Intn(mix.Total())
	switch {
	case pick < mix.MMap:
		run := pages
		if run > 16 {
			run = 16
		}
		n := 1 + rng.Int63n(run)
		addr := window.Start + memarch.Addr(uint64(rng.Int63n(pages-n+1))*memarch.PageSize)
		switch err := s.MMap(addr, uint64(n)*memarch.PageSize, memarch.ReadWrite); err {
		case nil:
			c.mmaps.Add(1)
		case memerr.ErrNoMemory:
			c.noMemory.Add(1)
		default:
			return fmt.Errorf("mmap(%v, %d pages): %w", addr, n, err)
		}

	case pick < mix.MMap+mix.MUnmap:
		run := pages
		if run > 16 {
			run = 16
		}
		n := 1 + rng.Int63n(run)
		addr := window.Start + memarch.Addr(uint64(rng.Int63n(pages-n+1))*memarch.PageSize)
		if err := s.MUnmap(addr, uint64(n)*memarch.PageSize); err != nil {
			return fmt.Errorf("munmap(%v, %d pages): %w", addr, n, err)
		}
		c.munmaps.Add(1)

	case pick < mix.MMap+mix.MUnmap+mix.Fault:
		addr := randPage()
		access := memarch.Read
		if rng.Intn(2) == 0 {
			access = memarch.Write
		}
		switch err := s.PageFault(addr, access); err {
		case nil:
			c.faults.Add(1)
		case memerr.ErrFatalFault:
			c.fatalFaults.Add(1)
		case memerr.ErrNoMemory:
			c.noMemory.Add(1)
		default:
			return fmt.Errorf("fault(%v, %v): %w", addr, access, err)
		}

	default:
		addr := randPage()
		if _, err := s.Query(addr); err != nil {
			return fmt.Errorf("query(%v): %w", addr, err)
		}
		c.queries.Add(1)
	}
	c.ops.Add(1)
	return nil
}

// forkOnce forks the space, touches one page in the child to exercise the
// copy-on-write path, and destroys the child.
func forkOnce(s Space, window memarch.AddrRange, rng *rand.Rand, c *counters) error {
	child, err := s.Fork()
	switch err {
	case nil:
	case memerr.ErrNoMemory:
		c.noMemory.Add(1)
		c.ops.Add(1)
		return nil
	default:
		return fmt.Errorf("fork: %w", err)
	}
	c.forks.Add(1)

	pages := int64(window.Length() / memarch.PageSize)
	addr := window.Start + memarch.Addr(uint64(rng.Int63n(pages))*memarch.PageSize)
	err = child.PageFault(addr, memarch.Write)
	if err != nil && err != memerr.ErrFatalFault && err != memerr.ErrNoMemory {
		child.Destroy()
		return fmt.Errorf("child fault(%v): %w", addr, err)
	}
	child.Destroy()
	c.ops.Add(1)
	return nil
}
