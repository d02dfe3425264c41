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

// Package cmd holds implementations of the mmbench commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"radixmm.dev/radixmm/mmbench/config"
	"radixmm.dev/radixmm/mmbench/workload"
	"radixmm.dev/radixmm/pkg/physmem"
)

// Fatalf writes a message to stderr and exits with failure.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL ERROR: "+format+"\n", args...)
	os.Exit(128)
}

// loadConfig returns the workload at path, or the default workload when no
// path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// overrides are the flag-level knobs shared by run and compare. Zero values
// leave the file's settings alone.
type overrides struct {
	workers  int
	duration time.Duration
	seed     int64
}

func (o *overrides) setFlags(f *flag.FlagSet) {
	f.IntVar(&o.workers, "workers", 0, "override the configured worker count.")
	f.DurationVar(&o.duration, "duration", 0, "override the configured time budget.")
	f.Int64Var(&o.seed, "seed", 0, "override the configured RNG seed.")
}

func (o *overrides) apply(cfg *config.Config) {
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	if o.duration > 0 {
		cfg.Duration.Duration = o.duration
	}
	if o.seed != 0 {
		cfg.Seed = o.seed
	}
}

// runOne executes cfg against a fresh instance of the named implementation
// with its own frame store.
func runOne(ctx context.Context, cfg *config.Config, impl string) (*workload.Results, error) {
	frames, err := physmem.NewFile(physmem.FileOpts{Capacity: cfg.FrameCapacity})
	if err != nil {
		return nil, err
	}
	defer frames.Destroy()
	s, err := workload.New(impl, frames, cfg.ArenaCapacity)
	if err != nil {
		return nil, err
	}
	defer s.Destroy()
	logrus.Infof("driving %s: workers=%d layout=%s window=%d pages", impl, cfg.Workers, cfg.Layout, cfg.WindowPages)
	return workload.Run(ctx, cfg, s)
}

// printResults writes one run's counters in a grep-friendly layout.
func printResults(w io.Writer, impl string, res *workload.Results) {
	fmt.Fprintf(w, "%s: workers=%d elapsed=%v ops=%d rate=%.0f ops/s\n",
		impl, res.Workers, res.Elapsed.Round(time.Millisecond), res.Ops, res.OpsPerSecond())
	fmt.Fprintf(w, "  ops: mmap=%d munmap=%d fault=%d query=%d fork=%d fatal_fault=%d no_memory=%d\n",
		res.MMaps, res.MUnmaps, res.Faults, res.Queries, res.Forks, res.FatalFaults, res.NoMemory)
	s := res.Space
	fmt.Fprintf(w, "  space: mapped_pages=%d lazy_allocs=%d cow_copies=%d cow_claims=%d lock_retries=%d nodes_live=%d reclaimed=%d\n",
		s.MappedPages, s.LazyAllocs, s.CowCopies, s.CowClaims, s.LockRetries, s.NodesLive, s.Reclaimed)
}
