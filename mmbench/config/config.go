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

// Package config defines the mmbench workload configuration, loaded from a
// TOML file. Library packages never read configuration themselves; the
// harness decodes one of these and passes explicit options down.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"radixmm.dev/radixmm/pkg/memarch"
	"radixmm.dev/radixmm/pkg/physmem"
)

// Range layouts.
const (
	// LayoutDisjoint gives every worker a private address window.
	LayoutDisjoint = "disjoint"
	// LayoutShared points all workers at one window so their operations
	// contend.
	LayoutShared = "shared"
)

// Duration wraps time.Duration so it can be written as "250ms" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Mix weights the operation types. Weights are relative; they need not sum
// to anything in particular.
type Mix struct {
	MMap   int `toml:"mmap"`
	MUnmap int `toml:"munmap"`
	Fault  int `toml:"fault"`
	Query  int `toml:"query"`
}

// Total returns the sum of all weights.
func (m Mix) Total() int {
	return m.MMap + m.MUnmap + m.Fault + m.Query
}

// Config is a complete workload definition.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int `toml:"workers"`

	// Ops is the per-worker operation budget. Ignored if Duration is set.
	Ops int64 `toml:"ops"`

	// Duration is the wall-clock budget. When nonzero it takes precedence
	// over Ops.
	Duration Duration `toml:"duration"`

	// Seed seeds the per-worker RNGs. Runs with equal seeds and equal
	// configs perform identical operation sequences per worker.
	Seed int64 `toml:"seed"`

	// Layout is the range layout, LayoutDisjoint or LayoutShared.
	Layout string `toml:"layout"`

	// WindowPages is the size of each worker's address window in pages.
	WindowPages uint64 `toml:"window_pages"`

	// ForkEvery makes each worker fork the space every N of its own
	// operations, touch a page in the child, and destroy it. Zero
	// disables forking.
	ForkEvery int64 `toml:"fork_every"`

	// ReclaimInterval runs a background reclaim sweep at this period.
	// Zero leaves reclamation to the unmap path alone.
	ReclaimInterval Duration `toml:"reclaim_interval"`

	// FrameCapacity is the size of the physical frame store in frames.
	FrameCapacity int `toml:"frame_capacity"`

	// ArenaCapacity bounds the fine-grained implementation's node arena.
	// Zero selects its default. The big-lock implementation ignores it.
	ArenaCapacity int `toml:"arena_capacity"`

	// Mix is the operation mix.
	Mix Mix `toml:"mix"`
}

// Default returns the configuration used when no file is given: a short
// fault-heavy run over disjoint windows.
func Default() *Config {
	return &Config{
		Workers:       4,
		Ops:           100000,
		Seed:          1,
		Layout:        LayoutDisjoint,
		WindowPages:   256,
		ForkEvery:     0,
		FrameCapacity: physmem.DefaultCapacity,
		Mix: Mix{
			MMap:   1,
			MUnmap: 1,
			Fault:  6,
			Query:  2,
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Duration.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", c.Duration.Duration)
	}
	if c.Duration.Duration == 0 && c.Ops <= 0 {
		return fmt.Errorf("either duration or a positive op budget is required")
	}
	switch c.Layout {
	case LayoutDisjoint, LayoutShared:
	default:
		return fmt.Errorf("layout must be %q or %q, got %q", LayoutDisjoint, LayoutShared, c.Layout)
	}
	if c.WindowPages == 0 {
		return fmt.Errorf("window_pages must be positive")
	}
	windows := uint64(1)
	if c.Layout == LayoutDisjoint {
		windows = uint64(c.Workers)
	}
	if maxPages := uint64(memarch.MaxAddr) / memarch.PageSize; c.WindowPages > maxPages/windows {
		return fmt.Errorf("window_pages %d does not fit %d windows in the address space", c.WindowPages, windows)
	}
	if c.ForkEvery < 0 {
		return fmt.Errorf("fork_every must not be negative, got %d", c.ForkEvery)
	}
	if c.ReclaimInterval.Duration < 0 {
		return fmt.Errorf("reclaim_interval must not be negative, got %v", c.ReclaimInterval.Duration)
	}
	if c.FrameCapacity <= 0 {
		return fmt.Errorf("frame_capacity must be positive, got %d", c.FrameCapacity)
	}
	if c.ArenaCapacity < 0 {
		return fmt.Errorf("arena_capacity must not be negative, got %d", c.ArenaCapacity)
	}
	if c.Mix.MMap < 0 || c.Mix.MUnmap < 0 || c.Mix.Fault < 0 || c.Mix.Query < 0 {
		return fmt.Errorf("mix weights must not be negative")
	}
	if c.Mix.Total() == 0 {
		return fmt.Errorf("mix weights must not all be zero")
	}
	return nil
}

// Load reads and validates a workload definition. Fields absent from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}
